// CubeStore gRPC server and command line client
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath  string
	serverAddr  string
	callTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:           "cubestore",
		Short:         "Versioned n-dimensional decision cubes over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server and the observability endpoints",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	listCmd = &cobra.Command{
		Use:   "list [pattern]",
		Short: "List cubes, optionally filtered by a name glob",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList,
	}

	releaseCmd = &cobra.Command{
		Use:   "release <app> <version> [next-snapshot]",
		Short: "Release every SNAPSHOT cube of a version",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runRelease,
	}

	evalCmd = &cobra.Command{
		Use:   "eval <app> <version> <cube> [key=value...]",
		Short: "Evaluate a cube against a scope",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runEval,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check that a server is reachable",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}
)

var (
	listApp     string
	listVersion string
	listStatus  string
	evalStatus  string
	evalMemo    bool
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	for _, cmd := range []*cobra.Command{listCmd, releaseCmd, evalCmd, healthCmd} {
		cmd.Flags().StringVar(&serverAddr, "addr", "localhost:50051", "server address")
		cmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "request timeout")
	}
	listCmd.Flags().StringVar(&listApp, "app", "", "only cubes of this application")
	listCmd.Flags().StringVar(&listVersion, "version", "", "only cubes of this version")
	listCmd.Flags().StringVar(&listStatus, "status", "", "SNAPSHOT or RELEASE")
	evalCmd.Flags().StringVar(&evalStatus, "status", "", "SNAPSHOT or RELEASE; defaults to the snapshot when one exists")
	evalCmd.Flags().BoolVar(&evalMemo, "memoize", false, "memoize sub-evaluations within the call")

	rootCmd.AddCommand(serveCmd, listCmd, releaseCmd, evalCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
