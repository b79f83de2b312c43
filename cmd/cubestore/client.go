package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nainya/cubestore/internal/server"
	"github.com/nainya/cubestore/pkg/cube"
)

// withClient dials the server and runs fn with a bounded context
func withClient(fn func(ctx context.Context, c *server.Client) error) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return fn(ctx, server.NewClient(conn))
}

func runList(cmd *cobra.Command, args []string) error {
	req := server.ListRequest{App: listApp, Version: listVersion, Status: listStatus}
	if len(args) == 1 {
		req.Filter = args[0]
	}
	return withClient(func(ctx context.Context, c *server.Client) error {
		var list []cube.Summary
		if err := c.Call(ctx, "ListCubes", req, &list); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "APP\tVERSION\tSTATUS\tNAME\tAXES\tCELLS\tSHA")
		for _, s := range list {
			sha := s.SHA
			if len(sha) > 12 {
				sha = sha[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", s.App, s.Version, s.Status, s.Name, s.AxisCount, s.CellCount, sha)
		}
		return w.Flush()
	})
}

func runRelease(cmd *cobra.Command, args []string) error {
	req := server.ReleaseRequest{App: args[0], Version: args[1]}
	if len(args) == 3 {
		req.NewVersion = args[2]
	}
	return withClient(func(ctx context.Context, c *server.Client) error {
		var res server.ReleaseResponse
		if err := c.Call(ctx, "Release", req, &res); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.NoOp {
			fmt.Fprintf(out, "%s %s is already released\n", res.App, res.Version)
			return nil
		}
		fmt.Fprintf(out, "Released %d cube(s) of %s %s\n", len(res.Released), res.App, res.Version)
		if res.Snapshot != "" {
			fmt.Fprintf(out, "Snapshot %s created\n", res.Snapshot)
		}
		return nil
	})
}

// parseScope turns key=value arguments into a scope; values that look
// numeric or boolean are sent as such
func parseScope(args []string) (map[string]any, error) {
	scope := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("scope entry %q must look like key=value", arg)
		}
		switch {
		case raw == "true" || raw == "false":
			scope[key] = raw == "true"
		default:
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				scope[key] = i
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				scope[key] = f
			} else {
				scope[key] = raw
			}
		}
	}
	return scope, nil
}

func runEval(cmd *cobra.Command, args []string) error {
	scope, err := parseScope(args[3:])
	if err != nil {
		return err
	}
	req := server.EvaluateRequest{
		CubeRequest: server.CubeRequest{App: args[0], Version: args[1], Status: evalStatus, Name: args[2]},
		Scope:       scope,
		Memoize:     evalMemo,
		TimeoutMs:   callTimeout.Milliseconds(),
	}
	return withClient(func(ctx context.Context, c *server.Client) error {
		var res server.EvaluateResponse
		if err := c.Call(ctx, "Evaluate", req, &res); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	})
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return withClient(func(ctx context.Context, c *server.Client) error {
		var h server.HealthResponse
		if err := c.Call(ctx, "Health", nil, &h); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "healthy=%t version=%s uptime=%ds\n", h.Healthy, h.Version, h.UptimeSeconds)
		return nil
	})
}
