// Package server implements the gRPC CubeStore service
package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/cubestore/internal/logger"
	"github.com/nainya/cubestore/pkg/cube"
	"github.com/nainya/cubestore/pkg/engine"
	"github.com/nainya/cubestore/pkg/eval"
	"github.com/nainya/cubestore/pkg/repository"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "cubestore.v1.CubeService"

// ServerVersion is reported by Health
const ServerVersion = "1.0.0"

// Server serves engine operations over gRPC. Every method takes and
// returns a google.protobuf.Struct; responses carry their payload under
// "result".
type Server struct {
	engine *engine.Engine
	log    *logger.Logger

	startTime time.Time
	mu        sync.Mutex
	opCounts  map[string]int64
}

// NewServer creates a server over an engine
func NewServer(e *engine.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		engine:    e,
		log:       log,
		startTime: time.Now(),
		opCounts:  make(map[string]int64),
	}
}

// Register adds the service to a gRPC server
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Close closes the engine and its repository
func (s *Server) Close() error {
	return s.engine.Close()
}

func (s *Server) count(method string) {
	s.mu.Lock()
	s.opCounts[method]++
	s.mu.Unlock()
}

// handler serves one method
type handler func(ctx context.Context, s *Server, in *structpb.Struct) (any, error)

func (s *Server) invoke(ctx context.Context, method string, fn handler, in *structpb.Struct) (*structpb.Struct, error) {
	s.count(method)
	result, err := fn(ctx, s, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(result)
}

func unary(name string, fn handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return srv.(*Server).invoke(ctx, name, fn, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// ServiceDesc describes the CubeStore service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListCubes", listCubes),
		unary("GetCube", getCube),
		unary("CreateCube", createCube),
		unary("DeleteCube", deleteCube),
		unary("RenameCube", renameCube),
		unary("DuplicateCube", duplicateCube),
		unary("ImportCube", importCube),
		unary("ListApplications", listApplications),
		unary("ListVersions", listVersions),
		unary("GetReferencesFrom", referencesFrom),
		unary("GetReferencesTo", referencesTo),
		unary("GetRequiredScope", requiredScope),
		unary("GetOptionalScope", optionalScope),
		unary("Visualize", visualize),
		unary("AddAxis", addAxis),
		unary("GetAxes", getAxes),
		unary("GetAxis", getAxis),
		unary("DeleteAxis", deleteAxis),
		unary("UpdateAxis", updateAxis),
		unary("AddColumn", addColumn),
		unary("DeleteColumn", deleteColumn),
		unary("UpdateColumnCell", updateColumnCell),
		unary("UpdateAxisColumns", updateAxisColumns),
		unary("UpdateCell", updateCell),
		unary("SetCellAt", setCellAt),
		unary("SetDefaultCell", setDefaultCell),
		unary("GetCell", getCell),
		unary("Release", release),
		unary("ChangeVersionValue", changeVersionValue),
		unary("BumpSnapshot", bumpSnapshot),
		unary("Evaluate", evaluate),
		unary("Health", health),
		unary("Stats", stats),
	},
	Metadata: "cubestore/v1/cubestore.proto",
}

// ========== Requests ==========

// CubeRequest addresses one cube. An empty status prefers SNAPSHOT.
type CubeRequest struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Status  string `json:"status,omitempty"`
	Name    string `json:"name"`
}

func (r CubeRequest) identity() (cube.Identity, error) {
	st, err := cube.ParseStatus(r.Status)
	if err != nil {
		return cube.Identity{}, err
	}
	return cube.Identity{App: r.App, Version: r.Version, Status: st, Name: r.Name}, nil
}

// ListRequest filters ListCubes
type ListRequest struct {
	Filter  string `json:"filter,omitempty"`
	App     string `json:"app,omitempty"`
	Version string `json:"version,omitempty"`
	Status  string `json:"status,omitempty"`
}

// RenameRequest renames a cube
type RenameRequest struct {
	CubeRequest
	NewName string `json:"newName"`
}

// DuplicateRequest copies a cube into a SNAPSHOT target
type DuplicateRequest struct {
	Source CubeRequest `json:"source"`
	Target CubeRequest `json:"target"`
}

// ImportRequest stores a cube document
type ImportRequest struct {
	Cube *cube.Document `json:"cube"`
}

// VersionsRequest lists the versions of an application
type VersionsRequest struct {
	App    string `json:"app"`
	Status string `json:"status,omitempty"`
}

// VisualizeRequest builds a reference graph
type VisualizeRequest struct {
	CubeRequest
	Depth int `json:"depth,omitempty"`
}

// AxisRequest carries an axis definition or update
type AxisRequest struct {
	CubeRequest
	Axis       string `json:"axis"`
	NewName    string `json:"newName,omitempty"`
	Type       string `json:"type,omitempty"`
	Sorted     bool   `json:"sorted,omitempty"`
	HasDefault bool   `json:"hasDefault,omitempty"`
	MultiMatch bool   `json:"multiMatch,omitempty"`
}

// ColumnRequest edits one column
type ColumnRequest struct {
	CubeRequest
	Axis     string `json:"axis,omitempty"`
	ColumnID int64  `json:"columnId,omitempty"`
	Value    string `json:"value,omitempty"`
}

// ColumnsRequest replaces the columns of an axis
type ColumnsRequest struct {
	CubeRequest
	Axis    string       `json:"axis"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec is one column of a bulk replacement; a zero id adds a column
type ColumnSpec struct {
	ID    int64  `json:"id,omitempty"`
	Value string `json:"value"`
}

// CellRequest reads or writes one cell
type CellRequest struct {
	CubeRequest
	ColumnIDs []int64        `json:"columnIds,omitempty"`
	Scope     map[string]any `json:"scope,omitempty"`
	Value     string         `json:"value,omitempty"`
}

// ReleaseRequest drives lifecycle transitions
type ReleaseRequest struct {
	App        string `json:"app"`
	Version    string `json:"version"`
	NewVersion string `json:"newVersion,omitempty"`
}

// EvaluateRequest evaluates the cell a scope resolves to
type EvaluateRequest struct {
	CubeRequest
	Scope     map[string]any `json:"scope"`
	Memoize   bool           `json:"memoize,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

// ReleaseResponse is the result of Release
type ReleaseResponse struct {
	App      string         `json:"app"`
	Version  string         `json:"version"`
	Released []cube.Summary `json:"released"`
	Snapshot string         `json:"snapshot,omitempty"`
	NoOp     bool           `json:"noOp"`
}

// EvaluateResponse is the result of Evaluate
type EvaluateResponse struct {
	Value      cube.Value `json:"value"`
	Coordinate string     `json:"coordinate"`
	Hops       int        `json:"hops"`
}

// Ack acknowledges an operation without a payload
type Ack struct {
	Success bool `json:"success"`
}

// ========== Cube Operations ==========

func listCubes(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[ListRequest](in)
	if err != nil {
		return nil, err
	}
	st, err := cube.ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}
	return s.engine.ListCubes(ctx, repository.Filter{Pattern: req.Filter, App: req.App, Version: req.Version, Status: st})
}

// withCube decodes a request embedding CubeRequest and resolves its identity
func withCube[T interface{ identity() (cube.Identity, error) }](in *structpb.Struct) (T, cube.Identity, error) {
	req, err := decode[T](in)
	if err != nil {
		return req, cube.Identity{}, err
	}
	id, err := req.identity()
	return req, id, err
}

func getCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.GetCube(ctx, id)
}

func createCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	cubeID, err := s.engine.CreateCube(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": cubeID}, nil
}

func deleteCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.DeleteCube(ctx, id)
}

func renameCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[RenameRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.RenameCube(ctx, id, req.NewName)
}

func duplicateCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[DuplicateRequest](in)
	if err != nil {
		return nil, err
	}
	src, err := req.Source.identity()
	if err != nil {
		return nil, err
	}
	dst, err := req.Target.identity()
	if err != nil {
		return nil, err
	}
	cubeID, err := s.engine.DuplicateCube(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": cubeID}, nil
}

func importCube(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[ImportRequest](in)
	if err != nil {
		return nil, err
	}
	if req.Cube == nil {
		return nil, cube.Errorf(cube.KindInvalid, cube.ErrInvalidArgument, "cube is required")
	}
	cubeID, err := s.engine.ImportCube(ctx, req.Cube)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": cubeID}, nil
}

func listApplications(ctx context.Context, s *Server, _ *structpb.Struct) (any, error) {
	return s.engine.ListApplications(ctx)
}

func listVersions(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[VersionsRequest](in)
	if err != nil {
		return nil, err
	}
	st, err := cube.ParseStatus(req.Status)
	if err != nil {
		return nil, err
	}
	return s.engine.ListVersions(ctx, req.App, st)
}

// ========== References ==========

func referencesFrom(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.ReferencesFrom(ctx, id)
}

func referencesTo(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.ReferencesTo(ctx, id)
}

func requiredScope(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.RequiredScope(ctx, id)
}

func optionalScope(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.OptionalScope(ctx, id)
}

func visualize(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[VisualizeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.Visualize(ctx, id, req.Depth)
}

// ========== Axes and Columns ==========

func addAxis(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[AxisRequest](in)
	if err != nil {
		return nil, err
	}
	vt, err := cube.ParseValueType(req.Type)
	if err != nil {
		return nil, err
	}
	return s.engine.AddAxis(ctx, id, cube.AxisSpec{
		Name:       req.Axis,
		Type:       vt,
		Sorted:     req.Sorted,
		HasDefault: req.HasDefault,
		MultiMatch: req.MultiMatch,
	})
}

func getAxes(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	_, id, err := withCube[CubeRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.GetAxes(ctx, id)
}

func getAxis(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[AxisRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.GetAxis(ctx, id, req.Axis)
}

func deleteAxis(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[AxisRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.DeleteAxis(ctx, id, req.Axis)
}

func updateAxis(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[AxisRequest](in)
	if err != nil {
		return nil, err
	}
	upd := cube.AxisUpdate{Name: req.NewName, Sorted: req.Sorted, HasDefault: req.HasDefault, MultiMatch: req.MultiMatch}
	return Ack{Success: true}, s.engine.UpdateAxis(ctx, id, req.Axis, upd)
}

func addColumn(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[ColumnRequest](in)
	if err != nil {
		return nil, err
	}
	colID, err := s.engine.AddColumn(ctx, id, req.Axis, req.Value)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"columnId": colID}, nil
}

func deleteColumn(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[ColumnRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.DeleteColumn(ctx, id, req.ColumnID)
}

func updateColumnCell(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[ColumnRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.UpdateColumnCell(ctx, id, req.ColumnID, req.Value)
}

func updateAxisColumns(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[ColumnsRequest](in)
	if err != nil {
		return nil, err
	}
	defs := make([]cube.ColumnDef, len(req.Columns))
	for i, c := range req.Columns {
		defs[i] = cube.ColumnDef{ID: c.ID, Text: c.Value}
	}
	return Ack{Success: true}, s.engine.UpdateAxisColumns(ctx, id, req.Axis, defs)
}

// ========== Cells ==========

func updateCell(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[CellRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.UpdateCell(ctx, id, req.ColumnIDs, req.Value)
}

func setCellAt(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[CellRequest](in)
	if err != nil {
		return nil, err
	}
	scope, err := toScope(req.Scope)
	if err != nil {
		return nil, err
	}
	coord, err := s.engine.SetCellAt(ctx, id, scope, req.Value)
	if err != nil {
		return nil, err
	}
	return map[string][]int64{"columnIds": coord}, nil
}

func setDefaultCell(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[CellRequest](in)
	if err != nil {
		return nil, err
	}
	return Ack{Success: true}, s.engine.SetDefaultCell(ctx, id, req.Value)
}

func getCell(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[CellRequest](in)
	if err != nil {
		return nil, err
	}
	text, err := s.engine.GetCell(ctx, id, req.ColumnIDs)
	if err != nil {
		return nil, err
	}
	return map[string]string{"value": text}, nil
}

// ========== Lifecycle ==========

func release(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[ReleaseRequest](in)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Release(ctx, req.App, req.Version, req.NewVersion)
	if err != nil {
		return nil, err
	}
	return ReleaseResponse{
		App:      res.App,
		Version:  res.Version,
		Released: res.Released,
		Snapshot: res.Snapshot,
		NoOp:     res.NoOp,
	}, nil
}

func changeVersionValue(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[ReleaseRequest](in)
	if err != nil {
		return nil, err
	}
	n, err := s.engine.ChangeVersionValue(ctx, req.App, req.Version, req.NewVersion)
	if err != nil {
		return nil, err
	}
	return map[string]int{"cubes": n}, nil
}

func bumpSnapshot(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, err := decode[ReleaseRequest](in)
	if err != nil {
		return nil, err
	}
	return s.engine.BumpSnapshot(ctx, req.App, req.Version, req.NewVersion)
}

// ========== Evaluation ==========

func evaluate(ctx context.Context, s *Server, in *structpb.Struct) (any, error) {
	req, id, err := withCube[EvaluateRequest](in)
	if err != nil {
		return nil, err
	}
	scope, err := toScope(req.Scope)
	if err != nil {
		return nil, err
	}
	opts := eval.Options{Memoize: req.Memoize, Timeout: time.Duration(req.TimeoutMs) * time.Millisecond}
	res, err := s.engine.Evaluate(ctx, id, scope, opts)
	if err != nil {
		return nil, err
	}
	return EvaluateResponse{Value: res.Value, Coordinate: res.Coordinate, Hops: res.Hops}, nil
}

// ========== Health & Status ==========

// HealthResponse reports liveness
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// StatsResponse reports request counts and cache behavior
type StatsResponse struct {
	OperationCounts map[string]int64 `json:"operationCounts"`
	CacheHits       int64            `json:"cacheHits"`
	CacheMisses     int64            `json:"cacheMisses"`
	UptimeSeconds   int64            `json:"uptimeSeconds"`
}

func health(_ context.Context, s *Server, _ *structpb.Struct) (any, error) {
	return HealthResponse{
		Healthy:       true,
		Version:       ServerVersion,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

func stats(_ context.Context, s *Server, _ *structpb.Struct) (any, error) {
	s.mu.Lock()
	counts := make(map[string]int64, len(s.opCounts))
	for k, v := range s.opCounts {
		counts[k] = v
	}
	s.mu.Unlock()
	cache := s.engine.Stats()
	return StatsResponse{
		OperationCounts: counts,
		CacheHits:       cache.Hits,
		CacheMisses:     cache.Misses,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
	}, nil
}
