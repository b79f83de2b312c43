// Message conversion and error mapping between the engine and gRPC
package server

import (
	"bytes"
	"encoding/json"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/cubestore/pkg/cube"
)

// errorDomain tags ErrorInfo details produced by this service
const errorDomain = "cubestore"

// decode converts a request message into a typed request
func decode[T any](in *structpb.Struct) (T, error) {
	var out T
	if in == nil {
		return out, nil
	}
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return out, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return out, nil
}

// encode wraps a result as {"result": v}
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(map[string]any{"result": generic})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toScope converts a JSON object into an evaluation scope
func toScope(m map[string]any) (cube.Scope, error) {
	scope := make(cube.Scope, len(m))
	for k, raw := range m {
		v, err := cube.FromAny(raw)
		if err != nil {
			return nil, &cube.Error{Kind: cube.KindInvalid, Err: cube.ErrInvalidArgument, Detail: "scope key " + k, Cause: err}
		}
		scope[k] = v
	}
	return scope, nil
}

var codeByKind = map[cube.ErrorKind]codes.Code{
	cube.KindNotFound:   codes.NotFound,
	cube.KindConflict:   codes.AlreadyExists,
	cube.KindImmutable:  codes.FailedPrecondition,
	cube.KindResolution: codes.FailedPrecondition,
	cube.KindTimeout:    codes.DeadlineExceeded,
	cube.KindCancelled:  codes.Canceled,
	cube.KindInvariant:  codes.DataLoss,
	cube.KindInvalid:    codes.InvalidArgument,
}

// sentinels are restored on the client side by message
var sentinels = []error{
	cube.ErrCubeNotFound, cube.ErrAxisNotFound, cube.ErrColumnNotFound, cube.ErrCellNotFound,
	cube.ErrDuplicateAxisName, cube.ErrDuplicateColumnValue, cube.ErrTargetAlreadyExists, cube.ErrVersionConflict,
	cube.ErrCubeImmutable,
	cube.ErrCoordinateNotFound, cube.ErrScopeResolutionFailed, cube.ErrAmbiguousCellMatch, cube.ErrCyclicReference, cube.ErrEvaluationFailed,
	cube.ErrEvaluationTimeout, cube.ErrEvaluationCancelled, cube.ErrLockTimeout, cube.ErrLockCancelled,
	cube.ErrInvariantViolation, cube.ErrReleaseAborted,
	cube.ErrInvalidAxisType, cube.ErrIncomparableValues, cube.ErrInvalidArgument, cube.ErrExpressionSyntax,
}

// toStatus maps an engine error onto a gRPC status carrying an ErrorInfo
// detail with the error kind and sentinel
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := cube.KindOf(err)
	code, ok := codeByKind[kind]
	if !ok {
		code = codes.Internal
	}
	info := &errdetails.ErrorInfo{Reason: kind.String(), Domain: errorDomain, Metadata: map[string]string{}}
	var ce *cube.Error
	if errors.As(err, &ce) {
		if ce.Err != nil {
			info.Metadata["error"] = ce.Err.Error()
		}
		if ce.Cube != "" {
			info.Metadata["cube"] = ce.Cube
		}
		if ce.Axis != "" {
			info.Metadata["axis"] = ce.Axis
		}
	}
	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// RemoteError is an engine error received from a CubeStore server
type RemoteError struct {
	Kind    cube.ErrorKind
	Code    codes.Code
	Err     error // sentinel, when the server named a known one
	Message string
	Cube    string
	Axis    string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.Err }

// FromStatus rebuilds a typed error from a status produced by toStatus, so
// errors.Is and cube.KindOf work on the client side
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	out := &RemoteError{Code: st.Code(), Message: st.Message()}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for k := cube.KindNotFound; k <= cube.KindInvalid; k++ {
			if k.String() == info.GetReason() {
				out.Kind = k
			}
		}
		for _, s := range sentinels {
			if s.Error() == info.GetMetadata()["error"] {
				out.Err = s
			}
		}
		out.Cube = info.GetMetadata()["cube"]
		out.Axis = info.GetMetadata()["axis"]
	}
	if out.Err == nil {
		switch st.Code() {
		case codes.DeadlineExceeded:
			out.Kind, out.Err = cube.KindTimeout, cube.ErrEvaluationTimeout
		case codes.Canceled:
			out.Kind, out.Err = cube.KindCancelled, cube.ErrEvaluationCancelled
		}
	}
	return out
}
