// Client side of the CubeStore service
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls CubeStore methods over a gRPC connection
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a connection
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with req and decodes the result into out, which may
// be nil. Server errors come back as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	in := &structpb.Struct{}
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		if in, err = structpb.NewStruct(m); err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return FromStatus(err)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp.GetFields()["result"].AsInterface())
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
