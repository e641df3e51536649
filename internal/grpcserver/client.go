package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tiepoint/internal/fitting"
	"tiepoint/internal/geometry"
)

// Client calls a remote tiepoint.Fitter service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// FitStruct invokes Fit with a raw request struct.
func (c *Client) FitStruct(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Fit runs req on the remote service. It satisfies tasks.Fitter, so batch
// fitting can be pointed at a remote solver.
func (c *Client) Fit(ctx context.Context, req fitting.Request) (fitting.Result, error) {
	in, err := RequestToStruct(req)
	if err != nil {
		return fitting.Result{}, err
	}
	out, err := c.FitStruct(ctx, in)
	if err != nil {
		return fitting.Result{}, err
	}
	return ResultFromStruct(out)
}

func pointsValue(pts []geometry.Point2D) []any {
	out := make([]any, len(pts))
	for i, p := range pts {
		out[i] = []any{p.X, p.Y}
	}
	return out
}
