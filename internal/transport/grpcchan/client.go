package grpcchan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	types "github.com/sebas/telebridge/api/types/v1"
)

// ClientConfig holds gRPC client configuration
type ClientConfig struct {
	Address           string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "127.0.0.1:9090",
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// Client talks to a telebridge daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon. Extra options are appended to the defaults.
func Dial(cfg ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telebridge at %s: %w", cfg.Address, err)
	}
	slog.Debug("[gRPC] Connected", "address", cfg.Address)
	return &Client{conn: conn}, nil
}

// Invoke calls a method on the method channel.
func (c *Client) Invoke(ctx context.Context, method string, args any) (types.MethodResult, error) {
	req, err := toStruct(types.MethodCall{Method: method, Arguments: args})
	if err != nil {
		return types.MethodResult{}, err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, invokeMethod, req, out); err != nil {
		return types.MethodResult{}, fmt.Errorf("Invoke RPC failed: %w", err)
	}

	var res types.MethodResult
	if err := fromStruct(out, &res); err != nil {
		return types.MethodResult{}, err
	}
	return res, nil
}

// Listen subscribes to the event channel and calls fn for every event until
// ctx is cancelled or the stream ends.
func (c *Client) Listen(ctx context.Context, fn func(types.Event)) error {
	stream, err := c.conn.NewStream(ctx, &eventStreamDesc, listenMethod)
	if err != nil {
		return fmt.Errorf("Listen RPC failed: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fmt.Errorf("Listen RPC failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("Listen RPC failed: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var e types.Event
		if err := fromStruct(msg, &e); err != nil {
			return err
		}
		fn(e)
	}
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
