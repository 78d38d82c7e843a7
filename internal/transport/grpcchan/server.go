package grpcchan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	types "github.com/sebas/telebridge/api/types/v1"
	"github.com/sebas/telebridge/internal/events"
)

// Gateway is what the channels are served from.
type Gateway interface {
	Dispatch(ctx context.Context, mc types.MethodCall) types.MethodResult
	Listen(buffer int) *events.Subscription
}

// ServerConfig holds gRPC server configuration
type ServerConfig struct {
	Address           string
	EventBuffer       int
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:           "127.0.0.1:9090",
		EventBuffer:       events.DefaultSubscriberBuffer,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// Server exposes a Gateway over gRPC.
type Server struct {
	gw   Gateway
	cfg  ServerConfig
	grpc *grpc.Server
}

// NewServer creates the gRPC server and registers both channels.
func NewServer(gw Gateway, cfg ServerConfig) *Server {
	s := &Server{
		gw:  gw,
		cfg: cfg,
		grpc: grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    cfg.KeepaliveInterval,
				Timeout: cfg.KeepaliveTimeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             cfg.KeepaliveInterval / 2,
				PermitWithoutStream: true,
			}),
		),
	}
	s.grpc.RegisterService(&methodChannelDesc, s)
	s.grpc.RegisterService(&eventChannelDesc, s)
	return s
}

// Invoke implements MethodChannelServer
func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	method, _ := fields["method"].(string)
	if method == "" {
		return nil, status.Error(codes.InvalidArgument, "method is required")
	}

	slog.Debug("[gRPC] Invoke", "method", method)
	res := s.gw.Dispatch(ctx, types.MethodCall{Method: method, Arguments: fields["arguments"]})

	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Listen implements EventChannelServer. The subscription lives exactly as
// long as the stream.
func (s *Server) Listen(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.gw.Listen(s.cfg.EventBuffer)
	defer sub.Close()

	slog.Info("[gRPC] Event listener attached")
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[gRPC] Event listener detached")
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return status.Error(codes.Aborted, "event subscription replaced")
			}
			msg, err := toStruct(e.Wire())
			if err != nil {
				slog.Warn("[gRPC] Event encode failed", "type", e.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				slog.Warn("[gRPC] Event send failed", "type", e.Type, "error", err)
				return err
			}
		}
	}
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[gRPC] Server listening", "address", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.grpc.GracefulStop()
		slog.Info("[gRPC] Server stopped")
		return nil
	}
}
