package collector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/metorial/telemetry-hub/internal/session"
	"github.com/metorial/telemetry-hub/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// AgentStreamServer is implemented by the gRPC agent ingest.
type AgentStreamServer interface {
	Connect(grpc.ServerStream) error
}

var agentStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.ServiceName,
	HandlerType: (*AgentStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    transport.StreamDesc.StreamName,
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(AgentStreamServer).Connect(stream)
		},
	}},
	Metadata: "telemetry/v1/agent_stream",
}

type Server struct {
	manager *session.Manager
	logger  *slog.Logger
}

func NewServer(manager *session.Manager, logger *slog.Logger) *Server {
	return &Server{manager: manager, logger: logger}
}

func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&agentStreamServiceDesc, s)
}

// Connect serves one agent over a bidirectional stream. The agent's identity
// and key travel in request metadata.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	md, _ := metadata.FromIncomingContext(ctx)
	hello := session.ProducerHello{
		HostID:     transport.FirstMetadata(md, transport.MetadataHostID),
		Group:      transport.FirstMetadata(md, transport.MetadataHostGroup),
		Credential: transport.BearerToken(transport.FirstMetadata(md, transport.MetadataAuthorization)),
	}

	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	if err := s.manager.Authenticate(hello.Credential); err != nil {
		s.logger.Warn("grpc agent refused", "hostId", hello.HostID, "remote", remote, "error", err)
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if hello.HostID == "" {
		return status.Error(codes.InvalidArgument, session.ErrMissingHostID.Error())
	}

	conn := transport.NewStreamConn(stream, remote, cancel)
	err := s.manager.ServeProducer(ctx, conn, hello)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrAuthenticationFailed):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, session.ErrLivenessTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
