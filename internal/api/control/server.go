package control

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/dynamic-localization/internal/api"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("grpc")

// maxMsgSize bounds a single diagnostics record or reply.
const maxMsgSize = 4 * 1024 * 1024

const shutdownTimeout = 2 * time.Second

// Localizer is the control surface plus the diagnostics stream.
type Localizer interface {
	api.Localizer
	Publisher() *pipeline.Publisher
}

// Server implements ControlServer on top of a Localizer.
type Server struct {
	loc Localizer
	now func() time.Time
}

var _ ControlServer = (*Server)(nil)

// NewServer wraps loc.
func NewServer(loc Localizer) *Server {
	return &Server{loc: loc, now: time.Now}
}

func (s *Server) StartProcessing(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return replyStruct(s.loc.StartProcessing()), nil
}

func (s *Server) StopProcessing(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return replyStruct(s.loc.StopProcessing()), nil
}

// ReloadConfiguration reloads from the given path, or the current one when
// the value is empty. Paths are taken as-is; the gRPC port is trusted.
func (s *Server) ReloadConfiguration(_ context.Context, path *wrapperspb.StringValue) (*structpb.Struct, error) {
	return replyStruct(s.loc.ReloadConfiguration(path.GetValue())), nil
}

func (s *Server) ReloadReferenceMap(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return replyStruct(s.loc.ReloadReferenceMap(ctx)), nil
}

// SetInitialPose takes the same fields as api.PoseRequest.
func (s *Server) SetInitialPose(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.PoseRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode pose: %v", err)
	}
	p, err := req.Pose(s.now())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "pose: %v", err)
	}
	return replyStruct(s.loc.SetInitialPose(p)), nil
}

func (s *Server) Reset(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return replyStruct(s.loc.Reset()), nil
}

func (s *Server) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	st, err := toStruct(s.loc.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return st, nil
}

// StreamDiagnostics sends every published record until the client goes
// away or the publisher closes. Records the client is too slow for are
// dropped by the publisher.
func (s *Server) StreamDiagnostics(_ *emptypb.Empty, stream grpc.ServerStream) error {
	pub := s.loc.Publisher()
	id, c := pub.Subscribe()
	defer pub.Unsubscribe(id)
	logger.Diagw("diagnostics stream opened", "subscriber", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Diagw("diagnostics stream closed", "subscriber", id)
			return nil
		case d, ok := <-c:
			if !ok {
				return nil
			}
			msg, err := toStruct(d)
			if err != nil {
				logger.Diagf("skipping record %s: %v", d.CycleID, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// loggingInterceptor logs every unary call at diagnostic level.
func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Diagw("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration_ms", float64(time.Since(start).Microseconds())/1000)
	return resp, err
}

// NewGRPCServer returns a grpc.Server with the control service registered.
func NewGRPCServer(loc Localizer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(loggingInterceptor),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, NewServer(loc))
	return gs
}

// Serve runs gs on lis until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		logger.Opsf("gRPC control server listening on %s", lis.Addr())
		errc <- gs.Serve(lis)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			// open diagnostics streams never finish on their own
			gs.Stop()
		}
		<-errc
		logger.Diagf("gRPC control server stopped")
		return nil
	}
}
