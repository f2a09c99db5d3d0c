package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/dynamic-localization/internal/api"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
)

// Client calls a remote control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security; the control port is
// expected to be local or tunnelled.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

func method(name string) string { return "/" + ServiceName + "/" + name }

func (c *Client) call(ctx context.Context, name string, in interface{}) (pipeline.Reply, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method(name), in, out); err != nil {
		return pipeline.Reply{}, err
	}
	return replyFromStruct(out), nil
}

func (c *Client) StartProcessing(ctx context.Context) (pipeline.Reply, error) {
	return c.call(ctx, "StartProcessing", &emptypb.Empty{})
}

func (c *Client) StopProcessing(ctx context.Context) (pipeline.Reply, error) {
	return c.call(ctx, "StopProcessing", &emptypb.Empty{})
}

// ReloadConfiguration reloads from path; empty means the server's current
// configuration file.
func (c *Client) ReloadConfiguration(ctx context.Context, path string) (pipeline.Reply, error) {
	return c.call(ctx, "ReloadConfiguration", wrapperspb.String(path))
}

func (c *Client) ReloadReferenceMap(ctx context.Context) (pipeline.Reply, error) {
	return c.call(ctx, "ReloadReferenceMap", &emptypb.Empty{})
}

func (c *Client) SetInitialPose(ctx context.Context, p api.PoseRequest) (pipeline.Reply, error) {
	in, err := toStruct(p)
	if err != nil {
		return pipeline.Reply{}, err
	}
	return c.call(ctx, "SetInitialPose", in)
}

func (c *Client) Reset(ctx context.Context) (pipeline.Reply, error) {
	return c.call(ctx, "Reset", &emptypb.Empty{})
}

// Status fetches the localizer's state.
func (c *Client) Status(ctx context.Context) (pipeline.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method("GetStatus"), &emptypb.Empty{}, out); err != nil {
		return pipeline.Status{}, err
	}
	var s pipeline.Status
	if err := fromStruct(out, &s); err != nil {
		return pipeline.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// DiagnosticsStream receives records from StreamDiagnostics.
type DiagnosticsStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next record. It returns io.EOF when the server ends
// the stream.
func (s *DiagnosticsStream) Recv() (localization.Diagnostics, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return localization.Diagnostics{}, err
	}
	var d localization.Diagnostics
	if err := fromStruct(msg, &d); err != nil {
		return localization.Diagnostics{}, fmt.Errorf("decode diagnostics: %w", err)
	}
	return d, nil
}

// StreamDiagnostics opens the diagnostics stream. Cancel ctx to close it.
func (c *Client) StreamDiagnostics(ctx context.Context) (*DiagnosticsStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], method("StreamDiagnostics"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &DiagnosticsStream{stream: stream}, nil
}
