package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName   = "telemetry.v1.AgentStream"
	ConnectMethod = "/" + ServiceName + "/Connect"

	MetadataAuthorization = "authorization"
	MetadataHostID        = "x-host-id"
	MetadataHostGroup     = "x-host-group"
)

// JSONCodec carries envelopes as plain JSON over gRPC, so the agent stream
// needs no generated protobuf types.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// StreamDesc describes the bidirectional Connect stream.
var StreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

// CallOptions select the JSON codec for a client call.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(JSONCodec{}), grpc.CallContentSubtype("json")}
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// StreamConn adapts a gRPC stream carrying raw JSON envelopes to a framed
// connection.
type StreamConn struct {
	stream msgStream
	remote string
	closer func()
	once   sync.Once
}

// NewStreamConn wraps stream. closer is called once by Close; for a server
// stream it must make the handler return, for a client stream it should
// cancel the call.
func NewStreamConn(stream msgStream, remote string, closer func()) *StreamConn {
	return &StreamConn{stream: stream, remote: remote, closer: closer}
}

func (c *StreamConn) ReadFrame() ([]byte, error) {
	var raw json.RawMessage
	if err := c.stream.RecvMsg(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *StreamConn) WriteFrame(frame []byte) error {
	raw := json.RawMessage(frame)
	return c.stream.SendMsg(&raw)
}

func (c *StreamConn) Close() error {
	c.once.Do(func() {
		if c.closer != nil {
			c.closer()
		}
	})
	return nil
}

func (c *StreamConn) RemoteAddr() string { return c.remote }

// DialStream opens the Connect stream on conn with the agent's identity in
// metadata. Closing the returned StreamConn cancels the call.
func DialStream(ctx context.Context, conn *grpc.ClientConn, apiKey, hostID, group string) (*StreamConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataAuthorization, "Bearer "+apiKey,
		MetadataHostID, hostID,
		MetadataHostGroup, group,
	)

	stream, err := conn.NewStream(ctx, &StreamDesc, ConnectMethod, CallOptions()...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open agent stream: %w", err)
	}
	return NewStreamConn(stream, conn.Target(), func() {
		_ = stream.CloseSend()
		cancel()
	}), nil
}

// BearerToken strips an optional "Bearer " prefix.
func BearerToken(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}

// FirstMetadata returns the first value for key, or "".
func FirstMetadata(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
