package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/metorial/telemetry-hub/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Conn is the framed connection the agent talks to the collector over.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Identity is what the agent presents when connecting.
type Identity struct {
	HostID string
	Group  string
	APIKey string
}

// Dialer opens a connection to the collector at addr.
type Dialer func(ctx context.Context, addr string, id Identity) (Conn, error)

const maxFrameSize = 1 << 20

// DialWebSocket connects to the collector's /agents endpoint. addr is
// either host:port or a full ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, addr string, id Identity) (Conn, error) {
	u, err := agentURL(addr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("hostId", id.HostID)
	if id.Group != "" {
		q.Set("group", id.Group)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.APIKey)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return transport.NewWSConn(ws, maxFrameSize), nil
}

func agentURL(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return nil, fmt.Errorf("parse collector address %q: %w", addr, err)
		}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/agents"
	}
	return u, nil
}

// DialGRPC opens the agent stream on the collector's gRPC port. Closing the
// returned Conn also closes the underlying client connection.
func DialGRPC(ctx context.Context, addr string, id Identity) (Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxFrameSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client: %w", err)
	}

	stream, err := transport.DialStream(ctx, cc, id.APIKey, id.HostID, id.Group)
	if err != nil {
		cc.Close()
		return nil, err
	}
	return &grpcConn{StreamConn: stream, cc: cc}, nil
}

type grpcConn struct {
	*transport.StreamConn
	cc *grpc.ClientConn
}

func (c *grpcConn) Close() error {
	c.StreamConn.Close()
	return c.cc.Close()
}

// DialerFor returns the dialer for a transport name.
func DialerFor(name string) (Dialer, error) {
	switch name {
	case "", "ws", "websocket":
		return DialWebSocket, nil
	case "grpc":
		return DialGRPC, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
