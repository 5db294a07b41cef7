package grpcrelay

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"treesync/internal/relay"
)

// Client dials relay streams to one host. It implements relay.Dialer.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(target string, keepaliveTime time.Duration, extra ...grpc.DialOption) (*Client, error) {
	if keepaliveTime <= 0 {
		keepaliveTime = 30 * time.Second
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	return &Client{cc: cc}, nil
}

// Dial opens a new Connect stream. ctx bounds stream setup only.
func (c *Client) Dial(ctx context.Context) (relay.Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	st, err := c.cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod, grpc.WaitForReady(true))
	if !stop() {
		cancel()
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}

	rc := newConn(st, cancel)
	rc.halfClose = st.CloseSend
	return rc, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}
