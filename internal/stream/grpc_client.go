package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"vmwatch/internal/model"
)

// DefaultSendTimeout bounds a single frame when the collector stops reading.
const DefaultSendTimeout = 2 * time.Second

// GRPCClient pushes event envelopes over a single client-streaming RPC.
type GRPCClient struct {
	mu sync.Mutex

	logger       *slog.Logger
	addr         string
	tlsConfig    *tls.Config
	token        string
	method       string
	dialOptions  []grpc.DialOption
	conn         *grpc.ClientConn
	stream       grpc.ClientStream
	cancelStream context.CancelFunc
	sendTimeout  time.Duration
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, method string, logger *slog.Logger) *GRPCClient {
	return &GRPCClient{
		logger:    logger,
		addr:      addr,
		tlsConfig: tlsCfg,
		token:     token,
		method:    method,

		sendTimeout: DefaultSendTimeout,
	}
}

func (c *GRPCClient) Send(ctx context.Context, env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(); err != nil {
		return err
	}
	if c.stream == nil {
		if err := c.openStreamLocked(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.sendLocked(ctx, env)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Warn("grpc send failed, reopening stream", "error", err)
	c.resetStreamLocked()
	if err := c.openStreamLocked(); err != nil {
		return fmt.Errorf("reopen event stream: %w", err)
	}
	return c.sendLocked(ctx, env)
}

// sendLocked gives up on a frame once ctx or the send timeout ends. A stalled
// stream is cancelled, which releases the blocked SendMsg.
func (c *GRPCClient) sendLocked(ctx context.Context, env model.Envelope) error {
	s := c.stream
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- s.SendMsg(env) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send %s frame: %w", env.Type, err)
		}
		return nil
	case <-ctx.Done():
		c.resetStreamLocked()
		return fmt.Errorf("send %s frame: %w", env.Type, ctx.Err())
	}
}

func (c *GRPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		if err := c.stream.CloseSend(); err != nil {
			c.logger.Debug("grpc close send failed", "error", err)
		}
		s := c.stream
		done := make(chan struct{})
		go func() {
			// drain the server status so buffered frames are flushed
			_ = s.RecvMsg(new(struct{}))
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		c.resetStreamLocked()
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *GRPCClient) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, c.dialOptions...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc stream client ready", "addr", c.addr)
	return nil
}

func (c *GRPCClient) openStreamLocked() error {
	if c.conn == nil {
		return fmt.Errorf("grpc conn is nil")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	if c.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+c.token)
	}
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, c.method)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	c.stream = s
	c.cancelStream = cancel
	return nil
}

func (c *GRPCClient) resetStreamLocked() {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.stream = nil
	c.cancelStream = nil
}
