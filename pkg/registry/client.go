package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

const (
	defaultRetryInterval     = 50 * time.Millisecond
	defaultMaxLookupAttempts = 200
	defaultDialTimeout       = 10 * time.Second
	defaultDatagramTimeout   = 5 * time.Second
)

// ClientConfig represents configuration for a registry client.
type ClientConfig struct {
	// URI of the registry, `tcp://host:port` or `udp://host:port`.
	URI string

	// RetryInterval is how long we sleep after a RETRY reply.
	RetryInterval time.Duration

	// MaxLookupAttempts bounds the lookups of a single address before
	// giving up with ErrUnresolvedAddress.
	MaxLookupAttempts int

	// DialTimeout controls how much time we wait for the registry to
	// accept our connection.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metrics emitted by the client.
	MetricLabels []metrics.Label
}

// Client issues registry requests. Round trips are serialized, so a Client
// can be shared by goroutines.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	network string
	addr    string

	lk     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	closed bool
}

// Dial connects to the registry.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	scheme, err := checkScheme(cfg.URI)
	if err != nil {
		return nil, err
	}
	addr, _ := wire.HostPort(cfg.URI)

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxLookupAttempts == 0 {
		cfg.MaxLookupAttempts = defaultMaxLookupAttempts
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	c := &Client{
		cfg:     cfg,
		logger:  telemetry.Logger(cfg.LogHandler).With(telemetry.LabelURI.L(cfg.URI)),
		msink:   telemetry.Sink(cfg.MetricSink),
		network: scheme,
		addr:    addr,
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func checkScheme(uri string) (string, error) {
	scheme, _, _, err := wire.ParseURI(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if scheme != "tcp" && scheme != "udp" {
		return "", fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCfg, scheme)
	}
	return scheme, nil
}

// not thread safe!
// must be called by an holder of the lock
func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// ContextInit joins the initial context shared by groupSize peers.
func (c *Client) ContextInit(ctx context.Context, groupSize uint32) (wire.ContextID, error) {
	reply, err := c.roundTrip(ctx, wire.Request{Type: wire.ContextInit, GroupSize: groupSize})
	if err != nil {
		return 0, err
	}
	id, err := wire.ParseValueReply(reply)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return wire.ContextID(id), nil
}

// ContextRequest mints a new context.
func (c *Client) ContextRequest(ctx context.Context, groupSize uint32) (wire.ContextID, error) {
	reply, err := c.roundTrip(ctx, wire.Request{Type: wire.ContextRequest, GroupSize: groupSize})
	if err != nil {
		return 0, err
	}
	id, err := wire.ParseValueReply(reply)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return wire.ContextID(id), nil
}

// VAddrRequest registers uri in ctxID and returns its new address.
func (c *Client) VAddrRequest(ctx context.Context, ctxID wire.ContextID, uri string) (wire.VAddr, error) {
	reply, err := c.roundTrip(ctx, wire.Request{Type: wire.VAddrRequest, Context: ctxID, URI: uri})
	if err != nil {
		return 0, err
	}
	addr, err := wire.ParseValueReply(reply)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return wire.VAddr(addr), nil
}

// VAddrLookup resolves addr in ctxID. The owner of addr may not have
// registered yet, so RETRY replies are retried up to MaxLookupAttempts.
func (c *Client) VAddrLookup(ctx context.Context, ctxID wire.ContextID, addr wire.VAddr) (string, error) {
	req := wire.Request{Type: wire.VAddrLookup, Context: ctxID, VAddr: addr}
	for attempt := 1; ; attempt++ {
		reply, err := c.roundTrip(ctx, req)
		if err != nil {
			return "", err
		}

		uri, found, err := wire.ParseLookupReply(reply)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if found {
			return uri, nil
		}

		if attempt >= c.cfg.MaxLookupAttempts {
			return "", fmt.Errorf(
				"%w: %d in context %d after %d attempts",
				ErrUnresolvedAddress, addr, ctxID, attempt,
			)
		}

		c.msink.IncrCounterWithLabels(telemetry.MetricRegistryLookupRetry, 1.0, c.cfg.MetricLabels)
		timer := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %w", ErrUnresolvedAddress, ctx.Err())
		case <-timer.C:
		}
	}
}

// Destruct notifies the registry we are leaving.
func (c *Client) Destruct(ctx context.Context) error {
	_, err := c.roundTrip(ctx, wire.Request{Type: wire.Destruct})
	return err
}

func (c *Client) Close() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req wire.Request) ([]byte, error) {
	buf, err := req.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	reply, err := c.exchange(ctx, buf)
	if err != nil {
		// the stream may be desynchronised, start over on the next call.
		c.conn.Close()
		c.conn = nil
		c.logger.Warn("registry round trip failed", telemetry.LabelMsgType.L(req.Type.String()), telemetry.LabelError.L(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return reply, nil
}

// not thread safe!
// must be called by an holder of the lock
func (c *Client) exchange(ctx context.Context, buf []byte) ([]byte, error) {
	conn := c.conn
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		conn.SetDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
		conn.SetDeadline(time.Time{})
	}()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else if c.network == "udp" {
		conn.SetDeadline(time.Now().Add(defaultDatagramTimeout))
	}

	if c.network == "udp" {
		if _, err := conn.Write(buf); err != nil {
			return nil, err
		}
		reply := make([]byte, wire.MaxRegistryMessage)
		n, err := conn.Read(reply)
		if err != nil {
			return nil, err
		}
		return reply[:n], nil
	}

	if err := wire.WriteMessage(conn, buf); err != nil {
		return nil, err
	}
	reply, err := wire.ReadMessage(c.r, wire.MaxRegistryMessage)
	if errors.Is(err, wire.ErrTooLarge) {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return reply, err
}
