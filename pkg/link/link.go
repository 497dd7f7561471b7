// Package link moves data-plane frames between peers. A Link listens on a
// single URI, lazily opens one outbound connection per destination and
// hands every inbound frame to a Handler.
package link

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

var (
	ErrTransport   = errors.New("link: transport error")
	ErrClosed      = errors.New("link: closed")
	ErrInvalidCfg  = errors.New("link: invalid options")
	ErrNoTLSConfig = errors.New("link: TLSConfig is required")
	ErrBind        = errors.New("link: could not bind a listening port")
)

const (
	defaultMaxBindAttempts = 64
	defaultDialTimeout     = 30 * time.Second
	defaultGracePeriod     = 500 * time.Millisecond
)

// Handler is called with every frame received by a Link, in the order the
// remote peer sent them. It may block, the remote sender is then slowed
// down by the transport flow control. A Handler error closes the inbound
// connection the frame came from.
type Handler func(ctx context.Context, f wire.Frame) error

// Link is a point-to-point frame transport.
type Link interface {
	// URI is the address other peers reach this link at.
	URI() string

	// Send blocks until the transport accepted f. Sending to URI() calls
	// the Handler directly.
	Send(ctx context.Context, uri string, f wire.Frame) error

	io.Closer
}

// Config represents configuration for a Link.
type Config struct {
	// BindURI is the preferred listening URI. When its port is taken, the
	// following ports are tried. Port 0 binds an ephemeral port.
	BindURI string

	// MaxBindAttempts bounds how many ports are tried.
	MaxBindAttempts int

	// MaxFrameSize bounds the size of an inbound frame.
	MaxFrameSize int

	// DialTimeout controls how much time we wait for a remote peer to
	// accept our connection.
	DialTimeout time.Duration

	// TLSConfig is required by the QUIC link and ignored by the TCP one.
	TLSConfig *tls.Config

	// GracePeriod is how long the QUIC link lets closed streams flush
	// before closing their connection.
	GracePeriod time.Duration

	// Handler receives inbound frames.
	Handler Handler

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metrics emitted by the link.
	MetricLabels []metrics.Label
}

// New creates the Link matching the scheme of cfg.BindURI.
func New(cfg Config) (Link, error) {
	scheme, _, _, err := wire.ParseURI(cfg.BindURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	// NB: a typed nil must not leak in the returned interface.
	switch scheme {
	case "tcp":
		l, err := NewTCP(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "quic":
		l, err := NewQUIC(cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCfg, scheme)
	}
}

func (cfg *Config) validate() error {
	if cfg.Handler == nil {
		return fmt.Errorf("%w: a handler is required", ErrInvalidCfg)
	}
	if cfg.MaxBindAttempts == 0 {
		cfg.MaxBindAttempts = defaultMaxBindAttempts
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return nil
}

// BindListening calls listen on the port of preferred, then on the next
// ports while they are already in use. It returns the listener and the URI
// other peers must use to reach it.
func BindListening[L any](
	preferred string,
	attempts int,
	listen func(host string, port int) (L, int, error),
) (L, string, error) {
	var zero L
	scheme, host, port, err := wire.ParseURI(preferred)
	if err != nil {
		return zero, "", fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if port == 0 {
		attempts = 1
	}

	for i := 0; i < attempts && port+i <= 65535; i++ {
		ln, actual, err := listen(host, port+i)
		if err == nil {
			return ln, advertisedURI(scheme, host, actual), nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return zero, "", fmt.Errorf("%w: %w", ErrBind, err)
		}
	}
	return zero, "", fmt.Errorf("%w: ports %d to %d are in use", ErrBind, port, port+attempts-1)
}

func advertisedURI(scheme, host string, port int) string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return wire.FormatURI(scheme, host, port)
}

// frameWriter is the sending half of an outbound connection.
type frameWriter interface {
	io.WriteCloser
	SetWriteDeadline(time.Time) error
}

type outbound struct {
	lk sync.Mutex
	w  frameWriter
}

// base holds what the TCP and QUIC links share: the outbound connection
// cache, the loopback path and the inbound frame loop.
type base struct {
	cfg       *Config
	logger    *slog.Logger
	msink     metrics.MetricSink
	uri       string
	transport string

	dial func(ctx context.Context, uri string) (frameWriter, error)

	// handlers are given ctx, it is cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	closed  atomic.Bool
	lk      sync.Mutex
	peers   map[string]*outbound
	writers map[frameWriter]struct{}
	wg      sync.WaitGroup
}

func newBase(cfg *Config, transport string) *base {
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		cfg:       cfg,
		logger:    telemetry.Logger(cfg.LogHandler).With(telemetry.LabelTransport.L(transport)),
		msink:     telemetry.Sink(cfg.MetricSink),
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*outbound),
		writers:   make(map[frameWriter]struct{}),
	}
}

func (b *base) URI() string {
	return b.uri
}

func (b *base) labels(extra ...metrics.Label) []metrics.Label {
	return telemetry.With(b.cfg.MetricLabels, append(extra, telemetry.LabelTransport.M(b.transport))...)
}

func (b *base) Send(ctx context.Context, uri string, f wire.Frame) error {
	if b.closed.Load() {
		return ErrClosed
	}

	if uri == b.uri {
		// the handler owns the payload, the caller may reuse its buffer.
		f.Payload = append([]byte{}, f.Payload...)
		return b.cfg.Handler(ctx, f)
	}

	b.lk.Lock()
	out, ok := b.peers[uri]
	if !ok {
		out = &outbound{}
		b.peers[uri] = out
	}
	b.lk.Unlock()

	out.lk.Lock()
	defer out.lk.Unlock()

	mLabels := b.labels(telemetry.LabelPeerURI.M(uri))
	if out.w == nil {
		dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
		w, err := b.dial(dialCtx, uri)
		cancel()
		if err != nil {
			b.msink.IncrCounterWithLabels(
				telemetry.MetricLinkConnErrorCount,
				1.0,
				append(mLabels, telemetry.LabelError.M("dial")),
			)
			return fmt.Errorf("%w: failed to connect to %s: %w", ErrTransport, uri, err)
		}
		b.lk.Lock()
		if b.closed.Load() {
			b.lk.Unlock()
			w.Close()
			return ErrClosed
		}
		b.writers[w] = struct{}{}
		b.lk.Unlock()
		out.w = w
		b.msink.IncrCounterWithLabels(telemetry.MetricLinkConnEstCount, 1.0, mLabels)
		b.logger.Debug("connected to peer", telemetry.LabelPeerURI.L(uri))
	}

	body := f.Marshal()
	if err := b.write(ctx, out.w, body); err != nil {
		b.drop(out.w)
		out.w = nil
		b.msink.IncrCounterWithLabels(telemetry.MetricLinkFrameOutErrors, 1.0, mLabels)
		b.logger.Warn("failed to send frame, dropping connection", telemetry.LabelPeerURI.L(uri), telemetry.LabelError.L(err))
		return fmt.Errorf("%w: failed to send to %s: %w", ErrTransport, uri, err)
	}

	b.msink.IncrCounterWithLabels(telemetry.MetricLinkFrameOutBytes, float32(len(body)), mLabels)
	return nil
}

func (b *base) write(ctx context.Context, w frameWriter, body []byte) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		w.SetWriteDeadline(time.Now())
	})
	if dl, ok := ctx.Deadline(); ok {
		w.SetWriteDeadline(dl)
	}

	err := wire.WriteMessage(w, body)

	// the connection is reused: clear the deadline only once the AfterFunc
	// can no longer set it.
	if !stop() {
		<-fired
	}
	w.SetWriteDeadline(time.Time{})

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// receiveLoop reads frames from r until it fails or the link closes.
func (b *base) receiveLoop(r io.Reader, remote string) {
	logger := b.logger.With(telemetry.LabelPeerURI.L(remote))
	mLabels := b.labels(telemetry.LabelPeerURI.M(remote))
	br := bufio.NewReader(r)

	for {
		f, err := wire.ReadFrame(br, b.cfg.MaxFrameSize)
		if b.closed.Load() {
			return
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("inbound connection closed by peer")
				return
			}
			b.msink.IncrCounterWithLabels(
				telemetry.MetricLinkFrameInErrors,
				1.0,
				append(mLabels, telemetry.LabelError.M(readErrorLabel(err))),
			)
			logger.Warn("dropping inbound connection", telemetry.LabelError.L(err))
			return
		}

		b.msink.IncrCounterWithLabels(telemetry.MetricLinkFrameInBytes, float32(f.Size()), mLabels)
		if err := b.cfg.Handler(b.ctx, f); err != nil {
			if !b.closed.Load() {
				logger.Warn("handler refused frame, dropping inbound connection", telemetry.LabelError.L(err))
			}
			return
		}
	}
}

func readErrorLabel(err error) string {
	switch {
	case errors.Is(err, wire.ErrTooLarge):
		return "too_large"
	case errors.Is(err, wire.ErrMalformed):
		return "protocol_violation"
	default:
		return "read"
	}
}

func (b *base) drop(w frameWriter) {
	b.lk.Lock()
	delete(b.writers, w)
	b.lk.Unlock()
	w.Close()
}

// shutdown closes every outbound connection, which also unblocks pending
// sends. It returns false if the link was already closed.
func (b *base) shutdown() bool {
	b.lk.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.lk.Unlock()
		return false
	}
	writers := b.writers
	b.writers = make(map[frameWriter]struct{})
	b.lk.Unlock()

	b.cancel()
	for w := range writers {
		w.Close()
	}
	return true
}
