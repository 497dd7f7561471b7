package peerbox

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/inbox"
	"github.com/raskyld/peerbox/pkg/wire"
)

const (
	defaultBindURI = "tcp://127.0.0.1:5000"
)

type config struct {
	bindURI       string
	registryURI   string
	contextSize   uint32
	maxBufferSize int

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	tlsConfig         *tls.Config
	dialTimeout       time.Duration
	retryInterval     time.Duration
	maxLookupAttempts int
}

func defaultConfig() config {
	return config{
		bindURI:       defaultBindURI,
		maxBufferSize: inbox.DefaultMaxBufferSize,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithBindURI specifies where the peer listens, e.g. `tcp://0.0.0.0:5000`
// or `quic://0.0.0.0:5000`. When the port is taken, the next ones are
// tried.
func WithBindURI(uri string) Option {
	return func(c *config) error {
		scheme, _, _, err := wire.ParseURI(uri)
		if err != nil {
			return err
		}
		if scheme != "tcp" && scheme != "quic" {
			return fmt.Errorf("unsupported protocol %q", scheme)
		}
		c.bindURI = uri
		return nil
	}
}

// WithRegistryURI specifies the registry every peer of the job shares,
// e.g. `tcp://registry:6000`.
func WithRegistryURI(uri string) Option {
	return func(c *config) error {
		scheme, _, _, err := wire.ParseURI(uri)
		if err != nil {
			return err
		}
		if scheme != "tcp" && scheme != "udp" {
			return fmt.Errorf("unsupported registry protocol %q", scheme)
		}
		c.registryURI = uri
		return nil
	}
}

// WithContextSize is the number of peers of the global context. Every
// peer of the job MUST use the same value.
func WithContextSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("context size must be positive")
		}
		c.contextSize = uint32(size)
		return nil
	}
}

// WithMaxBufferSize caps the bytes of received messages not yet consumed.
// Senders are slowed down once the cap is reached.
func WithMaxBufferSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("buffer size must be positive")
		}
		c.maxBufferSize = size
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Peer`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Peer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTLSConfig set the `tls.Config` used by the `quic://` transport.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return errors.New("nil TLS config")
		}
		c.tlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer or the registry to accept our connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithLookupRetry controls how the peer waits for the other peers to
// register: a lookup answered with RETRY is retried every interval, at most
// attempts times.
func WithLookupRetry(interval time.Duration, attempts int) Option {
	return func(c *config) error {
		if interval < 0 || attempts < 0 {
			return errors.New("lookup retry must not be negative")
		}
		c.retryInterval = interval
		c.maxLookupAttempts = attempts
		return nil
	}
}

func (c *config) validate() error {
	if c.registryURI == "" {
		return fmt.Errorf("%w: a registry uri is required", ErrInvalidCfg)
	}
	if c.contextSize == 0 {
		return fmt.Errorf("%w: a context size is required", ErrInvalidCfg)
	}
	return nil
}
