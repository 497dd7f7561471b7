package registry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

// ServerConfig represents configuration for a registry server.
type ServerConfig struct {
	// URI to listen on, `tcp://host:port` or `udp://host:port`.
	URI string

	// PhoneBook to serve, a fresh one is created when nil.
	PhoneBook *PhoneBook

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metrics emitted by the server.
	MetricLabels []metrics.Label
}

// Server exposes a Service on a single long-lived listening endpoint.
type Server struct {
	cfg    *ServerConfig
	logger *slog.Logger
	svc    *Service

	scheme string
	ln     net.Listener
	pc     net.PacketConn

	conns   map[net.Conn]struct{}
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	fatal     error
	fatalOnce sync.Once
}

// NewServer binds the listening endpoint. Serve must be called to start
// answering requests.
func NewServer(cfg *ServerConfig) (*Server, error) {
	scheme, host, port, err := wire.ParseURI(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	logger := telemetry.Logger(cfg.LogHandler)
	srv := &Server{
		cfg:     cfg,
		logger:  logger,
		svc:     NewService(cfg.PhoneBook, logger, cfg.MetricSink, cfg.MetricLabels),
		scheme:  scheme,
		conns:   make(map[net.Conn]struct{}),
		closeCh: make(chan struct{}),
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	switch scheme {
	case "tcp":
		srv.ln, err = net.Listen("tcp", addr)
	case "udp":
		srv.pc, err = net.ListenPacket("udp", addr)
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidCfg, scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: failed to listen on %s: %w", cfg.URI, err)
	}

	return srv, nil
}

// URI is the endpoint actually bound, useful when listening on port 0.
func (srv *Server) URI() string {
	var addr net.Addr
	if srv.ln != nil {
		addr = srv.ln.Addr()
	} else {
		addr = srv.pc.LocalAddr()
	}
	return srv.scheme + "://" + addr.String()
}

func (srv *Server) PhoneBook() *PhoneBook {
	return srv.svc.PhoneBook()
}

// Serve answers requests until ctx is done, Close is called, or a peer
// sends a message the registry does not understand. In the last case the
// returned error wraps ErrProtocolViolation.
func (srv *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { srv.Close() })
	defer stop()

	srv.logger.Info("registry listening", telemetry.LabelURI.L(srv.URI()))
	if srv.ln != nil {
		srv.serveStreams()
	} else {
		srv.servePackets()
	}
	srv.wg.Wait()

	srv.lk.Lock()
	defer srv.lk.Unlock()
	return srv.fatal
}

// Close stops the server and every connection it serves.
func (srv *Server) Close() error {
	srv.lk.Lock()
	if srv.closed {
		srv.lk.Unlock()
		return nil
	}
	srv.closed = true
	close(srv.closeCh)
	for conn := range srv.conns {
		conn.Close()
	}
	srv.lk.Unlock()

	if srv.ln != nil {
		return srv.ln.Close()
	}
	return srv.pc.Close()
}

func (srv *Server) fail(err error) {
	srv.fatalOnce.Do(func() {
		srv.logger.Error("unknown message, terminating the registry", telemetry.LabelError.L(err))
		srv.lk.Lock()
		srv.fatal = err
		srv.lk.Unlock()
	})
	srv.Close()
}

func (srv *Server) isClosed() bool {
	select {
	case <-srv.closeCh:
		return true
	default:
		return false
	}
}

func (srv *Server) serveStreams() {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			if srv.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.logger.Warn("error accepting connection", telemetry.LabelError.L(err))
			continue
		}

		srv.lk.Lock()
		if srv.closed {
			srv.lk.Unlock()
			conn.Close()
			return
		}
		srv.conns[conn] = struct{}{}
		srv.wg.Add(1)
		srv.lk.Unlock()

		go srv.handleConn(conn)
	}
}

func (srv *Server) handleConn(conn net.Conn) {
	defer srv.wg.Done()
	defer func() {
		srv.lk.Lock()
		delete(srv.conns, conn)
		srv.lk.Unlock()
		conn.Close()
	}()

	logger := srv.logger.With(telemetry.LabelPeerURI.L(conn.RemoteAddr().String()))
	r := bufio.NewReader(conn)
	for {
		req, err := wire.ReadMessage(r, wire.MaxRegistryMessage)
		if err != nil {
			if !errors.Is(err, io.EOF) && !srv.isClosed() {
				logger.Warn("dropping connection", telemetry.LabelError.L(err))
			}
			return
		}

		reply, err := srv.svc.Handle(req)
		if err != nil {
			// still answer, so the peer fails instead of waiting forever.
			_ = wire.WriteMessage(conn, reply)
			srv.fail(err)
			return
		}

		if err := wire.WriteMessage(conn, reply); err != nil {
			logger.Warn("failed to reply", telemetry.LabelError.L(err))
			return
		}
	}
}

func (srv *Server) servePackets() {
	buf := make([]byte, wire.MaxRegistryMessage)
	for {
		n, from, err := srv.pc.ReadFrom(buf)
		if err != nil {
			if srv.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			srv.logger.Warn("error reading datagram", telemetry.LabelError.L(err))
			continue
		}

		reply, err := srv.svc.Handle(buf[:n])
		if err != nil {
			_, _ = srv.pc.WriteTo(reply, from)
			srv.fail(err)
			return
		}

		if _, err := srv.pc.WriteTo(reply, from); err != nil {
			srv.logger.Warn("failed to reply", telemetry.LabelPeerURI.L(from.String()), telemetry.LabelError.L(err))
		}
	}
}
