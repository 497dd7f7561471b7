package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

var _ Link = (*TCP)(nil)

// TCP is a Link over plain TCP connections, one per direction and pair of
// peers.
type TCP struct {
	*base
	ln net.Listener

	inLk    sync.Mutex
	inbound map[net.Conn]struct{}
}

func NewTCP(cfg Config) (*TCP, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ln, uri, err := BindListening(cfg.BindURI, cfg.MaxBindAttempts, func(host string, port int) (net.Listener, int, error) {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	})
	if err != nil {
		return nil, err
	}

	t := &TCP{
		base:    newBase(&cfg, "tcp"),
		ln:      ln,
		inbound: make(map[net.Conn]struct{}),
	}
	t.uri = uri
	t.dial = t.dialTCP

	if uri != cfg.BindURI {
		t.msink.IncrCounterWithLabels(telemetry.MetricLinkBindRetryCount, 1.0, t.labels())
	}
	t.logger.Info("link listening", telemetry.LabelURI.L(uri))

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) dialTCP(ctx context.Context, uri string) (frameWriter, error) {
	scheme, _, _, err := wire.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme != "tcp" {
		return nil, fmt.Errorf("%w: cannot reach %s over tcp", ErrInvalidCfg, uri)
	}
	addr, _ := wire.HostPort(uri)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("error accepting connection", telemetry.LabelError.L(err))
			continue
		}

		t.inLk.Lock()
		if t.closed.Load() {
			t.inLk.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.wg.Add(1)
		t.inLk.Unlock()

		go func() {
			defer t.wg.Done()
			defer func() {
				t.inLk.Lock()
				delete(t.inbound, conn)
				t.inLk.Unlock()
				conn.Close()
			}()
			t.receiveLoop(conn, conn.RemoteAddr().String())
		}()
	}
}

// Close stops accepting connections, closes every connection and waits for
// the receive loops to return.
func (t *TCP) Close() error {
	if !t.shutdown() {
		return nil
	}

	err := t.ln.Close()
	t.inLk.Lock()
	for conn := range t.inbound {
		conn.Close()
	}
	t.inLk.Unlock()

	t.wg.Wait()
	return err
}
