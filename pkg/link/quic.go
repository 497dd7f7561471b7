package link

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
)

// ALPN is the application protocol negotiated by QUIC links.
const ALPN = "peerbox/1"

const defaultUDPBufferSize int = 1 << 21

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

var _ Link = (*QUIC)(nil)

// QUIC is a Link over QUIC. Every destination gets its own connection
// carrying a single unidirectional stream, so frames stay ordered.
type QUIC struct {
	*base

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener

	connsLk sync.Mutex
	conns   map[quic.Connection]struct{}
}

// quicStream closes its connection once the stream had time to flush.
//
// NB: quic-go guards Write and Close with the same mutex, so Close may be
// called while a Write is blocked.
type quicStream struct {
	quic.SendStream
	conn  quic.Connection
	grace time.Duration
}

func (qs *quicStream) Close() error {
	err := qs.SendStream.Close()
	time.AfterFunc(qs.grace, func() {
		QErrShutdown.Close(qs.conn, "stream closed")
	})
	return err
}

func NewQUIC(cfg Config) (q *QUIC, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	cfg.TLSConfig = cfg.TLSConfig.Clone()
	cfg.TLSConfig.NextProtos = []string{ALPN}

	udpLn, uri, err := BindListening(cfg.BindURI, cfg.MaxBindAttempts, func(host string, port int) (*net.UDPConn, int, error) {
		addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
		if addr.IP == nil && host != "" {
			resolved, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
			if err != nil {
				return nil, 0, err
			}
			addr = resolved
		}
		ln, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.LocalAddr().(*net.UDPAddr).Port, nil
	})
	if err != nil {
		return nil, err
	}

	q = &QUIC{
		base:  newBase(&cfg, "quic"),
		udpLn: udpLn,
		conns: make(map[quic.Connection]struct{}),
	}
	q.uri = uri
	q.dial = q.dialQUIC

	defer func() {
		if err != nil {
			q.Close()
		}
	}()

	if uri != cfg.BindURI {
		q.msink.IncrCounterWithLabels(telemetry.MetricLinkBindRetryCount, 1.0, q.labels())
	}
	q.negociateBufferSize(defaultUDPBufferSize)

	q.tr = &quic.Transport{
		Conn: udpLn,
	}

	q.ln, err = q.tr.Listen(cfg.TLSConfig, q.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate QUIC listener: %w", err)
	}

	q.logger.Info("link listening", telemetry.LabelURI.L(uri))
	q.wg.Add(1)
	go q.acceptLoop()
	return q, nil
}

func (q *QUIC) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingUniStreams: 16,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (q *QUIC) negociateBufferSize(requested int) {
	size := requested
	for size > 0 {
		if err := q.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			q.logger.Warn("using smaller than expected UDP buffer", telemetry.LabelSize.L(size))
		}
		q.msink.SetGaugeWithLabels(
			telemetry.MetricLinkUDPBufferBytes,
			float32(size),
			q.labels(),
		)
		return
	}
	q.logger.Warn("could not size the UDP buffer, using the kernel default")
}

func (q *QUIC) dialQUIC(ctx context.Context, uri string) (frameWriter, error) {
	scheme, _, _, err := wire.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if scheme != "quic" {
		return nil, fmt.Errorf("%w: cannot reach %s over quic", ErrInvalidCfg, uri)
	}
	hostPort, _ := wire.HostPort(uri)
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return nil, err
	}

	conn, err := q.tr.Dial(ctx, addr, q.cfg.TLSConfig, q.quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "cannot open stream")
		return nil, err
	}

	q.connsLk.Lock()
	q.conns[conn] = struct{}{}
	q.connsLk.Unlock()
	go func() {
		<-conn.Context().Done()
		q.connsLk.Lock()
		delete(q.conns, conn)
		q.connsLk.Unlock()
	}()

	return &quicStream{
		SendStream: stream,
		conn:       conn,
		grace:      q.cfg.GracePeriod,
	}, nil
}

func (q *QUIC) acceptLoop() {
	defer q.wg.Done()
	for {
		conn, err := q.ln.Accept(q.ctx)
		if err != nil {
			if !q.closed.Load() {
				q.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		q.connsLk.Lock()
		if q.closed.Load() {
			q.connsLk.Unlock()
			QErrShutdown.Close(conn, "we are shutting down! bye!")
			return
		}
		q.conns[conn] = struct{}{}
		q.wg.Add(1)
		q.connsLk.Unlock()

		q.msink.IncrCounterWithLabels(
			telemetry.MetricLinkConnEstCount,
			1.0,
			q.labels(telemetry.LabelPeerURI.M(conn.RemoteAddr().String())),
		)
		go q.handleStreams(conn)
	}
}

func (q *QUIC) handleStreams(conn quic.Connection) {
	defer q.wg.Done()
	defer func() {
		q.connsLk.Lock()
		delete(q.conns, conn)
		q.connsLk.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	ctx := conn.Context()
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if !q.closed.Load() && ctx.Err() == nil {
				q.logger.Warn("error accepting stream", telemetry.LabelPeerURI.L(remote), telemetry.LabelError.L(err))
			}
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.receiveLoop(stream, remote)
			// a no-op once the stream was read to its end, otherwise the
			// sender gets STOP_SENDING and its pending writes fail.
			stream.CancelRead(quic.StreamErrorCode(QErrInternal.Code))
		}()
	}
}

// Close lets outbound streams flush for the grace period, then closes
// every connection and the UDP socket.
func (q *QUIC) Close() error {
	if !q.shutdown() {
		return nil
	}

	q.connsLk.Lock()
	pending := len(q.conns) > 0
	q.connsLk.Unlock()
	if pending {
		// dumb SO_LINGER like behaviour until it is implemented
		// in quic-go
		time.Sleep(q.cfg.GracePeriod)
	}

	if q.ln != nil {
		q.ln.Close()
	}

	q.connsLk.Lock()
	for conn := range q.conns {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	q.connsLk.Unlock()

	var err error
	if q.tr != nil {
		err = q.tr.Close()
	}
	q.udpLn.Close()

	q.wg.Wait()
	return err
}
