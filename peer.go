package peerbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/inbox"
	"github.com/raskyld/peerbox/pkg/link"
	"github.com/raskyld/peerbox/pkg/registry"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/raskyld/peerbox/pkg/wire"
	"github.com/rs/xid"
)

// destructTimeout bounds the DESTRUCT notification sent on Close.
const destructTimeout = 5 * time.Second

var _ Policy = (*Peer)(nil)

// msgKey indexes the inbox. Collective traffic has its own kind so it
// never mixes with application tags.
type msgKey struct {
	kind wire.Kind
	ctx  ContextID
	src  VAddr
	tag  Tag
}

type uriKey struct {
	ctx  ContextID
	addr VAddr
}

type Peer struct {
	config  config
	logger  *slog.Logger
	msink   metrics.MetricSink
	session xid.ID

	link     link.Link
	inbox    *inbox.Inbox[msgKey]
	registry *registry.Client
	global   Context

	// addresses already resolved by the registry.
	urisLk sync.RWMutex
	uris   map[uriKey]string

	lk         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New binds the peer link, registers it in the registry and joins the
// global context. It returns once our own address is known; the other
// members are resolved lazily.
func New(ctx context.Context, opts ...Option) (p *Peer, err error) {
	p = &Peer{
		config:     defaultConfig(),
		session:    xid.New(),
		uris:       make(map[uriKey]string),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&p.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := p.config.validate(); err != nil {
		return nil, err
	}

	p.logger = telemetry.Logger(p.config.logHandler).With(telemetry.LabelSession.L(p.session.String()))
	p.msink = telemetry.Sink(p.config.msink)

	p.inbox, err = inbox.New[msgKey](inbox.Config{
		MaxBufferSize: p.config.maxBufferSize,
		MetricSink:    p.msink,
		MetricLabels:  p.config.metricLabels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	defer func() {
		if err != nil {
			p.release()
		}
	}()

	p.link, err = link.New(link.Config{
		BindURI:      p.config.bindURI,
		DialTimeout:  p.config.dialTimeout,
		TLSConfig:    p.config.tlsConfig,
		Handler:      p.handleFrame,
		LogHandler:   p.logger.Handler(),
		MetricSink:   p.msink,
		MetricLabels: p.config.metricLabels,
	})
	if err != nil {
		return nil, err
	}

	p.registry, err = registry.Dial(ctx, registry.ClientConfig{
		URI:               p.config.registryURI,
		RetryInterval:     p.config.retryInterval,
		MaxLookupAttempts: p.config.maxLookupAttempts,
		DialTimeout:       p.config.dialTimeout,
		LogHandler:        p.logger.Handler(),
		MetricSink:        p.msink,
		MetricLabels:      p.config.metricLabels,
	})
	if err != nil {
		return nil, translate(err)
	}

	ctxID, err := p.registry.ContextInit(ctx, p.config.contextSize)
	if err != nil {
		return nil, translate(err)
	}

	self, err := p.registry.VAddrRequest(ctx, ctxID, p.link.URI())
	if err != nil {
		return nil, translate(err)
	}
	if self >= VAddr(p.config.contextSize) {
		// more peers joined than WithContextSize announced.
		return nil, fmt.Errorf(
			"%w: address %d assigned in a context of %d members",
			ErrProtocolViolation, self, p.config.contextSize,
		)
	}

	p.global = Context{
		ID:   ctxID,
		Self: self,
		Size: int(p.config.contextSize),
	}
	p.logger = p.logger.With(telemetry.LabelVAddr.L(self))
	p.logger.Info(
		"joined the global context",
		telemetry.LabelURI.L(p.link.URI()),
		slog.Any("context", p.global),
	)
	return p, nil
}

// URI is the address other peers reach us at.
func (p *Peer) URI() string {
	return p.link.URI()
}

func (p *Peer) GlobalContext() Context {
	return p.global
}

func (p *Peer) handleFrame(ctx context.Context, f wire.Frame) error {
	return p.inbox.Enqueue(ctx, f.Payload, msgKey{
		kind: f.Kind,
		ctx:  f.Context,
		src:  f.Src,
		tag:  f.Tag,
	})
}

func (p *Peer) isShutdown() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

// resolve returns the uri registered by addr in c.
func (p *Peer) resolve(ctx context.Context, c Context, addr VAddr) (string, error) {
	if addr == c.Self {
		return p.link.URI(), nil
	}

	key := uriKey{ctx: c.ID, addr: addr}
	p.urisLk.RLock()
	uri, ok := p.uris[key]
	p.urisLk.RUnlock()
	if ok {
		return uri, nil
	}

	uri, err := p.registry.VAddrLookup(ctx, c.ID, addr)
	if err != nil {
		return "", translate(err)
	}

	p.urisLk.Lock()
	p.uris[key] = uri
	p.urisLk.Unlock()
	p.logger.Debug("address resolved", slog.Any("context", c), telemetry.LabelPeerURI.L(uri), slog.Any("addr", addr))
	return uri, nil
}

func (p *Peer) send(ctx context.Context, kind wire.Kind, c Context, dest VAddr, tag Tag, data []byte) error {
	if p.isShutdown() {
		return ErrClosed
	}
	if !c.Valid() {
		return ErrNotMember
	}
	if !c.Has(dest) {
		return fmt.Errorf("%w: %d not in %d members", ErrNotMember, dest, c.Size)
	}

	uri, err := p.resolve(ctx, c, dest)
	if err != nil {
		return err
	}

	return translate(p.link.Send(ctx, uri, wire.Frame{
		Kind:    kind,
		Context: c.ID,
		Src:     c.Self,
		Tag:     tag,
		Payload: data,
	}))
}

// receive dequeues the next message of src whatever its size.
func (p *Peer) receive(ctx context.Context, kind wire.Kind, c Context, src VAddr, tag Tag) ([]byte, error) {
	if p.isShutdown() {
		return nil, ErrClosed
	}
	if !c.Valid() {
		return nil, ErrNotMember
	}
	if !c.Has(src) {
		return nil, fmt.Errorf("%w: %d not in %d members", ErrNotMember, src, c.Size)
	}

	payload, err := p.inbox.WaitDequeue(ctx, msgKey{kind: kind, ctx: c.ID, src: src, tag: tag})
	return payload, translate(err)
}

func (p *Peer) Send(ctx context.Context, c Context, dest VAddr, tag Tag, data []byte) error {
	return p.send(ctx, wire.KindData, c, dest, tag, data)
}

// AsyncSend sends data in the background. data MUST NOT be modified until
// the event is resolved.
func (p *Peer) AsyncSend(ctx context.Context, c Context, dest VAddr, tag Tag, data []byte) *Event {
	ev := newEvent()
	key := Envelope{Context: c.ID, Src: c.Self, Tag: tag}
	if !p.spawn(func() {
		ev.resolve(key, p.Send(ctx, c, dest, tag, data))
	}) {
		ev.resolve(key, ErrClosed)
	}
	return ev
}

func (p *Peer) Recv(ctx context.Context, c Context, src VAddr, tag Tag, buf []byte) error {
	payload, err := p.receive(ctx, wire.KindData, c, src, tag)
	if err != nil {
		return err
	}
	if len(payload) != len(buf) {
		return sizeMismatch(len(buf), len(payload))
	}
	copy(buf, payload)
	return nil
}

// RecvAny receives the next message of any member of c, whatever its tag.
func (p *Peer) RecvAny(ctx context.Context, c Context, buf []byte) (Envelope, error) {
	if p.isShutdown() {
		return Envelope{}, ErrClosed
	}
	if !c.Valid() {
		return Envelope{}, ErrNotMember
	}

	key, payload, err := p.inbox.WaitDequeueAny(ctx, func(k msgKey) bool {
		return k.kind == wire.KindData && k.ctx == c.ID
	})
	if err != nil {
		return Envelope{}, translate(err)
	}

	env := Envelope{Context: key.ctx, Src: key.src, Tag: key.tag}
	if len(payload) != len(buf) {
		return env, sizeMismatch(len(buf), len(payload))
	}
	copy(buf, payload)
	return env, nil
}

// AsyncRecv receives into buf in the background. buf MUST NOT be read
// until the event is resolved.
func (p *Peer) AsyncRecv(ctx context.Context, c Context, src VAddr, tag Tag, buf []byte) *Event {
	ev := newEvent()
	key := Envelope{Context: c.ID, Src: src, Tag: tag}
	if !p.spawn(func() {
		ev.resolve(key, p.Recv(ctx, c, src, tag, buf))
	}) {
		ev.resolve(key, ErrClosed)
	}
	return ev
}

// spawn runs fn unless the peer is shutting down.
func (p *Peer) spawn(fn func()) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.shutdown {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

// observe records a collective, use as `defer p.observe(name, c, time.Now())`.
func (p *Peer) observe(name string, c Context, start time.Time) {
	labels := telemetry.With(
		p.config.metricLabels,
		telemetry.LabelCollective.M(name),
		telemetry.LabelSize.M(strconv.Itoa(c.Size)),
	)
	p.msink.IncrCounterWithLabels(telemetry.MetricPeerCollective, 1.0, labels)
	p.msink.AddSampleWithLabels(
		telemetry.MetricPeerCollectiveTime,
		float32(time.Since(start).Milliseconds()),
		labels,
	)
}

// Close notifies the registry we are leaving, then frees every resource.
// Pending receives return ErrClosed.
func (p *Peer) Close() error {
	// Phase 1: Shutdown notify.
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	p.lk.Unlock()

	p.logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), destructTimeout)
	defer cancel()
	if err := p.registry.Destruct(ctx); err != nil {
		p.logger.Warn("failed to notify the registry", telemetry.LabelError.L(err))
	}

	// Phase 2: Drop all resources.
	p.release()
	p.wg.Wait()
	p.logger.Info("shutdown complete")
	return nil
}

func (p *Peer) release() {
	if p.link != nil {
		p.link.Close()
	}
	p.inbox.Close()
	if p.registry != nil {
		p.registry.Close()
	}
}
