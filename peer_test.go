package peerbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/registry"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/stretchr/testify/require"
)

func nodeHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func startRegistry(t *testing.T) string {
	t.Helper()
	srv, err := registry.NewServer(&registry.ServerConfig{
		URI:        "tcp://127.0.0.1:0",
		LogHandler: nodeHandler("registry"),
		MetricSink: &metrics.BlackholeSink{},
	})
	require.NoError(t, err)
	go srv.Serve(context.Background())
	t.Cleanup(func() { srv.Close() })
	return srv.URI()
}

// startCluster returns n peers of one global context, peers[i] holding the
// address i.
func startCluster(t *testing.T, n int, opts func(i int) []Option) []*Peer {
	t.Helper()
	registryURI := startRegistry(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	created := make([]*Peer, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peerOpts := []Option{
				WithRegistryURI(registryURI),
				WithContextSize(n),
				WithBindURI("tcp://127.0.0.1:0"),
				WithLog(nodeHandler(fmt.Sprintf("node%d", i))),
				WithLookupRetry(10*time.Millisecond, 500),
			}
			if opts != nil {
				peerOpts = append(peerOpts, opts(i)...)
			}
			created[i], errs[i] = New(ctx, peerOpts...)
		}()
	}
	wg.Wait()

	peers := make([]*Peer, n)
	for i, p := range created {
		require.NoError(t, errs[i])
		t.Cleanup(func() { p.Close() })

		global := p.GlobalContext()
		require.Equal(t, n, global.Size)
		require.Less(t, int(global.Self), n)
		require.Nil(t, peers[global.Self], "address %d assigned twice", global.Self)
		peers[global.Self] = p
	}
	return peers
}

// runAll runs fn on every peer concurrently and fails on the first error.
func runAll(t *testing.T, peers []*Peer, fn func(ctx context.Context, addr VAddr, p *Peer) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errs := make(chan error, len(peers))
	for i, p := range peers {
		go func() {
			errs <- fn(ctx, VAddr(i), p)
		}()
	}
	for range peers {
		require.NoError(t, <-errs)
	}
}

// int32s decodes buf, it is safe to call outside of the test goroutine.
func int32s(buf []byte) []int32 {
	values, _ := Decode[int32](buf)
	return values
}

func TestPeer_PointToPoint(t *testing.T) {
	peers := startCluster(t, 4, nil)
	global := peers[0].GlobalContext()

	t.Run("send then recv", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			c := p.GlobalContext()
			next := VAddr((int(addr) + 1) % c.Size)
			prev := VAddr((int(addr) + c.Size - 1) % c.Size)
			if err := p.Send(ctx, c, next, 1, Encode(int32(addr))); err != nil {
				return err
			}
			buf := make([]byte, 4)
			if err := p.Recv(ctx, c, prev, 1, buf); err != nil {
				return err
			}
			if got := int32s(buf)[0]; got != int32(prev) {
				return fmt.Errorf("node %d received %d from %d", addr, got, prev)
			}
			return nil
		})
	})

	t.Run("messages of a key are received in order", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := 0; i < 100; i++ {
			require.NoError(t, peers[1].Send(ctx, peers[1].GlobalContext(), 0, 2, Encode(int32(i))))
		}
		buf := make([]byte, 4)
		for i := 0; i < 100; i++ {
			require.NoError(t, peers[0].Recv(ctx, peers[0].GlobalContext(), 1, 2, buf))
			require.Equal(t, int32(i), int32s(buf)[0])
		}
	})

	t.Run("send to self", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c := peers[2].GlobalContext()
		require.NoError(t, peers[2].Send(ctx, c, 2, 3, []byte("me")))
		buf := make([]byte, 2)
		require.NoError(t, peers[2].Recv(ctx, c, 2, 3, buf))
		require.Equal(t, "me", string(buf))
	})

	t.Run("recv any", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for addr := 1; addr < 4; addr++ {
			p := peers[addr]
			require.NoError(t, p.Send(ctx, p.GlobalContext(), 0, Tag(10+addr), Encode(int32(addr))))
		}

		seen := map[VAddr]bool{}
		buf := make([]byte, 4)
		for i := 0; i < 3; i++ {
			env, err := peers[0].RecvAny(ctx, peers[0].GlobalContext(), buf)
			require.NoError(t, err)
			require.Equal(t, global.ID, env.Context)
			require.Equal(t, Tag(10)+Tag(env.Src), env.Tag)
			require.Equal(t, int32(env.Src), int32s(buf)[0])
			seen[env.Src] = true
		}
		require.Len(t, seen, 3)
	})

	t.Run("size mismatch", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, peers[1].Send(ctx, peers[1].GlobalContext(), 0, 4, make([]byte, 8)))
		err := peers[0].Recv(ctx, peers[0].GlobalContext(), 1, 4, make([]byte, 4))
		require.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("async send and recv", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		buf := make([]byte, 5)
		recvEv := peers[3].AsyncRecv(ctx, peers[3].GlobalContext(), 2, 6, buf)
		require.False(t, recvEv.Ready())

		sendEv := peers[2].AsyncSend(ctx, peers[2].GlobalContext(), 3, 6, []byte("async"))
		require.NoError(t, WaitAll(ctx, sendEv, recvEv))
		require.Equal(t, "async", string(buf))
		require.Equal(t, VAddr(2), recvEv.Key().Src)
		require.NoError(t, recvEv.Wait(ctx), "waiting again returns immediately")
	})

	t.Run("addresses outside the context", func(t *testing.T) {
		ctx := context.Background()
		c := peers[0].GlobalContext()
		require.ErrorIs(t, peers[0].Send(ctx, c, 4, 0, nil), ErrNotMember)
		require.ErrorIs(t, peers[0].Recv(ctx, c, 9, 0, nil), ErrNotMember)
		require.ErrorIs(t, peers[0].Send(ctx, Context{}, 0, 0, nil), ErrNotMember)
		require.ErrorIs(t, peers[0].Gather(ctx, c, 7, nil, nil), ErrInvalidRoot)
	})

	t.Run("recv honors its context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := peers[0].Recv(ctx, peers[0].GlobalContext(), 3, 99, nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPeer_Collectives(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	peers := startCluster(t, 4, func(int) []Option {
		return []Option{WithMetricSink(sink)}
	})

	t.Run("gather at address 0", func(t *testing.T) {
		var result []int32
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			c := p.GlobalContext()
			var recv []byte
			if addr == 0 {
				recv = make([]byte, 4*c.Size)
			}
			if err := p.Gather(ctx, c, 0, Encode(int32(addr)), recv); err != nil {
				return err
			}
			if addr == 0 {
				result = int32s(recv)
			}
			return nil
		})
		require.Equal(t, []int32{0, 1, 2, 3}, result)
	})

	t.Run("reduce with a sum", func(t *testing.T) {
		var result []int32
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			recv := make([]byte, 4)
			if err := p.Reduce(ctx, p.GlobalContext(), 0, Sum[int32](), Encode(int32(addr)+1), recv); err != nil {
				return err
			}
			if addr == 0 {
				result = int32s(recv)
			}
			return nil
		})
		require.Equal(t, []int32{10}, result)
	})

	t.Run("scatter from address 2", func(t *testing.T) {
		var mu sync.Mutex
		got := map[VAddr]int32{}
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			var send []byte
			if addr == 2 {
				send = Encode[int32](10, 11, 12, 13)
			}
			recv := make([]byte, 4)
			if err := p.Scatter(ctx, p.GlobalContext(), 2, send, recv); err != nil {
				return err
			}
			mu.Lock()
			got[addr] = int32s(recv)[0]
			mu.Unlock()
			return nil
		})
		require.Equal(t, map[VAddr]int32{0: 10, 1: 11, 2: 12, 3: 13}, got)
	})

	t.Run("all gather", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			recv := make([]byte, 16)
			if err := p.AllGather(ctx, p.GlobalContext(), Encode(int32(addr)*2), recv); err != nil {
				return err
			}
			if got := int32s(recv); fmt.Sprint(got) != "[0 2 4 6]" {
				return fmt.Errorf("node %d got %v", addr, got)
			}
			return nil
		})
	})

	t.Run("gather variable sizes", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			send := []byte(strings.Repeat(string(rune('a'+addr)), int(addr)))
			recv, counts, err := p.GatherVar(ctx, p.GlobalContext(), 1, send)
			if err != nil {
				return err
			}
			if addr != 1 {
				if recv != nil || counts != nil {
					return fmt.Errorf("node %d got a result", addr)
				}
				return nil
			}
			if string(recv) != "bccddd" || fmt.Sprint(counts) != "[0 1 2 3]" {
				return fmt.Errorf("root got %q %v", recv, counts)
			}
			return nil
		})
	})

	t.Run("all gather variable sizes", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			send := []byte(strings.Repeat(string(rune('a'+addr)), int(addr)))
			recv, counts, err := p.AllGatherVar(ctx, p.GlobalContext(), send)
			if err != nil {
				return err
			}
			if string(recv) != "bccddd" || fmt.Sprint(counts) != "[0 1 2 3]" {
				return fmt.Errorf("node %d got %q %v", addr, recv, counts)
			}
			return nil
		})
	})

	t.Run("all reduce", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			recv := make([]byte, 16)
			send := Encode(float64(addr), -float64(addr))
			if err := p.AllReduce(ctx, p.GlobalContext(), Max[float64](), send, recv); err != nil {
				return err
			}
			got, err := Decode[float64](recv)
			if err != nil {
				return err
			}
			if got[0] != 3 || got[1] != 0 {
				return fmt.Errorf("node %d got %v", addr, got)
			}
			return nil
		})
	})

	t.Run("all scatter", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			c := p.GlobalContext()
			send := make([]int32, c.Size)
			for dest := range send {
				send[dest] = int32(addr)*10 + int32(dest)
			}
			recv := make([]byte, 4*c.Size)
			if err := p.AllScatter(ctx, c, Encode(send...), recv); err != nil {
				return err
			}
			for src, v := range int32s(recv) {
				if v != int32(src)*10+int32(addr) {
					return fmt.Errorf("node %d got %d from %d", addr, v, src)
				}
			}
			return nil
		})
	})

	t.Run("synchronize", func(t *testing.T) {
		for round := 0; round < 3; round++ {
			runAll(t, peers, func(ctx context.Context, _ VAddr, p *Peer) error {
				return p.Synchronize(ctx, p.GlobalContext())
			})
		}
	})

	t.Run("collectives are counted", func(t *testing.T) {
		var count float64
		for _, interval := range sink.Data() {
			for _, c := range interval.Counters {
				if c.Name == strings.Join(telemetry.MetricPeerCollective, ".") {
					count += c.Sum
				}
			}
		}
		require.Positive(t, count)
	})
}

func TestPeer_SplitContext(t *testing.T) {
	peers := startCluster(t, 4, nil)

	contexts := make([]Context, len(peers))
	runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
		next, err := p.SplitContext(ctx, addr != 0, p.GlobalContext())
		contexts[addr] = next
		return err
	})

	require.False(t, contexts[0].Valid(), "non members get the zero context")
	seen := map[VAddr]bool{}
	for _, c := range contexts[1:] {
		require.True(t, c.Valid())
		require.Equal(t, 3, c.Size)
		require.Equal(t, contexts[1].ID, c.ID)
		require.NotEqual(t, peers[0].GlobalContext().ID, c.ID)
		seen[c.Self] = true
	}
	require.Equal(t, map[VAddr]bool{0: true, 1: true, 2: true}, seen, "addresses are dense")

	t.Run("broadcast in the new context", func(t *testing.T) {
		members := peers[1:]
		runAll(t, members, func(ctx context.Context, addr VAddr, p *Peer) error {
			c := contexts[addr+1]
			data := make([]byte, 4)
			if c.Self == 0 {
				data = Encode[int32](42)
			}
			if err := p.Broadcast(ctx, c, 0, data); err != nil {
				return err
			}
			if got := int32s(data)[0]; got != 42 {
				return fmt.Errorf("member %d got %d", c.Self, got)
			}
			return nil
		})
	})

	t.Run("split again", func(t *testing.T) {
		runAll(t, peers, func(ctx context.Context, addr VAddr, p *Peer) error {
			next, err := p.SplitContext(ctx, true, p.GlobalContext())
			if err != nil {
				return err
			}
			if next.Size != 4 || next.ID == contexts[1].ID {
				return fmt.Errorf("unexpected context %+v", next)
			}
			return p.Synchronize(ctx, next)
		})
	})
}

func TestPeer_Close(t *testing.T) {
	peers := startCluster(t, 2, nil)
	p := peers[1]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pending := p.AsyncRecv(ctx, p.GlobalContext(), 0, 1, make([]byte, 1))

	require.NoError(t, p.Close())
	require.ErrorIs(t, pending.Wait(ctx), ErrClosed)
	require.ErrorIs(t, p.Send(ctx, p.GlobalContext(), 0, 1, nil), ErrClosed)
	require.ErrorIs(t, p.AsyncSend(ctx, p.GlobalContext(), 0, 1, nil).Wait(ctx), ErrClosed)
	require.NoError(t, p.Close())
}

func TestNew_AddressOutsideTheContext(t *testing.T) {
	registryURI := startRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// someone already took address 0 of the initial context.
	intruder, err := registry.Dial(ctx, registry.ClientConfig{URI: registryURI})
	require.NoError(t, err)
	defer intruder.Close()
	_, err = intruder.VAddrRequest(ctx, 0, "tcp://127.0.0.1:1")
	require.NoError(t, err)

	_, err = New(
		ctx,
		WithRegistryURI(registryURI),
		WithContextSize(1),
		WithBindURI("tcp://127.0.0.1:0"),
		WithLog(nodeHandler("late")),
	)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestNew_InvalidOptions(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, WithContextSize(2))
	require.ErrorIs(t, err, ErrInvalidCfg, "registry is required")

	_, err = New(ctx, WithRegistryURI("tcp://127.0.0.1:6000"))
	require.ErrorIs(t, err, ErrInvalidCfg, "context size is required")

	_, err = New(ctx, WithRegistryURI("http://127.0.0.1:6000"), WithContextSize(2))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(ctx, WithBindURI("udp://127.0.0.1:0"))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(ctx, WithMaxBufferSize(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
