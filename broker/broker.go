// Package broker wires the repository, registry, dispatcher, and
// listener into a single running server, grounded in
// original_source/server.py's top-level wiring and shutdown_event, and
// in network.disconnect.GracefulShutdown's drain-then-close pattern.
package broker

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/flowmq/broker/dispatcher"
	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/handler"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/network"
	"github.com/flowmq/broker/pkg/logger"
	"github.com/flowmq/broker/registry"
	"github.com/flowmq/broker/repository"
)

// Config bundles what a Broker needs beyond the component configs
// owned by repository/dispatcher/network.
type Config struct {
	Listener   *network.ListenerConfig
	Dispatcher dispatcher.Config
	Repository repository.Config

	// ShutdownTimeout bounds how long Shutdown waits for in-flight
	// connections and dispatcher workers to drain.
	ShutdownTimeout time.Duration

	// PublishRateLimit caps PUBLISH packets per client per window; zero
	// disables rate limiting. Window defaults to one second.
	PublishRateLimit int
	PublishRateWindow time.Duration
}

// DefaultConfig binds to main.py's default address, 127.0.0.1:5000. The
// listen backlog is not configurable; net.Listen uses the OS default.
func DefaultConfig() Config {
	return Config{
		Listener:        network.DefaultListenerConfig("127.0.0.1:5000"),
		Dispatcher:      dispatcher.DefaultConfig(),
		Repository:      repository.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Broker is the supervisor that owns the repository, registry,
// dispatcher, and TCP listener for their full lifetime.
type Broker struct {
	cfg  Config
	repo repository.Repository
	reg  *registry.Registry
	disp  *dispatcher.Dispatcher
	ln    *network.Listener
	log   *logger.SlogLogger
	hooks *hook.Manager
	disc  *network.DisconnectManager

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// New assembles a Broker over a already-constructed Repository, so the
// caller picks the storage backend (memory, pebble, redis) per entity.
func New(cfg Config, repo repository.Repository, log *logger.SlogLogger) (*Broker, error) {
	reg := registry.New()
	disp := dispatcher.New(cfg.Dispatcher, reg)

	ln, err := network.NewListener(cfg.Listener, nil)
	if err != nil {
		return nil, err
	}

	hooks := hook.NewManager()
	_ = hooks.Add(hook.NewAnonymousAuthHook(true))
	if cfg.PublishRateLimit > 0 {
		window := cfg.PublishRateWindow
		if window <= 0 {
			window = time.Second
		}
		_ = hooks.Add(hook.NewRateLimitHook(cfg.PublishRateLimit, window))
	}

	disc := network.NewDisconnectManager(cfg.ShutdownTimeout)
	disc.OnDisconnect(func(conn *network.Connection, pkt *network.DisconnectPacket) error {
		disconnect := &encoding.DisconnectPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.DISCONNECT},
			ReasonCode:  encoding.ReasonCode(pkt.ReasonCode),
		}
		var buf bytes.Buffer
		if err := disconnect.Encode(&buf); err != nil {
			return err
		}
		_, err := conn.Write(buf.Bytes())
		return err
	})

	b := &Broker{
		cfg:   cfg,
		repo:  repo,
		reg:   reg,
		disp:  disp,
		ln:    ln,
		log:   log,
		hooks: hooks,
		disc:  disc,
	}

	ln.OnConnection(func(conn *network.Connection) error {
		h := handler.New(conn, b.repo, b.reg, b.disp, b.log, b.hooks)
		ctx := b.gctx
		if ctx == nil {
			ctx = context.Background()
		}
		return h.Run(ctx)
	})

	return b, nil
}

// Start opens the listener and begins accepting connections. It does
// not block; call Shutdown to end the run.
func (b *Broker) Start(ctx context.Context) error {
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	b.group = group
	b.gctx = gctx
	b.cancel = cancel

	if err := b.ln.Start(); err != nil {
		cancel()
		return err
	}
	if b.log != nil {
		b.log.Info("broker listening", "address", b.Addr())
	}

	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return nil
}

// Addr returns the listener's bound address.
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// MetricsRegistry exposes the dispatcher's prometheus registry for a
// cmd/broker process to serve over /metrics.
func (b *Broker) MetricsRegistry() *prometheus.Registry {
	return b.disp.Metrics().Registry
}

// Shutdown stops accepting new connections, drains the dispatcher, and
// closes the listener, bounded by cfg.ShutdownTimeout.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	shutdownCtx, done := context.WithTimeout(ctx, b.cfg.ShutdownTimeout)
	defer done()

	b.disconnectLiveClients(shutdownCtx)

	if err := b.ln.Close(); err != nil && b.log != nil {
		b.log.Error("listener close failed", "error", err)
	}
	if err := b.disp.Shutdown(shutdownCtx); err != nil && b.log != nil {
		b.log.Error("dispatcher shutdown incomplete", "error", err)
	}
	if b.group != nil {
		return b.group.Wait()
	}
	return nil
}

// disconnectLiveClients sends DISCONNECT(Server Shutting Down) to every
// connection still in the registry, so a well-behaved client learns the
// session ended cleanly instead of observing a reset connection.
func (b *Broker) disconnectLiveClients(ctx context.Context) {
	var wg sync.WaitGroup
	b.reg.Range(func(clientID string, sink registry.Sink) {
		conn, ok := sink.(*network.Connection)
		if !ok {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.disc.SendDisconnect(conn, &network.DisconnectPacket{ReasonCode: network.DisconnectServerShuttingDown}); err != nil && b.log != nil {
				b.log.Error("disconnect broadcast failed", "client_id", clientID, "error", err)
			}
		}()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
