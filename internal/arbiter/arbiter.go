// Package arbiter elects which co-located process owns the bridge ledger.
//
// Whoever can bind the well-known port is primary. Everyone else runs as a
// proxy that forwards submissions to the primary and periodically retries
// the bind, taking over when the port frees up. Promotion is one-way.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/studiobridge/internal/bridge"
	"github.com/basket/studiobridge/internal/bus"
	"github.com/basket/studiobridge/internal/otel"
)

// Mode is the arbiter's current role.
type Mode int32

const (
	ModeAttempting Mode = iota
	ModePrimary
	ModeProxy
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeProxy:
		return "proxy"
	default:
		return "attempting"
	}
}

const (
	DefaultPort              = 58741
	DefaultBindAttempts      = 5
	DefaultPromotionInterval = 5 * time.Second
)

// ErrNotStarted is returned by bridge calls made before Start.
var ErrNotStarted = errors.New("bridge mode not decided yet")

// Config configures an Arbiter.
type Config struct {
	Host              string
	Port              int
	BindAttempts      int
	PromotionInterval time.Duration
	ProxyTimeout      time.Duration
	// Ledger is the template for every ledger this process creates.
	Ledger  bridge.Options
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	// Serve takes ownership of the bound listener when this process becomes
	// primary. It is called at most once and must not block.
	Serve func(ln net.Listener, port int, p *bridge.Primary)
}

type state struct {
	mode   Mode
	bridge bridge.Bridge
	port   int
}

// Arbiter holds the active bridge implementation. All bridge calls go
// through it, so a promotion is invisible to callers.
type Arbiter struct {
	cfg        Config
	logger     *slog.Logger
	instanceID string

	current  atomic.Pointer[state]
	promoted chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Arbiter in the attempting state.
func New(cfg Config) *Arbiter {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = DefaultBindAttempts
	}
	if cfg.PromotionInterval <= 0 {
		cfg.PromotionInterval = DefaultPromotionInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ledger.Logger == nil {
		cfg.Ledger.Logger = cfg.Logger
	}
	if cfg.Ledger.Bus == nil {
		cfg.Ledger.Bus = cfg.Bus
	}
	if cfg.Ledger.Metrics == nil {
		cfg.Ledger.Metrics = cfg.Metrics
	}
	a := &Arbiter{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "arbiter"),
		instanceID: uuid.NewString(),
		promoted:   make(chan struct{}),
	}
	a.current.Store(&state{mode: ModeAttempting})
	return a
}

// Start decides the initial mode. In proxy mode it also starts the
// promotion loop, which runs until promotion, ctx cancellation or Stop.
func (a *Arbiter) Start(ctx context.Context) error {
	if a.cfg.Serve == nil {
		return errors.New("arbiter: Serve is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("arbiter: already started")
	}
	a.started = true

	ln, port, err := ListenWithRetry(a.cfg.Host, a.cfg.Port, a.cfg.BindAttempts)
	if err == nil {
		a.becomePrimary(ln, port)
		return nil
	}

	a.logger.Warn("all ports in use, entering proxy mode",
		"first_port", a.cfg.Port,
		"last_port", a.cfg.Port+a.cfg.BindAttempts-1,
		"forward_to", a.primaryURL(),
		"error", err,
	)
	a.becomeProxy()

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.promotionLoop(ctx)
	return nil
}

// Stop ends the promotion loop, if running, and waits for it.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Arbiter) promotionLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PromotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.tryPromote() {
				return
			}
		}
	}
}

func (a *Arbiter) tryPromote() bool {
	ln, port, err := ListenWithRetry(a.cfg.Host, a.cfg.Port, a.cfg.BindAttempts)
	if err != nil {
		a.logger.Debug("promotion attempt failed", "error", err)
		a.becomeProxy()
		return false
	}
	a.becomePrimary(ln, port)
	a.cfg.Metrics.Promoted(context.Background())
	a.logger.Info("promoted from proxy to primary", "port", port)
	return true
}

func (a *Arbiter) becomePrimary(ln net.Listener, port int) {
	p := bridge.NewPrimary(a.cfg.Ledger)
	a.current.Store(&state{mode: ModePrimary, bridge: p, port: port})
	close(a.promoted)
	a.logger.Info("primary mode", "addr", ln.Addr().String())
	a.cfg.Bus.Publish(bus.TopicModeChanged, bus.ModeEvent{Mode: ModePrimary.String(), Port: port, InstanceID: a.instanceID})
	a.cfg.Serve(ln, port, p)
}

// becomeProxy installs a fresh forwarder. A previous forwarder holds no
// state, so it is simply dropped.
func (a *Arbiter) becomeProxy() {
	f := bridge.NewForwarder(bridge.ForwarderOptions{
		BaseURL:    a.primaryURL(),
		Timeout:    a.cfg.ProxyTimeout,
		InstanceID: a.instanceID,
		Logger:     a.cfg.Logger,
		Tracer:     a.cfg.Tracer,
		Metrics:    a.cfg.Metrics,
	})
	prev := a.current.Swap(&state{mode: ModeProxy, bridge: f})
	if prev.mode != ModeProxy {
		a.cfg.Bus.Publish(bus.TopicModeChanged, bus.ModeEvent{Mode: ModeProxy.String(), Port: a.cfg.Port, InstanceID: a.instanceID})
	}
}

func (a *Arbiter) primaryURL() string {
	return "http://" + net.JoinHostPort(dialHost(a.cfg.Host), strconv.Itoa(a.cfg.Port))
}

// Mode reports the current role.
func (a *Arbiter) Mode() Mode { return a.current.Load().mode }

// Port reports the bound port in primary mode, or 0.
func (a *Arbiter) Port() int { return a.current.Load().port }

// InstanceID identifies this process when it forwards to a primary.
func (a *Arbiter) InstanceID() string { return a.instanceID }

// Promoted is closed once this process owns the ledger, whether at startup
// or by promotion.
func (a *Arbiter) Promoted() <-chan struct{} { return a.promoted }

// Bridge returns the active implementation, or nil before Start.
func (a *Arbiter) Bridge() bridge.Bridge { return a.current.Load().bridge }

var _ bridge.Bridge = (*Arbiter)(nil)

func (a *Arbiter) Submit(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	b := a.Bridge()
	if b == nil {
		return nil, ErrNotStarted
	}
	return b.Submit(ctx, endpoint, payload)
}

func (a *Arbiter) TakeNext() (bridge.Dispatch, bool) {
	if b := a.Bridge(); b != nil {
		return b.TakeNext()
	}
	return bridge.Dispatch{}, false
}

func (a *Arbiter) Complete(id string, response json.RawMessage) bool {
	if b := a.Bridge(); b != nil {
		return b.Complete(id, response)
	}
	return false
}

func (a *Arbiter) Fail(id string, err error) bool {
	if b := a.Bridge(); b != nil {
		return b.Fail(id, err)
	}
	return false
}

func (a *Arbiter) SweepExpired() int {
	if b := a.Bridge(); b != nil {
		return b.SweepExpired()
	}
	return 0
}

func (a *Arbiter) ResetAll() int {
	if b := a.Bridge(); b != nil {
		return b.ResetAll()
	}
	return 0
}

func (a *Arbiter) Pending() int {
	if b := a.Bridge(); b != nil {
		return b.Pending()
	}
	return 0
}
