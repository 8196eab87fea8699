// Package housekeeping runs the periodic jobs of a bridge process: sweeping
// requests that outlived their timeout and the agent activity heartbeat.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

const (
	DefaultSweepInterval     = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Sweeper drops requests past their absolute timeout.
type Sweeper interface {
	SweepExpired() int
}

// Liveness is the part of the liveness tracker the heartbeat touches.
type Liveness interface {
	AgentSeen()
	PluginConnected() bool
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Bridge   Sweeper
	Liveness Liveness
	// Mode reports the bridge mode; connectivity is only logged as primary.
	Mode              func() string
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Scheduler owns a cron runner with the sweep and heartbeat jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron

	mu          sync.Mutex
	lastPlugin  bool
	loggedState bool
}

// New registers both jobs. Intervals under a second are rounded up to one
// second by the cron runner.
func New(cfg Config) (*Scheduler, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "housekeeping")

	s := &Scheduler{cfg: cfg, logger: logger}
	s.cron = cronlib.New(cronlib.WithChain(
		cronlib.Recover(cronLogger{logger}),
		cronlib.SkipIfStillRunning(cronLogger{logger}),
	))

	if cfg.Bridge != nil {
		if _, err := s.cron.AddFunc(every(cfg.SweepInterval), s.Sweep); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if cfg.Liveness != nil {
		if _, err := s.cron.AddFunc(every(cfg.HeartbeatInterval), s.Heartbeat); err != nil {
			return nil, fmt.Errorf("schedule heartbeat: %w", err)
		}
	}
	return s, nil
}

func every(d time.Duration) string { return "@every " + d.String() }

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("housekeeping started", "sweep_interval", s.cfg.SweepInterval, "heartbeat_interval", s.cfg.HeartbeatInterval)
}

// Stop halts the runner and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("housekeeping stopped")
}

// Sweep removes expired requests once.
func (s *Scheduler) Sweep() {
	if n := s.cfg.Bridge.SweepExpired(); n > 0 {
		s.logger.Info("swept expired requests", "count", n)
	}
}

// Heartbeat keeps the agent side marked active and, as primary, logs
// plugin connectivity when it changes.
func (s *Scheduler) Heartbeat() {
	s.cfg.Liveness.AgentSeen()
	if s.cfg.Mode == nil || s.cfg.Mode() != "primary" {
		return
	}

	connected := s.cfg.Liveness.PluginConnected()
	s.mu.Lock()
	changed := !s.loggedState || connected != s.lastPlugin
	s.lastPlugin = connected
	s.loggedState = true
	s.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		s.logger.Info("studio plugin connected")
	} else {
		s.logger.Info("waiting for Studio plugin to connect")
	}
}

// cronLogger adapts slog to the cron runner's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
