package gateway

import (
	"sync"
	"time"

	"github.com/basket/studiobridge/internal/clock"
)

// Liveness tracks when the host poller and the agent side were last seen.
// These are plain last-timestamp checks and never touch the ledger.
type Liveness struct {
	clock        clock.Clock
	pluginWindow time.Duration
	agentWindow  time.Duration

	mu             sync.Mutex
	pluginFlag     bool
	lastPlugin     time.Time
	agentFlag      bool
	agentStartedAt time.Time
	lastAgent      time.Time
}

// NewLiveness creates a tracker. Zero windows select 10s for the plugin and
// 15s for the agent side.
func NewLiveness(c clock.Clock, pluginWindow, agentWindow time.Duration) *Liveness {
	if c == nil {
		c = clock.Real{}
	}
	if pluginWindow <= 0 {
		pluginWindow = 10 * time.Second
	}
	if agentWindow <= 0 {
		agentWindow = 15 * time.Second
	}
	return &Liveness{clock: c, pluginWindow: pluginWindow, agentWindow: agentWindow}
}

// PluginSeen records a /poll or /ready from the host.
func (l *Liveness) PluginSeen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pluginFlag = true
	l.lastPlugin = l.clock.Now()
}

// PluginGone records an explicit /disconnect.
func (l *Liveness) PluginGone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pluginFlag = false
}

// PluginFlag reports whether the host has connected and not said goodbye,
// regardless of how long ago it was last seen.
func (l *Liveness) PluginFlag() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pluginFlag
}

// PluginConnected reports whether the host was seen within its window.
func (l *Liveness) PluginConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pluginFlag && l.clock.Now().Sub(l.lastPlugin) < l.pluginWindow
}

// SetAgentActive marks the agent-side session as open or closed.
func (l *Liveness) SetAgentActive(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agentFlag = active
	if active {
		now := l.clock.Now()
		l.agentStartedAt = now
		l.lastAgent = now
		return
	}
	l.agentStartedAt = time.Time{}
	l.lastAgent = time.Time{}
}

// AgentSeen refreshes agent activity while the session is open.
func (l *Liveness) AgentSeen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.agentFlag {
		l.lastAgent = l.clock.Now()
	}
}

// AgentActive reports whether the agent side was seen within its window.
func (l *Liveness) AgentActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agentFlag && l.clock.Now().Sub(l.lastAgent) < l.agentWindow
}

// LastAgentActivity returns the last agent activity, zero if none.
func (l *Liveness) LastAgentActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAgent
}

// Uptime is the age of the agent session, zero when none is open.
func (l *Liveness) Uptime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.agentFlag {
		return 0
	}
	return l.clock.Now().Sub(l.agentStartedAt)
}
