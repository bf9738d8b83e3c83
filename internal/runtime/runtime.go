// Package runtime schedules and executes turns: a per-session FIFO queue with
// a single worker, a turn executor that multiplexes the provider stream into
// persisted parts, and the terminal-state machinery around them.
package runtime

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/compaction"
	"github.com/haasonsaas/relay/internal/history"
	"github.com/haasonsaas/relay/internal/metrics"
	"github.com/haasonsaas/relay/internal/provider"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tooling"
)

// Agent is a named tool allowlist plus prompt fragment. Sessions reference an
// agent by id; unknown ids fall back to the default agent.
type Agent struct {
	ID     string
	Prompt string

	// Tools is the allowlist offered to the model. Nil means every
	// registered tool.
	Tools []string

	// ReasoningBudget enables extended reasoning with this token budget.
	ReasoningBudget int
}

// Config tunes the runtime.
type Config struct {
	// MaxSteps bounds the number of model steps per turn.
	MaxSteps int

	// DefaultAgent is used when a session names no agent or an unknown one.
	DefaultAgent *Agent
}

// DefaultMaxSteps bounds runaway tool loops.
const DefaultMaxSteps = 40

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.DefaultAgent == nil {
		c.DefaultAgent = &Agent{ID: "default"}
	}
	return c
}

// Runtime is the session runtime registry: it owns all process-wide mutable
// turn state (queues, working directories, the title limiter) explicitly
// rather than as package globals.
type Runtime struct {
	store    store.Store
	bus      *bus.Bus
	resolver *provider.Resolver
	tools    *tooling.Registry
	gate     *tooling.ApprovalGate
	engine   *compaction.Engine
	history  *history.Builder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config

	agents map[string]*Agent

	mu       sync.Mutex
	sessions map[string]*sessionState
	workdirs map[string]*tooling.Workdir

	// titleSlot serializes title generation process-wide.
	titleSlot chan struct{}
}

// sessionState is the per-session queue bookkeeping. Guarded by Runtime.mu.
type sessionState struct {
	queue   []*Turn
	current *Turn
	running bool
}

// Deps carries the runtime's collaborators.
type Deps struct {
	Store    store.Store
	Bus      *bus.Bus
	Resolver *provider.Resolver
	Tools    *tooling.Registry
	Gate     *tooling.ApprovalGate
	Engine   *compaction.Engine
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New creates a runtime.
func New(deps Deps, agents []*Agent, cfg Config) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	agentMap := make(map[string]*Agent, len(agents)+1)
	agentMap[cfg.DefaultAgent.ID] = cfg.DefaultAgent
	for _, agent := range agents {
		agentMap[agent.ID] = agent
	}

	return &Runtime{
		store:     deps.Store,
		bus:       deps.Bus,
		resolver:  deps.Resolver,
		tools:     deps.Tools,
		gate:      deps.Gate,
		engine:    deps.Engine,
		history:   history.NewBuilder(deps.Store),
		metrics:   deps.Metrics,
		logger:    logger.With("component", "runtime"),
		cfg:       cfg,
		agents:    agentMap,
		sessions:  make(map[string]*sessionState),
		workdirs:  make(map[string]*tooling.Workdir),
		titleSlot: make(chan struct{}, 1),
	}
}

// Gate exposes the approval gate for the external approval surface.
func (r *Runtime) Gate() *tooling.ApprovalGate { return r.gate }

// agentFor resolves a session's agent, falling back to the default.
func (r *Runtime) agentFor(id string) *Agent {
	if agent, ok := r.agents[id]; ok {
		return agent
	}
	return r.cfg.DefaultAgent
}

// SweepIdle drops working-directory bookkeeping for sessions with no active
// or queued turns. Called periodically so long-running daemons do not
// accumulate state for every session ever touched. It returns the number of
// entries released.
func (r *Runtime) SweepIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for sessionID := range r.workdirs {
		if _, active := r.sessions[sessionID]; !active {
			delete(r.workdirs, sessionID)
			released++
		}
	}
	return released
}

// workdirFor returns the session-scoped working directory, creating it rooted
// at the session's project path on first use.
func (r *Runtime) workdirFor(sessionID, projectPath string) *tooling.Workdir {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workdirs[sessionID]
	if !ok {
		w = tooling.NewWorkdir(projectPath)
		r.workdirs[sessionID] = w
	}
	return w
}
