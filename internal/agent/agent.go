// Package agent is the execution core: it turns inbound messages into runs,
// serializes runs per session, drives the provider/tool dialog loop, and
// publishes the full lifecycle event stream.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miniclaw/miniclaw/internal/bus"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/hooks"
	"github.com/miniclaw/miniclaw/internal/providers"
	"github.com/miniclaw/miniclaw/internal/ratelimit"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/tools"
	"github.com/miniclaw/miniclaw/internal/usage"
	"github.com/miniclaw/miniclaw/pkg/models"
)

// errCancelled unwinds the dialog loop when a run is cancelled.
var errCancelled = errors.New("run cancelled")

// LLM is the slice of the provider surface the loop needs; satisfied by
// *providers.Failover and by scripted fakes in tests.
type LLM interface {
	Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	ChatStream(ctx context.Context, req providers.ChatRequest, onDelta func(string)) (*providers.ChatResponse, error)
}

// pendingRun is a queued unit of work.
type pendingRun struct {
	run       *models.RunState
	msg       models.InboundMessage
	content   string
	media     []string
	isCommand bool
	cancelled bool
}

// Agent owns the session scheduler and all run state.
type Agent struct {
	cfg      *config.Config
	msgBus   *bus.MessageBus
	llm      LLM
	registry *tools.Registry
	sessions *sessions.Store
	history  *runhistory.Store
	usage    *usage.Ledger
	hooks    *hooks.Runner
	limiter  *ratelimit.Limiter
	builder  *ContextBuilder
	emitter  *Emitter
	steer    *SteerBuffers
	logger   *slog.Logger

	globalSem chan struct{}

	mu        sync.Mutex
	rootCtx   context.Context
	pending   map[string][]*pendingRun
	running   map[string]string
	active    map[string]*models.RunState
	workers   map[string]bool
	cancels   map[string]context.CancelFunc
	cancelSet map[string]bool

	wg  sync.WaitGroup
	now func() time.Time
}

// Deps bundles the agent's collaborators.
type Deps struct {
	Config   *config.Config
	Bus      *bus.MessageBus
	LLM      LLM
	Registry *tools.Registry
	Sessions *sessions.Store
	History  *runhistory.Store
	Usage    *usage.Ledger
	Hooks    *hooks.Runner
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

func New(d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:       d.Config,
		msgBus:    d.Bus,
		llm:       d.LLM,
		registry:  d.Registry,
		sessions:  d.Sessions,
		history:   d.History,
		usage:     d.Usage,
		hooks:     d.Hooks,
		limiter:   d.Limiter,
		builder:   NewContextBuilder(d.Config.Workspace, logger),
		emitter:   NewEmitter(d.Bus),
		steer:     NewSteerBuffers(),
		logger:    logger,
		rootCtx:   context.Background(),
		pending:   map[string][]*pendingRun{},
		running:   map[string]string{},
		active:    map[string]*models.RunState{},
		workers:   map[string]bool{},
		cancels:   map[string]context.CancelFunc{},
		cancelSet: map[string]bool{},
		now:       time.Now,
	}
	if d.Config.Queue.Global && d.Config.Queue.MaxConcurrency > 0 {
		a.globalSem = make(chan struct{}, d.Config.Queue.MaxConcurrency)
	}
	return a
}

// Run consumes inbound messages until the context ends, then waits for
// in-flight runs to finish.
func (a *Agent) Run(ctx context.Context) {
	a.mu.Lock()
	a.rootCtx = ctx
	a.mu.Unlock()

	for {
		msg, ok := a.msgBus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		a.Submit(msg)
	}
	a.wg.Wait()
}

// Wait blocks until all spawned run workers are done.
func (a *Agent) Wait() { a.wg.Wait() }

func (a *Agent) root() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rootCtx
}

// RunStates returns a snapshot of currently registered (queued or running)
// runs.
func (a *Agent) RunStates() []*models.RunState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.RunState, 0, len(a.active))
	for _, r := range a.active {
		out = append(out, r)
	}
	return out
}
