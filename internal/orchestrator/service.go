// Package orchestrator is the ingress of the conductor. It validates,
// screens, authorizes and routes each command, runs the selected tier, and
// returns one envelope no matter how the command ended.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/auth"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/internal/safety"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/tools"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ═══════════════════════════════════════════════════════════════════════════════

// Deps are the collaborators of a Service. Every nil field is built from the
// configuration: an in-memory backend, providers from llm.providers, the
// builtin tools, in-memory memory tiers, the policy authorizer, the pattern
// detector and LLM-backed planning stages.
type Deps struct {
	Backend    store.Backend
	Bus        *bus.Bus
	Dispatcher *llm.Dispatcher
	Tools      planning.ToolInvoker
	Memory     *memory.Coordinator
	Authorizer auth.Authorizer
	Detector   safety.Detector

	Analyzer  planning.Analyzer
	Planner   planning.Planner
	Reflector planning.Reflector
}

// Stats counts what the service has handled.
type Stats struct {
	Commands   int                `json:"commands"`
	Completed  int                `json:"completed"`
	Suspended  int                `json:"suspended"`
	Failed     int                `json:"failed"`
	Denied     int                `json:"denied"`
	Blocked    int                `json:"blocked"`
	Resumes    int                `json:"resumes"`
	Downgrades int                `json:"downgrades"`
	TierCounts map[types.Tier]int `json:"tier_counts"`
}

// Service handles commands end to end.
type Service struct {
	cfg config.Config

	backend  store.Backend
	audit    *audit.Recorder
	router   *router.ComplexityRouter
	authz    auth.Authorizer
	detector safety.Detector
	llm      *llm.Dispatcher
	memory   *memoryBridge

	catalog    *catalog
	engine     *workflow.Engine
	planEngine *workflow.Engine
	loop       *planning.Loop
	assembler  *response.Assembler
	stages     []Stage

	owner    string
	loopOpts []planning.LoopOption
	log      zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithOwner sets the lease owner used by both engines. Each process should
// use its own.
func WithOwner(owner string) Option {
	return func(s *Service) { s.owner = owner }
}

// WithLoopOptions passes extra options to the planning loop.
func WithLoopOptions(opts ...planning.LoopOption) Option {
	return func(s *Service) { s.loopOpts = append(s.loopOpts, opts...) }
}

// New wires a Service. cfg is copied; later changes to it have no effect.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:   *cfg,
		owner: "conductor-" + uuid.NewString()[:8],
		log:   logging.Component("orchestrator"),
		stats: Stats{TierCounts: make(map[types.Tier]int)},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.backend = deps.Backend
	if s.backend == nil {
		s.backend = store.NewMemoryStore()
	}
	s.audit = audit.New(s.backend, deps.Bus)

	var err error
	s.router, err = router.NewComplexityRouter(s.cfg.Router, router.WithAudit(s.audit), router.WithLogger(s.log.With().Str("part", "router").Logger()))
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	s.authz = deps.Authorizer
	if s.authz == nil {
		pa, err := auth.NewPolicyAuthorizer(s.cfg.Auth, auth.WithLogger(s.log.With().Str("part", "auth").Logger()))
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		s.authz = pa
	}

	s.detector = deps.Detector
	if s.detector == nil {
		s.detector = safety.NewDefaultDetector()
	}

	s.llm = deps.Dispatcher
	if s.llm == nil {
		providers, err := llm.NewProvidersFromConfig(s.cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("providers: %w", err)
		}
		s.llm = llm.NewDispatcher(providers, s.cfg.LLM, llm.WithAudit(s.audit))
	}

	toolInvoker := deps.Tools
	if toolInvoker == nil {
		reg := tools.NewRegistry()
		if err := tools.RegisterBuiltins(reg); err != nil {
			return nil, fmt.Errorf("tools: %w", err)
		}
		toolInvoker = reg
	}

	coord := deps.Memory
	if coord == nil {
		coord = memory.NewCoordinator(memory.CoordinatorConfig{Memory: s.cfg.Memory, Audit: s.audit})
	}
	s.memory = &memoryBridge{coord: coord, log: s.log}

	s.catalog, err = newCatalog(s.cfg.Workflows, s.llm, toolInvoker)
	if err != nil {
		return nil, fmt.Errorf("workflow catalog: %w", err)
	}

	s.engine = workflow.NewEngine(s.backend, s.backend, s.cfg.Workflow,
		workflow.WithAudit(s.audit), workflow.WithOwner(s.owner))

	planWF := s.cfg.Workflow
	if s.cfg.Planning.NodeTimeout > 0 {
		planWF.NodeTimeout = s.cfg.Planning.NodeTimeout
	}
	s.planEngine = workflow.NewEngine(s.backend, s.backend, planWF,
		workflow.WithAudit(s.audit), workflow.WithOwner(s.owner))

	analyzer, planner, reflector := deps.Analyzer, deps.Planner, deps.Reflector
	if analyzer == nil {
		analyzer = planning.NewLLMAnalyzer(s.llm)
	}
	if planner == nil {
		planner = planning.NewLLMPlanner(s.llm)
	}
	if reflector == nil {
		reflector = planning.NewLLMReflector(s.llm)
	}
	runner := planning.NewActionRunner(s.llm, toolInvoker, planning.WithLauncher(s.catalog.launcher(s.engine)))
	loopOpts := append([]planning.LoopOption{
		planning.WithAudit(s.audit),
		planning.WithProviderCeiling(s.llm.MaxConcurrentPerProvider()),
	}, s.loopOpts...)
	s.loop = planning.NewLoop(s.planEngine, analyzer, planner, reflector, runner, s.cfg.Planning, loopOpts...)

	s.assembler = response.NewAssembler(s.audit, response.WithDefaultRetryAfter(s.cfg.LLM.DefaultRetryAfter))

	s.stages = []Stage{
		validateStage{},
		safetyStage{s},
		authStage{s},
		routeStage{s},
		memoryReadStage{s},
		executeStage{s},
	}

	s.log.Info().
		Str("owner", s.owner).
		Strs("workflows", s.catalog.names()).
		Msg("orchestrator ready")
	return s, nil
}

// Router exposes the router, for dry-run scoring.
func (s *Service) Router() *router.ComplexityRouter { return s.router }

// Dispatcher exposes the provider dispatcher.
func (s *Service) Dispatcher() *llm.Dispatcher { return s.llm }

// Stats returns a copy of the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.TierCounts = make(map[types.Tier]int, len(s.stats.TierCounts))
	for k, v := range s.stats.TierCounts {
		out.TierCounts[k] = v
	}
	return out
}

func (s *Service) bump(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGRESS
// ═══════════════════════════════════════════════════════════════════════════════

// Handle runs a command through the pipeline and always returns an envelope.
func (s *Service) Handle(ctx context.Context, cmd *types.Command) *response.Envelope {
	s.bump(func(st *Stats) { st.Commands++ })
	if cmd == nil {
		return s.assembler.Assemble(ctx, response.Result{Err: errs.User(errs.WFInvalidCommand, "no command was given")})
	}

	st := &commandState{cmd: cmd}
	var err error
	for _, stage := range s.stages {
		if err = stage.Execute(ctx, st); err != nil {
			s.log.Debug().Err(err).Str("stage", stage.Name()).Str("command_id", cmd.ID).Msg("pipeline stopped")
			break
		}
	}

	res := response.Result{
		Command:      cmd,
		Rationale:    st.rationale,
		Work:         st.work,
		InputsNeeded: st.inputs,
		Memory:       response.MemoryFromBundle(st.bundle),
		Err:          err,
	}
	if st.executed && st.tier() != types.TierA {
		res.Memory = s.memory.write(ctx, cmd, st.work, err, res.Memory)
	}
	s.count(st.work, err)
	return s.assembler.Assemble(ctx, res)
}

// Resume continues a suspended thread with the caller's input.
func (s *Service) Resume(ctx context.Context, threadID string, payload map[string]any) *response.Envelope {
	s.bump(func(st *Stats) { st.Resumes++ })
	cp, err := s.engine.Status(ctx, threadID)
	cmd := s.followUp("RESUME", threadID, cp)
	if err != nil {
		return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: err})
	}

	var (
		work      *response.WorkSection
		inputs    map[string]any
		rationale string
	)
	if cp.GraphID == planning.GraphID {
		out, rerr := s.loop.Resume(ctx, threadID, payload)
		work, inputs = workFromPlan(out)
		err = rerr
		if err == nil {
			var note string
			note, err = s.finishDowngrade(ctx, threadID, out, work)
			rationale = joinNote("resumed plan", note)
		}
	} else {
		g, ok := s.catalog.byID(cp.GraphID)
		if !ok {
			return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: errs.User(errs.WFInvalidGraph,
				fmt.Sprintf("thread %s belongs to workflow %s, which is no longer configured", threadID, cp.GraphID))})
		}
		out, rerr := s.engine.Resume(ctx, threadID, g, payload)
		work = workFromOutcome(g.Tier, out)
		if out != nil {
			inputs = out.InputsNeeded
		}
		err = rerr
		rationale = "resumed workflow " + cp.GraphID
	}

	res := response.Result{Command: cmd, Rationale: rationale, Work: work, InputsNeeded: inputs, Err: err}
	if work != nil {
		res.Memory = s.memory.write(ctx, cmd, work, err, nil)
	}
	s.count(work, err)
	return s.assembler.Assemble(ctx, res)
}

// Step runs exactly one node of an existing thread.
func (s *Service) Step(ctx context.Context, threadID string) *response.Envelope {
	cp, err := s.engine.Status(ctx, threadID)
	cmd := s.followUp("STEP", threadID, cp)
	if err != nil {
		return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: err})
	}

	var work *response.WorkSection
	if cp.GraphID == planning.GraphID {
		out, serr := s.loop.Step(ctx, threadID)
		work, _ = workFromPlan(out)
		err = serr
	} else {
		g, ok := s.catalog.byID(cp.GraphID)
		if !ok {
			return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: errs.User(errs.WFInvalidGraph,
				fmt.Sprintf("thread %s belongs to workflow %s, which is no longer configured", threadID, cp.GraphID))})
		}
		out, serr := s.engine.Step(ctx, threadID, g)
		work = workFromOutcome(g.Tier, out)
		err = serr
	}
	return s.assembler.Assemble(ctx, response.Result{Command: cmd, Rationale: "stepped " + cp.GraphID, Work: work, Err: err})
}

// Cancel stops a thread at its next node boundary, or at once when nothing
// is running.
func (s *Service) Cancel(ctx context.Context, threadID string) *response.Envelope {
	cp, err := s.engine.Status(ctx, threadID)
	cmd := s.followUp("CANCEL", threadID, cp)
	if err != nil {
		return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: err})
	}

	engine := s.engine
	if cp.GraphID == planning.GraphID {
		engine = s.planEngine
	}
	if err := engine.Cancel(ctx, threadID); err != nil {
		return s.assembler.Assemble(ctx, response.Result{Command: cmd, Err: err})
	}

	work := &response.WorkSection{ThreadID: threadID, GraphID: cp.GraphID, Status: string(store.StatusFailed), Reason: "cancelled"}
	if latest, err := s.engine.Status(ctx, threadID); err == nil {
		work.Status = string(latest.Status)
		work.CheckpointID = latest.CheckpointID
		work.Reason = latest.Reason
	}
	return s.assembler.Assemble(ctx, response.Result{Command: cmd, Rationale: "cancellation requested", Work: work})
}

// Status returns the latest checkpoint of a thread.
func (s *Service) Status(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	return s.engine.Status(ctx, threadID)
}

// History returns every checkpoint of a thread, oldest first.
func (s *Service) History(ctx context.Context, threadID string) ([]store.Checkpoint, error) {
	return s.engine.History(ctx, threadID)
}

// followUp is the command recorded for operations on an existing thread. It
// carries the user and role the thread was started with, when the checkpoint
// has them.
func (s *Service) followUp(kind, threadID string, cp *store.Checkpoint) *types.Command {
	cmd := &types.Command{ID: uuid.NewString(), Type: kind, ThreadID: threadID, Channel: "api"}
	if cp == nil || len(cp.State) == 0 {
		return cmd
	}
	var owner struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(cp.State, &owner); err != nil {
		s.log.Warn().Err(err).Str("thread_id", threadID).Msg("checkpoint state has no readable owner")
		return cmd
	}
	cmd.UserID, cmd.Role = owner.UserID, owner.Role
	return cmd
}

// ownerState is the part of a thread's initial state that identifies who
// started it.
func ownerState(c *types.Command) map[string]any {
	return map[string]any{keyUser: c.UserID, keyRole: c.Role}
}

func (s *Service) count(work *response.WorkSection, err error) {
	s.bump(func(st *Stats) {
		switch {
		case err != nil:
			st.Failed++
		case work == nil:
		case work.Status == string(store.StatusSuspended):
			st.Suspended++
		case work.Status == string(store.StatusCompleted):
			st.Completed++
		}
	})
}

func joinNote(base, note string) string {
	if note == "" {
		return base
	}
	return base + "; " + note
}
