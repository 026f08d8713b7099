package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/pkg/types"
)

// CallResult records one attempt against one provider. The dispatcher emits
// one per attempt, successful or not, so a fallback chain can be replayed
// from the audit log.
type CallResult struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model,omitempty"`
	Attempt   int           `json:"attempt"`
	OK        bool          `json:"ok"`
	Latency   time.Duration `json:"latency"`
	Cost      float64       `json:"cost"`
	Class     string        `json:"class,omitempty"`
	Code      errs.Code     `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	ThreadID  string        `json:"thread_id,omitempty"`
	CommandID string        `json:"command_id,omitempty"`
	Purpose   string        `json:"purpose,omitempty"`
}

// DispatchResult is the outcome of one logical call.
type DispatchResult struct {
	Response *Response    `json:"response,omitempty"`
	Provider string       `json:"provider,omitempty"`
	Attempts []CallResult `json:"attempts"`
	// Skipped lists candidates passed over because their circuit was open.
	Skipped []string `json:"skipped,omitempty"`
	Cost    float64  `json:"cost"`
}

// DispatcherStats tracks dispatcher activity.
type DispatcherStats struct {
	Calls     int64 `json:"calls"`
	Attempts  int64 `json:"attempts"`
	Fallbacks int64 `json:"fallbacks"`
	Fatal     int64 `json:"fatal"`
	Exhausted int64 `json:"exhausted"`
	Skipped   int64 `json:"skipped"`
}

// Dispatcher walks candidate providers in priority order.
type Dispatcher struct {
	cfg   config.LLMConfig
	audit *audit.Recorder
	log   zerolog.Logger
	now   func() time.Time

	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*breaker
	sems      map[string]*semaphore.Weighted
	stats     DispatcherStats
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAudit sends every CallResult to the recorder.
func WithAudit(r *audit.Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.audit = r }
}

// WithClock overrides the time source used by the circuit breakers.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher creates a Dispatcher over the given providers.
func NewDispatcher(providers map[string]Provider, cfg config.LLMConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		log:       logging.Component("dispatcher"),
		now:       time.Now,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*breaker),
		sems:      make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.MaxConcurrentPerProvider <= 0 {
		d.cfg.MaxConcurrentPerProvider = 1
	}
	for name, p := range providers {
		d.register(name, p)
	}
	return d
}

// Register adds or replaces a provider under its own name.
func (d *Dispatcher) Register(p Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.register(p.Name(), p)
}

func (d *Dispatcher) register(name string, p Provider) {
	d.providers[name] = p
	d.breakers[name] = newBreaker(d.cfg.Breaker.FailureThreshold, d.cfg.Breaker.Cooldown, func() time.Time { return d.now() })
	d.sems[name] = semaphore.NewWeighted(int64(d.cfg.MaxConcurrentPerProvider))
}

// MaxConcurrentPerProvider is the ceiling callers fanning out must respect.
func (d *Dispatcher) MaxConcurrentPerProvider() int { return d.cfg.MaxConcurrentPerProvider }

// Rates returns the configured cost rates.
func (d *Dispatcher) Rates() map[string]config.CostRate { return d.cfg.CostRates }

// BreakerState reports the circuit state of a provider.
func (d *Dispatcher) BreakerState(name string) BreakerState {
	d.mu.RLock()
	b, ok := d.breakers[name]
	d.mu.RUnlock()
	if !ok {
		return BreakerClosed
	}
	return b.state()
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

// CallTier dispatches using the candidate chain configured for the tier.
func (d *Dispatcher) CallTier(ctx context.Context, req *Request, tier types.Tier) (*DispatchResult, error) {
	return d.Call(ctx, req, d.cfg.CandidatesFor(tier))
}

// Call sends req to each candidate in order until one succeeds.
//
// A transient failure moves straight to the next candidate; the same
// candidate is never retried within one call. A fatal failure ends the call
// without touching later candidates. The returned DispatchResult is non-nil
// whenever any attempt was made, including on error.
func (d *Dispatcher) Call(ctx context.Context, req *Request, candidates []string) (*DispatchResult, error) {
	if len(candidates) == 0 {
		return nil, errs.System(errs.LLMNoCandidates, "no language model is configured for this request", nil)
	}

	d.mu.RLock()
	chain := make([]Provider, len(candidates))
	breakers := make([]*breaker, len(candidates))
	sems := make([]*semaphore.Weighted, len(candidates))
	for i, name := range candidates {
		p, ok := d.providers[name]
		if !ok {
			d.mu.RUnlock()
			return nil, errs.System(errs.LLMUnknownProvider, "language model configuration is invalid", fmt.Errorf("unknown provider %q", name))
		}
		chain[i], breakers[i], sems[i] = p, d.breakers[name], d.sems[name]
	}
	d.mu.RUnlock()

	d.bump(func(s *DispatcherStats) { s.Calls++ })
	log := logging.WithThread(d.log, req.ThreadID, req.CommandID)

	res := &DispatchResult{}
	var lastErr error
	var retryAfter time.Duration

	for i, p := range chain {
		name := candidates[i]
		if err := ctx.Err(); err != nil {
			return res, errs.Transient(errs.LLMTimeout, "the request was cancelled", err)
		}

		b := breakers[i]
		if !b.allow() {
			log.Debug().Str("provider", name).Msg("circuit open, skipping provider")
			res.Skipped = append(res.Skipped, name)
			d.bump(func(s *DispatcherStats) { s.Skipped++ })
			d.audit.Record(ctx, audit.Entry{
				Type:      bus.EventProviderSkipped,
				ThreadID:  req.ThreadID,
				CommandID: req.CommandID,
				Payload:   map[string]any{"provider": name, "state": string(b.state())},
			})
			continue
		}

		resp, cr, err := d.attempt(ctx, p, sems[i], req, len(res.Attempts)+1)
		res.Attempts = append(res.Attempts, cr)
		res.Cost += cr.Cost
		d.bump(func(s *DispatcherStats) { s.Attempts++ })
		d.audit.Record(ctx, audit.Entry{
			Type:      bus.EventProviderCall,
			ThreadID:  req.ThreadID,
			CommandID: req.CommandID,
			Payload:   cr,
		})

		if err == nil {
			b.success()
			res.Response = resp
			res.Provider = name
			log.Debug().Str("provider", name).Int("attempts", len(res.Attempts)).Dur("latency", cr.Latency).Msg("provider call succeeded")
			return res, nil
		}

		// The caller gave up; that says nothing about the provider.
		if ctx.Err() != nil {
			b.release()
			return res, errs.Transient(errs.LLMTimeout, "the request was cancelled", ctx.Err())
		}

		cls := Classify(err)
		if cls.Class == ClassFatal {
			b.release()
			d.bump(func(s *DispatcherStats) { s.Fatal++ })
			log.Warn().Err(err).Str("provider", name).Str("code", string(cls.Code)).Msg("fatal provider error, aborting fallback chain")
			return res, errs.System(cls.Code, "the language model rejected the request", err)
		}

		b.failure()
		lastErr = err
		if cls.RetryAfter > retryAfter {
			retryAfter = cls.RetryAfter
		}
		if i < len(chain)-1 {
			d.bump(func(s *DispatcherStats) { s.Fallbacks++ })
		}
		log.Warn().Err(err).Str("provider", name).Str("code", string(cls.Code)).Msg("transient provider error, trying next candidate")
	}

	d.bump(func(s *DispatcherStats) { s.Exhausted++ })
	if retryAfter == 0 {
		retryAfter = d.cfg.DefaultRetryAfter
	}
	if lastErr == nil {
		lastErr = errors.New("every candidate circuit is open")
	}
	return res, errs.Transient(errs.LLMAllExhausted, "all language model providers are unavailable, please retry later", lastErr).
		WithRetryAfter(retryAfter)
}

// attempt makes one bounded call. Waiting for a concurrency slot counts
// against the attempt's timeout.
func (d *Dispatcher) attempt(ctx context.Context, p Provider, sem *semaphore.Weighted, req *Request, n int) (*Response, CallResult, error) {
	cr := CallResult{
		Provider:  p.Name(),
		Model:     req.Model,
		Attempt:   n,
		ThreadID:  req.ThreadID,
		CommandID: req.CommandID,
		Purpose:   req.Purpose,
	}
	if cr.Model == "" {
		if dm, ok := p.(interface{ DefaultModel() string }); ok {
			cr.Model = dm.DefaultModel()
		}
	}

	actx := ctx
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	var resp *Response
	err := sem.Acquire(actx, 1)
	if err == nil {
		resp, err = p.Chat(actx, req)
		sem.Release(1)
		if err == nil && resp == nil {
			err = &ProviderError{Provider: p.Name(), Malformed: true, err: errors.New("empty response")}
		}
	}
	cr.Latency = time.Since(start)

	if err != nil {
		cls := Classify(err)
		cr.Class = cls.Class.String()
		cr.Code = cls.Code
		cr.Error = err.Error()
		return nil, cr, err
	}

	cr.OK = true
	if resp.Model != "" {
		cr.Model = resp.Model
	}
	cr.Cost = Cost(d.cfg.CostRates, p.Name(), resp)
	return resp, cr, nil
}

func (d *Dispatcher) bump(fn func(*DispatcherStats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
