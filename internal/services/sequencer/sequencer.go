// Package sequencer converts an ordered instruction list into confirmed
// ledger state, one step at a time.
package sequencer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/venue"
	"github.com/vadiminshakov/tightloop/pkg/retrier"
)

const (
	defaultLiveRetries     = 3
	defaultRetryInterval   = 500 * time.Millisecond
	defaultRetryMaxBackoff = 10 * time.Second
)

// Executor runs single instructions and atomic groups through the tight loop.
type Executor interface {
	Execute(ctx context.Context, in domain.Instruction, md domain.MarketData) (domain.ExecutionRecord, error)
	ExecuteGroup(ctx context.Context, g domain.AtomicGroup, md domain.MarketData) (domain.GroupOutcome, error)
}

// forgetter is implemented by executors that keep per-instruction state
// across retries.
type forgetter interface {
	Forget(id string)
}

// Gate reports whether the risk circuit breaker has tripped.
type Gate interface {
	Halted() bool
}

// Config tunes sequencing.
type Config struct {
	Mode domain.RunMode
	// MaxRetries bounds live retries of a single instruction. Simulated runs never retry.
	MaxRetries    int
	RetryInterval time.Duration
	// ParallelVenues runs venue-disjoint steps concurrently in live mode.
	ParallelVenues bool
	// MaxInFlight bounds concurrently running steps when ParallelVenues is set.
	MaxInFlight int
}

// Outcome is everything a Run produced.
type Outcome struct {
	Records []domain.ExecutionRecord
	Groups  []domain.GroupOutcome
	// Errors holds non-halting errors logged along the way.
	Errors []error
	Halted bool
}

// Sequencer drives instructions through the tight loop.
type Sequencer struct {
	exec    Executor
	cfg     Config
	gate    Gate
	logger  *zap.Logger
	retrier *retrier.Retrier

	mu        sync.Mutex
	pending   map[string]bool // id -> grouped
	cancelled map[string]struct{}
	venueSems map[string]*semaphore.Weighted
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithGate installs the risk gate consulted before leverage-increasing steps.
func WithGate(g Gate) Option {
	return func(s *Sequencer) {
		s.gate = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetrier overrides the live retry policy.
func WithRetrier(r *retrier.Retrier) Option {
	return func(s *Sequencer) {
		if r != nil {
			s.retrier = r
		}
	}
}

// New creates a sequencer.
func New(exec Executor, cfg Config, opts ...Option) (*Sequencer, error) {
	if exec == nil {
		return nil, errors.New("sequencer requires an executor")
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeSimulated
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("incorrect 'execution.max_retries' param in yaml config")
	}
	if cfg.MaxRetries == 0 && cfg.Mode == domain.ModeLive {
		cfg.MaxRetries = defaultLiveRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}

	s := &Sequencer{
		exec:      exec,
		cfg:       cfg,
		logger:    zap.NewNop(),
		pending:   make(map[string]bool),
		cancelled: make(map[string]struct{}),
		venueSems: make(map[string]*semaphore.Weighted),
	}

	retries := cfg.MaxRetries
	if cfg.Mode == domain.ModeSimulated {
		retries = 0
	}
	s.retrier = retrier.New(
		retrier.WithMaxRetries(retries),
		retrier.WithInitialInterval(cfg.RetryInterval),
		retrier.WithMaxInterval(defaultRetryMaxBackoff),
		retrier.WithRetryIf(retryable),
		retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("retrying instruction",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	)

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// retryable limits retries to transient venue failures. Reconciliation
// mismatches and configuration errors are never retried.
func retryable(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeVenueError, domain.CodeVenueTimeout:
		return venue.IsRetryable(err)
	}
	return false
}

// Cancel marks a pending, non-grouped instruction as cancelled. It takes
// effect if the instruction has not been submitted yet.
func (s *Sequencer) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grouped, ok := s.pending[id]
	if !ok {
		return errors.Errorf("instruction %s is not pending", id)
	}
	if grouped {
		return errors.Errorf("instruction %s belongs to an atomic group and cannot be cancelled", id)
	}
	s.cancelled[id] = struct{}{}
	return nil
}

// Run executes the instructions in order. It stops at the first critical or
// high error and returns it together with everything completed so far.
func (s *Sequencer) Run(ctx context.Context, instructions []domain.Instruction, md domain.MarketData) (Outcome, error) {
	steps, err := domain.Steps(instructions)
	if err != nil {
		return Outcome{}, domain.WrapError(err, domain.CodePlanningFailed, domain.SeverityCritical, "segment instructions")
	}

	s.track(instructions)
	defer s.untrack(instructions)

	if s.cfg.ParallelVenues && s.cfg.Mode == domain.ModeLive {
		return s.runWaves(ctx, steps, md)
	}

	var out Outcome
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return out, domain.WrapError(err, domain.CodeInstructionCancelled, domain.SeverityHigh, "sequence cancelled before %s", step.ID())
		}

		res := s.runStep(ctx, step, md)
		out.add(res)
		if res.err == nil {
			continue
		}
		if domain.SeverityOf(res.err).Halts() {
			out.Halted = true
			return out, res.err
		}
		s.logger.Warn("non-halting step failure", zap.String("step", step.ID()), zap.Error(res.err))
		out.Errors = append(out.Errors, res.err)
	}

	return out, nil
}

type stepResult struct {
	record *domain.ExecutionRecord
	group  *domain.GroupOutcome
	err    error
}

func (o *Outcome) add(r stepResult) {
	if r.record != nil {
		o.Records = append(o.Records, *r.record)
	}
	if r.group != nil {
		o.Groups = append(o.Groups, *r.group)
		o.Records = append(o.Records, r.group.Records...)
	}
}

func (s *Sequencer) runStep(ctx context.Context, step domain.Step, md domain.MarketData) stepResult {
	if step.IncreasesLeverage() && s.gate != nil && s.gate.Halted() {
		err := domain.NewError(domain.CodeRiskBreach, domain.SeverityHigh,
			"circuit breaker tripped, refusing leverage-increasing step %s", step.ID())
		if step.Instruction != nil {
			err = err.WithInstruction(step.Instruction.ID)
			rec := s.rejected(*step.Instruction, md, domain.ExecutionFailed, err)
			return stepResult{record: &rec, err: err}
		}
		return stepResult{group: &domain.GroupOutcome{Group: *step.Group, Status: domain.ExecutionFailed, Error: err.Error()}, err: err}
	}

	if step.Group != nil {
		s.submitted(step.Group.Instructions...)
		out, err := s.exec.ExecuteGroup(ctx, *step.Group, md)
		return stepResult{group: &out, err: err}
	}

	in := *step.Instruction
	if err := s.claim(in.ID); err != nil {
		rec := s.rejected(in, md, domain.ExecutionCancelled, err)
		return stepResult{record: &rec, err: err}
	}

	var rec domain.ExecutionRecord
	attempts, err := s.retrier.DoCount(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.exec.Execute(ctx, in, md)
		return err
	})
	if f, ok := s.exec.(forgetter); ok {
		f.Forget(in.ID)
	}
	rec.Attempts = attempts
	return stepResult{record: &rec, err: err}
}

// runWaves partitions steps into waves of venue-disjoint steps and runs each
// wave concurrently. Per-venue order is preserved because a step touching a
// venue already in the wave starts the next wave.
func (s *Sequencer) runWaves(ctx context.Context, steps []domain.Step, md domain.MarketData) (Outcome, error) {
	var out Outcome
	for _, wave := range waves(steps) {
		results := make([]stepResult, len(wave))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxInFlight)
		for i, step := range wave {
			g.Go(func() error {
				release, err := s.acquire(gctx, step.Venues())
				if err != nil {
					results[i] = stepResult{err: domain.WrapError(err, domain.CodeInstructionCancelled, domain.SeverityHigh, "step %s not started", step.ID())}
					return nil
				}
				defer release()

				results[i] = s.runStep(gctx, step, md)
				if results[i].err != nil && domain.SeverityOf(results[i].err).Halts() {
					return results[i].err
				}
				return nil
			})
		}
		haltErr := g.Wait()

		for i, r := range results {
			out.add(r)
			if r.err != nil && !domain.SeverityOf(r.err).Halts() {
				s.logger.Warn("non-halting step failure", zap.String("step", wave[i].ID()), zap.Error(r.err))
				out.Errors = append(out.Errors, r.err)
			}
		}
		if haltErr != nil {
			out.Halted = true
			return out, haltErr
		}
	}
	return out, nil
}

func waves(steps []domain.Step) [][]domain.Step {
	var (
		out  [][]domain.Step
		cur  []domain.Step
		busy = map[string]struct{}{}
	)
	for _, st := range steps {
		conflict := false
		for _, v := range st.Venues() {
			if _, ok := busy[v]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			out = append(out, cur)
			cur = nil
			busy = map[string]struct{}{}
		}
		cur = append(cur, st)
		for _, v := range st.Venues() {
			busy[v] = struct{}{}
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (s *Sequencer) acquire(ctx context.Context, venues []string) (func(), error) {
	sorted := append([]string(nil), venues...)
	sort.Strings(sorted)

	held := make([]*semaphore.Weighted, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, v := range sorted {
		sem := s.venueSem(v)
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, sem)
	}
	return release, nil
}

func (s *Sequencer) venueSem(v string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.venueSems[v]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.venueSems[v] = sem
	}
	return sem
}

func (s *Sequencer) rejected(in domain.Instruction, md domain.MarketData, status domain.ExecutionStatus, err error) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		Instruction: in,
		Status:      status,
		LogicalTime: md.Timestamp,
		StartedAt:   time.Now(),
		Error:       err.Error(),
	}
}

func (s *Sequencer) track(instructions []domain.Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range instructions {
		s.pending[in.ID] = in.Grouped()
	}
}

func (s *Sequencer) untrack(instructions []domain.Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range instructions {
		delete(s.pending, in.ID)
		delete(s.cancelled, in.ID)
	}
}

func (s *Sequencer) submitted(ins ...domain.Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range ins {
		delete(s.pending, in.ID)
	}
}

// claim moves id out of pending unless it was cancelled. Once claimed, Cancel
// reports the instruction as no longer pending.
func (s *Sequencer) claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if _, ok := s.cancelled[id]; ok {
		return domain.NewError(domain.CodeInstructionCancelled, domain.SeverityMedium, "instruction cancelled before submission").WithInstruction(id)
	}
	return nil
}
