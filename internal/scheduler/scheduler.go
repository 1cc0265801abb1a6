// Package scheduler triggers sync runs per timeframe on fixed intervals.
package scheduler

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/pipeline"
)

// Runner executes one sync run.
type Runner interface {
	RunSync(ctx context.Context, req pipeline.Request) pipeline.Summary
}

// Notifier receives every finished run.
type Notifier interface {
	Notify(ctx context.Context, sum pipeline.Summary)
}

// Scheduler ticks every configured timeframe on its own interval. A tick
// that fires while the previous run for the same timeframe is still going
// is skipped, never queued.
type Scheduler struct {
	runner     Runner
	intervals  map[model.Timeframe]time.Duration
	notifiers  []Notifier
	runOnStart bool

	running map[model.Timeframe]*atomic.Bool
	skipped map[model.Timeframe]*atomic.Int64
	wg      sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithNotifier adds a receiver for run summaries.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifiers = append(s.notifiers, n) }
}

// WithRunOnStart fires every timeframe once as soon as Run starts.
func WithRunOnStart(on bool) Option {
	return func(s *Scheduler) { s.runOnStart = on }
}

// New creates a Scheduler. Timeframes with a non-positive interval are ignored.
func New(runner Runner, intervals map[model.Timeframe]time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:    runner,
		intervals: make(map[model.Timeframe]time.Duration),
		running:   make(map[model.Timeframe]*atomic.Bool),
		skipped:   make(map[model.Timeframe]*atomic.Int64),
	}
	for tf, d := range intervals {
		if d <= 0 {
			continue
		}
		s.intervals[tf] = d
		s.running[tf] = new(atomic.Bool)
		s.skipped[tf] = new(atomic.Int64)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeframes returns the scheduled timeframes in a stable order.
func (s *Scheduler) Timeframes() []model.Timeframe {
	out := make([]model.Timeframe, 0, len(s.intervals))
	for tf := range s.intervals {
		out = append(out, tf)
	}
	slices.SortFunc(out, func(a, b model.Timeframe) int {
		return cmp.Compare(span(a), span(b))
	})
	return out
}

// span orders timeframes by length; calendar months sort last.
func span(tf model.Timeframe) time.Duration {
	if d := tf.Step(); d > 0 {
		return d
	}
	return 31 * 24 * time.Hour
}

// Run blocks until ctx is cancelled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) {
	var loops sync.WaitGroup
	for _, tf := range s.Timeframes() {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, tf, s.intervals[tf])
		}()
	}
	slog.Info("[scheduler] started", "timeframes", len(s.intervals))
	loops.Wait()
	s.wg.Wait()
	slog.Info("[scheduler] stopped")
}

func (s *Scheduler) loop(ctx context.Context, tf model.Timeframe, every time.Duration) {
	if s.runOnStart {
		s.fire(ctx, tf)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, tf)
		}
	}
}

// fire starts a run in the background unless one is in progress.
func (s *Scheduler) fire(ctx context.Context, tf model.Timeframe) {
	flag := s.running[tf]
	if !flag.CompareAndSwap(false, true) {
		s.skipped[tf].Add(1)
		slog.Warn("[scheduler] previous run still in progress, skipping tick", "timeframe", tf)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer flag.Store(false)
		s.run(ctx, tf)
	}()
}

// Trigger runs tf synchronously. It reports false without running when a
// run for tf is already in progress or tf is not scheduled.
func (s *Scheduler) Trigger(ctx context.Context, tf model.Timeframe) (pipeline.Summary, bool) {
	flag, ok := s.running[tf]
	if !ok || !flag.CompareAndSwap(false, true) {
		if ok {
			s.skipped[tf].Add(1)
		}
		return pipeline.Summary{}, false
	}
	defer flag.Store(false)
	return s.run(ctx, tf), true
}

func (s *Scheduler) run(ctx context.Context, tf model.Timeframe) pipeline.Summary {
	sum := s.runner.RunSync(ctx, pipeline.Request{Timeframes: []model.Timeframe{tf}})
	for _, n := range s.notifiers {
		n.Notify(ctx, sum)
	}
	return sum
}

// Skipped returns how many ticks for tf were dropped because a run was
// still in progress.
func (s *Scheduler) Skipped(tf model.Timeframe) int64 {
	if c, ok := s.skipped[tf]; ok {
		return c.Load()
	}
	return 0
}
