package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/frame"
	"github.com/nvr-ai/go-va/inference"
	"github.com/nvr-ai/go-va/profiler"
)

// SchedulingMode selects how frames move through the cascade.
type SchedulingMode int

const (
	// Synchronous processes each frame to completion before the next one
	// enters. Strict ordering, single frame in flight.
	Synchronous SchedulingMode = iota
	// LoadBalanced admits up to the pool size of frames concurrently.
	// Emission order is restored through a reorder window, a best-effort
	// guarantee rather than a strict one.
	LoadBalanced
)

// EmitFunc receives processed frames. In both modes frames are emitted in
// submission order; recoverable per-frame failures emit the frame with its
// metadata cleared.
type EmitFunc func(f *frame.Frame) error

// Config assembles a pipeline.
type Config struct {
	Stages []Stage
	Mode   SchedulingMode
	// Workers bounds in-flight frames in load-balanced mode; 0 picks the
	// stage count.
	Workers int
	Emit    EmitFunc
	// Timer, when set, accumulates per-stage latency.
	Timer *profiler.StageTimer
}

// Pipeline runs frames through its stages under the configured scheduling
// mode.
type Pipeline struct {
	log    *zap.Logger
	stages []Stage
	mode   SchedulingMode
	emit   EmitFunc
	timer  *profiler.StageTimer

	pool *Pool
	seq  *sequencer

	mu       sync.Mutex
	nextSeq  uint64
	fatalErr error
}

// New builds a pipeline.
func New(cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Stages) == 0 {
		return nil, errors.New("pipeline: no stages")
	}
	if cfg.Emit == nil {
		cfg.Emit = func(*frame.Frame) error { return nil }
	}
	p := &Pipeline{
		log:    logger,
		stages: cfg.Stages,
		mode:   cfg.Mode,
		emit:   cfg.Emit,
		timer:  cfg.Timer,
	}
	if cfg.Mode == LoadBalanced {
		workers := cfg.Workers
		if workers <= 0 {
			workers = len(cfg.Stages)
		}
		p.pool = NewPool(workers)
		p.seq = newSequencer(cfg.Emit)
	}
	return p, nil
}

// Process runs one frame through the cascade. In synchronous mode the call
// returns after the frame is emitted; in load-balanced mode it returns
// once the frame is admitted.
//
// Recoverable failures (unsupported format, a per-frame executor error)
// clear the frame's metadata and keep the stream going. Configuration
// failures stop the pipeline.
func (p *Pipeline) Process(ctx context.Context, f *frame.Frame) error {
	if err := p.fatal(); err != nil {
		return err
	}
	if p.mode == Synchronous {
		if err := p.runStages(ctx, f); err != nil {
			return err
		}
		return p.emit(f)
	}

	if err := p.pool.Acquire(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	p.mu.Unlock()

	go func() {
		defer p.pool.Release()
		if err := p.runStages(ctx, f); err != nil {
			p.setFatal(err)
		}
		if err := p.seq.put(seq, f); err != nil {
			p.setFatal(err)
		}
	}()
	return nil
}

// runStages applies every stage in order. Recoverable errors drop the
// frame's metadata and stop its cascade; the frame itself survives.
func (p *Pipeline) runStages(ctx context.Context, f *frame.Frame) error {
	for _, s := range p.stages {
		start := time.Now()
		err := s.Process(ctx, f)
		p.timer.Observe(s.Name(), time.Since(start))
		if err == nil {
			continue
		}
		if recoverable(err) {
			p.log.Warn("frame dropped from stage",
				zap.String("stage", s.Name()),
				zap.Int64("pts", f.PTS),
				zap.Error(err))
			f.Release()
			return nil
		}
		return errors.Wrapf(err, "stage %q", s.Name())
	}
	return nil
}

func recoverable(err error) bool {
	var infErr *inference.InferenceError
	return errors.Is(err, inference.ErrUnsupportedFormat) || errors.As(err, &infErr)
}

// Drain waits for every admitted frame to finish and be emitted. On EOS
// callers drain before closing; in-flight inference always completes.
func (p *Pipeline) Drain(ctx context.Context) error {
	if p.pool != nil {
		if err := p.pool.Drain(ctx); err != nil {
			return err
		}
	}
	return p.fatal()
}

// Close drains outstanding work, logs the stage timings, and closes every
// stage.
func (p *Pipeline) Close() error {
	if p.pool != nil {
		p.pool.Close()
		_ = p.pool.Drain(context.Background())
	}
	p.timer.Log(p.log)
	var first error
	for _, s := range p.stages {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if first == nil {
		first = p.fatal()
	}
	return first
}

func (p *Pipeline) setFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
}

func (p *Pipeline) fatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// sequencer re-orders completed frames back into submission order before
// emission.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*frame.Frame
	emit    EmitFunc
}

func newSequencer(emit EmitFunc) *sequencer {
	return &sequencer{pending: map[uint64]*frame.Frame{}, emit: emit}
}

// put hands over a completed frame; every frame that is next in line is
// emitted immediately.
func (s *sequencer) put(seq uint64, f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seq] = f
	for {
		nf, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		delete(s.pending, s.next)
		s.next++
		if err := s.emit(nf); err != nil {
			return err
		}
	}
}
