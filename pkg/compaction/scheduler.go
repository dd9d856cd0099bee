package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/iterator"
	"github.com/CyberFlameGO/ceresdb/pkg/listener"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/retry"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type State int32

const (
	Idle State = iota
	Selecting
	Merging
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case Merging:
		return "merging"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// Host is the table a scheduler compacts.
type Host interface {
	Manifest() *manifest.Manifest
	OpenSegment(ctx context.Context, seg *manifest.Segment) (*sst.Reader, error)
	SegmentPath(id uint64) string
	// SafeWatermark returns the oldest sequence readers may still ask for.
	// Reads below it are refused from then on.
	SafeWatermark() types.SeqN
	// MemoryHasOlder reports whether unflushed data holds a version of key
	// older than seq.
	MemoryHasOlder(key []byte, seq types.SeqN) bool
	// ReportCorruption is told about every corrupt input.
	ReportCorruption(ctx context.Context, err *dberrors.CorruptionError)
}

// Result describes one round.
type Result struct {
	ID          uuid.UUID
	Inputs      []uint64
	Outputs     []uint64
	InputBytes  uint64
	OutputBytes uint64
	InputRows   uint64
	OutputRows  uint64
	// Tombstones is the number of garbage collected tombstones.
	Tombstones int
	Retries    int
	// Deferred is set when the round gave up after repeated conflicts.
	Deferred bool
	Version  uint64
	Duration time.Duration
}

// Empty reports whether the round found nothing to compact.
func (r Result) Empty() bool { return len(r.Inputs) == 0 }

// Scheduler runs compaction rounds for one table, one at a time.
type Scheduler struct {
	*listener.Listener[struct{}]

	host   Host
	store  objstore.Store
	opts   Options
	wopts  *sst.WriterOptions
	retry  retry.Policy
	limit  *rate.Limiter
	logger *slog.Logger

	trigger chan struct{}
	state   atomic.Int32
	mu      sync.Mutex // one round at a time

	tickerStop chan struct{}
	tickerWG   sync.WaitGroup
	rounds     atomic.Uint64
}

func New(host Host, store objstore.Store, opts Options, wopts *sst.WriterOptions, rp retry.Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		host:    host,
		store:   store,
		opts:    opts.norm(),
		wopts:   wopts,
		retry:   rp,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
	if s.opts.WriteRate > 0 {
		s.limit = rate.NewLimiter(rate.Limit(s.opts.WriteRate), s.opts.WriteRate)
	}
	s.Listener = listener.New("compaction", s.trigger, s.handle)
	return s
}

// Start runs rounds on Trigger and every Interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.opts.Disabled {
		return
	}
	s.Listener.Start(ctx)

	s.tickerStop = make(chan struct{})
	s.tickerWG.Add(1)
	go func() {
		defer s.tickerWG.Done()
		t := time.NewTicker(s.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Trigger()
			case <-s.tickerStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the current round between steps and waits for it. A commit
// already in progress is completed.
func (s *Scheduler) Stop() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerWG.Wait()
		s.tickerStop = nil
	}
	s.Listener.Stop()
}

// Trigger asks for a round without waiting for it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Rounds counts the rounds that changed the manifest.
func (s *Scheduler) Rounds() uint64 { return s.rounds.Load() }

func (s *Scheduler) handle(ctx context.Context, _ struct{}) error {
	res, err := s.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	// another round may have become possible
	if !res.Empty() && !res.Deferred {
		s.Trigger()
	}
	return nil
}

// RunOnce runs a single round to completion.
func (s *Scheduler) RunOnce(ctx context.Context) (res Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.state.Store(int32(Idle))

	start := time.Now()
	res.ID = uuid.New()
	logger := s.logger.With("round", res.ID)

	for {
		done, err := s.round(ctx, &res, logger)
		if err != nil {
			var cerr *dberrors.CorruptionError
			if errors.As(err, &cerr) {
				s.host.ReportCorruption(ctx, cerr)
			}
			return res, err
		}
		if done {
			break
		}
		if res.Retries >= s.opts.MaxRetries {
			res.Deferred = true
			logger.Warn("compaction deferred after repeated manifest conflicts", "retries", res.Retries)
			break
		}
	}
	res.Duration = time.Since(start)

	if !res.Empty() && !res.Deferred {
		s.rounds.Add(1)
		logger.Info("compaction finished",
			"inputs", res.Inputs,
			"outputs", res.Outputs,
			"input_bytes", res.InputBytes,
			"output_bytes", res.OutputBytes,
			"tombstones", res.Tombstones,
			"duration", res.Duration)
	}
	return res, nil
}

// round selects, merges and commits once. It reports false when a manifest
// conflict invalidated the work and the round has to start over.
func (s *Scheduler) round(ctx context.Context, res *Result, logger *slog.Logger) (bool, error) {
	s.state.Store(int32(Selecting))
	m := s.host.Manifest()
	base := m.Acquire()
	defer base.Release()

	inputs := Pick(base.Segments, s.opts)
	if len(inputs) == 0 {
		*res = Result{ID: res.ID, Retries: res.Retries}
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.state.Store(int32(Merging))
	mr, err := s.merge(ctx, base, inputs)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		deleteOutputs(context.WithoutCancel(ctx), s.store, mr.outputs)
		return false, err
	}

	s.state.Store(int32(Committing))
	// a started commit is finished even when the round is cancelled
	cctx := context.WithoutCancel(ctx)

	d := manifest.Delta{Add: mr.outputs}
	for _, in := range inputs {
		d.Remove = append(d.Remove, in.ID)
	}

	num, err := m.Install(cctx, base.Num, d)
	for errors.Is(err, dberrors.ErrManifestConflict) {
		res.Retries++
		latest := m.Acquire()
		ok := s.stillValid(latest, base, inputs, mr.dropped)
		latestNum := latest.Num
		latest.Release()
		if !ok || res.Retries >= s.opts.MaxRetries {
			logger.Info("compaction conflicted with a concurrent change, discarding outputs",
				"base", base.Num, "latest", latestNum, "retries", res.Retries)
			deleteOutputs(cctx, s.store, mr.outputs)
			return false, nil
		}
		num, err = m.Install(cctx, latestNum, d)
	}
	if err != nil {
		if errors.Is(err, dberrors.ErrInvalidArgument) {
			deleteOutputs(cctx, s.store, mr.outputs)
		}
		// otherwise the manifest may have been persisted; unreferenced
		// outputs are collected when the table is opened
		return false, fmt.Errorf("failed to install compaction: %w", err)
	}

	res.Inputs = res.Inputs[:0]
	res.InputBytes = 0
	for _, in := range inputs {
		res.Inputs = append(res.Inputs, in.ID)
		res.InputBytes += in.Meta.Size
	}
	res.Outputs = res.Outputs[:0]
	res.OutputBytes = 0
	for _, out := range mr.outputs {
		res.Outputs = append(res.Outputs, out.ID)
		res.OutputBytes += out.Meta.Size
	}
	res.InputRows = mr.inRows
	res.OutputRows = mr.outRows
	res.Tombstones = len(mr.dropped)
	res.Version = num

	return true, nil
}

func (s *Scheduler) merge(ctx context.Context, base *manifest.Version, inputs []*manifest.Segment) (mergeResult, error) {
	sources := make([]iterator.Iterator, 0, len(inputs))
	for _, in := range inputs {
		r, err := s.host.OpenSegment(ctx, in)
		if err != nil {
			for _, src := range sources {
				_ = src.Close()
			}
			return mergeResult{}, fmt.Errorf("failed to open segment %d: %w", in.ID, err)
		}
		sources = append(sources, r.Iter(sst.All))
	}

	isInput := func(id uint64) bool {
		return slices.ContainsFunc(inputs, func(seg *manifest.Segment) bool { return seg.ID == id })
	}
	mg := &merger{
		store:   s.store,
		retry:   s.retry,
		schema:  base.Schema,
		wopts:   s.wopts,
		maxSize: s.opts.MaxSegmentSize,
		limiter: s.limit,
		safe:    s.host.SafeWatermark(),
		lag:     s.opts.TombstoneGCLag,
		allocID: s.host.Manifest().AllocSegmentID,
		path:    s.host.SegmentPath,
		shadowed: func(key []byte, seq types.SeqN) bool {
			if olderOutside(base.Segments, isInput, key, seq) {
				return true
			}
			return s.host.MemoryHasOlder(key, seq)
		},
	}
	return mg.run(ctx, iterator.Merge(sources...))
}

// stillValid checks that a merge done against base may be installed on
// latest: the inputs are still live and no added segment could hold a
// version a dropped tombstone was hiding.
func (s *Scheduler) stillValid(latest, base *manifest.Version, inputs []*manifest.Segment, dropped []types.Entry) bool {
	for _, in := range inputs {
		if _, ok := latest.Segment(in.ID); !ok {
			return false
		}
	}

	var added []*manifest.Segment
	for _, seg := range latest.Segments {
		if _, ok := base.Segment(seg.ID); !ok {
			added = append(added, seg)
		}
	}
	none := func(uint64) bool { return false }
	for _, t := range dropped {
		if olderOutside(added, none, t.Key, t.Seq) {
			return false
		}
	}
	return true
}

func olderOutside(segs []*manifest.Segment, skip func(uint64) bool, key []byte, seq types.SeqN) bool {
	for _, seg := range segs {
		if skip(seg.ID) {
			continue
		}
		if seg.Meta.MinSequence < seq && seg.Meta.ContainsKey(key) {
			return true
		}
	}
	return false
}
