package compaction

import (
	"bytes"
	"slices"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
)

type Options struct {
	// Interval between background rounds; a Trigger starts one earlier.
	// Default: 30s.
	Interval time.Duration `yaml:"interval"`

	// Segments below TierMinSize bytes are merged once there are
	// TierTrigger of them. Defaults: 4MiB, 4.
	TierMinSize uint64 `yaml:"tier_min_size"`
	TierTrigger int    `yaml:"tier_trigger"`

	// MaxInputBytes bounds the inputs of one round. Zero means unlimited.
	MaxInputBytes uint64 `yaml:"max_input_bytes"`

	// Outputs are split once they reach MaxSegmentSize bytes. Default: 64MiB.
	MaxSegmentSize uint64 `yaml:"max_segment_size"`

	// TombstoneGCLag keeps tombstones around for that many sequences past
	// the safe read watermark.
	TombstoneGCLag uint64 `yaml:"tombstone_gc_lag"`

	// MaxRetries is the number of manifest conflicts a round tolerates
	// before it is deferred. Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// WriteRate throttles output uploads, in bytes per second. Zero means
	// unthrottled.
	WriteRate int `yaml:"write_rate"`

	// Disabled turns background rounds off. RunOnce still works.
	Disabled bool `yaml:"disabled"`
}

func (o Options) norm() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.TierMinSize == 0 {
		o.TierMinSize = 4 << 20
	}
	if o.TierTrigger < 2 {
		o.TierTrigger = 4
	}
	if o.MaxSegmentSize == 0 {
		o.MaxSegmentSize = 64 << 20
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	return o
}

// Pick selects the inputs of the next round, or nil when there is nothing
// worth doing. Overlapping segments come first, then runs of small ones.
func Pick(segs []*manifest.Segment, o Options) []*manifest.Segment {
	o = o.norm()

	for _, group := range overlapGroups(segs) {
		if in := bounded(group, o.MaxInputBytes); len(in) >= 2 {
			return in
		}
	}

	var small []*manifest.Segment
	for _, s := range segs {
		if s.Meta.Size < o.TierMinSize {
			small = append(small, s)
		}
	}
	if len(small) < o.TierTrigger {
		return nil
	}
	if in := bounded(small, o.MaxInputBytes); len(in) >= 2 {
		return in
	}
	return nil
}

// overlapGroups returns the connected components of key range overlap with
// at least two members, largest first.
func overlapGroups(segs []*manifest.Segment) [][]*manifest.Segment {
	sorted := slices.Clone(segs)
	slices.SortFunc(sorted, func(a, b *manifest.Segment) int {
		if c := bytes.Compare(a.Meta.MinKey, b.Meta.MinKey); c != 0 {
			return c
		}
		return cmpID(a, b)
	})

	var (
		groups [][]*manifest.Segment
		cur    []*manifest.Segment
		hi     []byte
	)
	for _, s := range sorted {
		if len(cur) > 0 && bytes.Compare(s.Meta.MinKey, hi) <= 0 {
			cur = append(cur, s)
			if bytes.Compare(s.Meta.MaxKey, hi) > 0 {
				hi = s.Meta.MaxKey
			}
			continue
		}
		if len(cur) >= 2 {
			groups = append(groups, cur)
		}
		cur = []*manifest.Segment{s}
		hi = s.Meta.MaxKey
	}
	if len(cur) >= 2 {
		groups = append(groups, cur)
	}

	slices.SortStableFunc(groups, func(a, b []*manifest.Segment) int {
		return len(b) - len(a)
	})
	return groups
}

// bounded keeps the oldest segments whose sizes fit in limit.
func bounded(segs []*manifest.Segment, limit uint64) []*manifest.Segment {
	oldest := slices.Clone(segs)
	slices.SortFunc(oldest, cmpID)

	if limit == 0 {
		return oldest
	}
	var total uint64
	for i, s := range oldest {
		total += s.Meta.Size
		if total > limit {
			return oldest[:i]
		}
	}
	return oldest
}

func cmpID(a, b *manifest.Segment) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
