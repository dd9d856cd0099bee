package metrics

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type kind int

const (
	counter kind = iota
	gauge
	histogram
)

func (k kind) String() string {
	switch k {
	case counter:
		return "counter"
	case gauge:
		return "gauge"
	default:
		return "summary"
	}
}

type series struct {
	kind   kind
	name   string
	labels string

	value float64 // counter and gauge
	count uint64
	sum   float64
	min   float64
	max   float64
}

// Registry keeps every series in memory and renders them in the Prometheus
// text format.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

func (r *Registry) get(k kind, name string, labels map[string]string) *series {
	ls := formatLabels(labels)
	id := name + ls
	s, ok := r.series[id]
	if !ok {
		s = &series{kind: k, name: name, labels: ls, min: math.Inf(1), max: math.Inf(-1)}
		r.series[id] = s
	}
	return s
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(counter, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(gauge, name, labels).value = value
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(histogram, name, labels)
	s.count++
	s.sum += value
	s.min = min(s.min, value)
	s.max = max(s.max, value)
}

// Value returns the current value of a counter or gauge, or the number of
// observations of a histogram.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[name+formatLabels(labels)]
	if !ok {
		return 0
	}
	if s.kind == histogram {
		return float64(s.count)
	}
	return s.value
}

// WriteText renders all series sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	all := slices.Collect(maps.Values(r.series))
	snapshot := make([]series, len(all))
	for i, s := range all {
		snapshot[i] = *s
	}
	r.mu.Unlock()

	slices.SortFunc(snapshot, func(a, b series) int {
		if c := strings.Compare(a.name, b.name); c != 0 {
			return c
		}
		return strings.Compare(a.labels, b.labels)
	})

	var last string
	for _, s := range snapshot {
		if s.name != last {
			if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind); err != nil {
				return err
			}
			last = s.name
		}
		var err error
		switch s.kind {
		case histogram:
			_, err = fmt.Fprintf(w, "%s_count%s %d\n%s_sum%s %g\n%s_min%s %g\n%s_max%s %g\n",
				s.name, s.labels, s.count,
				s.name, s.labels, s.sum,
				s.name, s.labels, s.min,
				s.name, s.labels, s.max)
		default:
			_, err = fmt.Fprintf(w, "%s%s %g\n", s.name, s.labels, s.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(labels))
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
