package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/config"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/metrics"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
)

type iTimeProvider interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

func WithTimeProvider(tp iTimeProvider) Option {
	return func(e *Engine) { e.tp = tp }
}

// Engine owns the tables of one node. All of them share the object store.
type Engine struct {
	cfg     config.DB
	store   objstore.Store
	tp      iTimeProvider
	logger  *slog.Logger
	metrics metrics.Collector

	// background work of every table runs under ctx
	ctx    context.Context
	cancel func()

	mu     sync.Mutex
	tables map[string]*Table
	closed bool
}

// Open prepares an engine. When objStore is nil the store is built from
// cfg.ObjectStore.
func Open(ctx context.Context, cfg config.DB, objStore objstore.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		store:   objStore,
		tp:      wallClock{},
		logger:  slog.Default(),
		metrics: metrics.Nop{},
		tables:  make(map[string]*Table),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		s, err := objstore.Open(cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("failed to open object store: %w", err)
		}
		e.store = s
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	return e, nil
}

// OpenTable opens name, creating it with s when it does not exist yet. A
// table that is already open is returned as is when the schemas match.
func (e *Engine) OpenTable(ctx context.Context, name string, s schema.Schema) (*Table, error) {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, dberrors.ErrClosed
	}

	if t, ok := e.tables[name]; ok {
		if !t.schema.Equal(&s) {
			return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
		}
		return t, nil
	}

	backend, closeBackend, err := e.manifestBackend(name)
	if err != nil {
		return nil, err
	}
	t, err := openTable(ctx, e, name, s, backend, closeBackend)
	if err != nil {
		closeBackend()
		return nil, err
	}
	e.tables[name] = t

	e.logger.Info("table opened", "table", name, "schema", s.String())
	return t, nil
}

func (e *Engine) manifestBackend(table string) (manifest.Backend, func(), error) {
	mc := e.cfg.Manifest
	if mc.Backend == "zookeeper" {
		b, err := manifest.DialZK(mc.ZKServers, mc.ZKRoot, table, mc.ZKTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect manifest backend of table %s: %w", table, err)
		}
		return b, b.Close, nil
	}

	prefix := objstore.Join(table, "manifest")
	return manifest.NewObjectBackend(e.store, prefix, mc.Keep, e.logger), func() {}, nil
}

// Table returns an open table.
func (e *Engine) Table(name string) (*Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Tables lists the open tables by name.
func (e *Engine) Tables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (e *Engine) Metrics() metrics.Collector { return e.metrics }

// Close stops every table. Unflushed data stays in the write-ahead logs.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tables := e.tables
	e.tables = map[string]*Table{}
	e.mu.Unlock()

	var errs []error
	for name, t := range tables {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("table %s: %w", name, err))
		}
	}
	e.cancel()

	return errors.Join(errs...)
}
