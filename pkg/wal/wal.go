package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/listener"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/retry"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/minio/highwayhash"
)

const (
	objectSuffix = ".wal"
	headerSize   = 12 // length u32 | checksum u64
)

const (
	reasonTruncatedHeader = "truncated record header"
	reasonTruncatedRecord = "truncated record"
)

var (
	// highwayhash needs a 32 byte key
	checksumKey = []byte("ceresdb-write-ahead-log-checksum")

	ErrEmptyBatch = errors.New("empty wal batch")
)

type Options struct {
	// QueueSize bounds the requests waiting for the committer.
	QueueSize int `yaml:"queue_size"`
	// MaxBatchBytes caps the size of one group commit object.
	MaxBatchBytes int          `yaml:"max_batch_bytes"`
	Retry         retry.Policy `yaml:"retry"`
}

func (o Options) norm() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 4 << 20
	}
	return o
}

type request struct {
	entries []types.Entry
	size    int
	done    chan error
}

// Pending is a submitted batch waiting for its group commit.
type Pending struct {
	req *request
}

// Wait blocks until the batch is durable or has failed. The outcome of a
// submitted batch is always reported, so Wait takes no context.
func (p Pending) Wait() error {
	return <-p.req.done
}

// WAL is the write-ahead log of one table. Every group commit becomes one
// object named after the first and last sequence it holds.
type WAL struct {
	*listener.Listener[*request]

	store  objstore.Store
	prefix string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	in     chan *request
}

func New(store objstore.Store, prefix string, opts Options, logger *slog.Logger) *WAL {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.norm()

	w := &WAL{
		store:  store,
		prefix: prefix,
		opts:   opts,
		logger: logger,
		in:     make(chan *request, opts.QueueSize),
	}
	w.Listener = listener.New("wal", w.in, w.commit, w.stop)

	return w
}

// Submit enqueues entries for the next group commit. Submission order is
// the order records are written in.
func (w *WAL) Submit(entries []types.Entry) (Pending, error) {
	if len(entries) == 0 {
		return Pending{}, ErrEmptyBatch
	}

	req := &request{entries: entries, done: make(chan error, 1)}
	for _, e := range entries {
		req.size += headerSize + recordSize(e)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Pending{}, dberrors.ErrClosed
	}
	w.in <- req

	return Pending{req: req}, nil
}

// Append makes entries durable before returning.
func (w *WAL) Append(entries []types.Entry) error {
	p, err := w.Submit(entries)
	if err != nil {
		return err
	}
	return p.Wait()
}

// commit is called by the listener for the first queued request and drains
// whatever else is already waiting into the same object.
func (w *WAL) commit(ctx context.Context, first *request) error {
	batch := []*request{first}
	size := first.size

drain:
	for size < w.opts.MaxBatchBytes {
		select {
		case req := <-w.in:
			batch = append(batch, req)
			size += req.size
		default:
			break drain
		}
	}

	buf := make([]byte, 0, size)
	minSeq, maxSeq := types.MaxSeqN, types.SeqN(0)
	for _, req := range batch {
		for _, e := range req.entries {
			buf = appendRecord(buf, e)
			minSeq = min(minSeq, e.Seq)
			maxSeq = max(maxSeq, e.Seq)
		}
	}

	path := objectPath(w.prefix, minSeq, maxSeq)
	err := w.opts.Retry.Do(ctx, "wal put", func(ctx context.Context) error {
		return objstore.Commit(ctx, w.store, path, buf)
	})
	if err != nil {
		err = fmt.Errorf("failed to write wal object %s: %w", path, err)
		w.logger.Error("group commit failed", "path", path, "requests", len(batch), "error", err)
	}

	for _, req := range batch {
		req.done <- err
	}

	return nil
}

func (w *WAL) stop() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		select {
		case req := <-w.in:
			req.done <- dberrors.ErrClosed
		default:
			return
		}
	}
}

// Replay feeds every record with seq > after to fn, in commit order, and
// returns the highest sequence found in the log.
//
// An object that ends in a truncated record is a group commit that never
// completed, so none of its writers were acknowledged. It is skipped and
// removed. Any other decoding failure is corruption.
func (w *WAL) Replay(ctx context.Context, after types.SeqN, fn func(types.Entry) error) (types.SeqN, error) {
	objects, err := w.objects(ctx)
	if err != nil {
		return 0, err
	}

	var maxSeq types.SeqN
	for _, obj := range objects {
		maxSeq = max(maxSeq, obj.last)
		if obj.last <= after {
			continue
		}

		data, err := w.store.Get(ctx, obj.path)
		if err != nil {
			return maxSeq, fmt.Errorf("failed to read wal object %s: %w", obj.path, err)
		}

		entries, reason := decodeObject(data)
		if isTorn(reason) {
			w.logger.Warn("dropping torn wal object", "path", obj.path, "reason", reason)
			if err := w.store.Delete(ctx, obj.path); err != nil {
				w.logger.Warn("failed to delete torn wal object", "path", obj.path, "error", err)
			}
			continue
		}
		if reason != "" {
			return maxSeq, &dberrors.CorruptionError{Path: obj.path, Reason: reason}
		}

		for _, e := range entries {
			if e.Seq <= after {
				continue
			}
			if err := fn(e); err != nil {
				return maxSeq, fmt.Errorf("wal replay callback failed: %w", err)
			}
		}
	}

	return maxSeq, nil
}

// decodeObject decodes every record of one object or stops at the first
// bad one.
func decodeObject(data []byte) ([]types.Entry, string) {
	var entries []types.Entry
	for len(data) > 0 {
		e, n, reason := decodeRecord(data)
		if reason != "" {
			return nil, reason
		}
		entries = append(entries, e)
		data = data[n:]
	}
	if len(entries) == 0 {
		return nil, reasonTruncatedHeader
	}
	return entries, ""
}

func isTorn(reason string) bool {
	return reason == reasonTruncatedHeader || reason == reasonTruncatedRecord
}

// Truncate deletes the objects made only of records with seq <= upTo.
func (w *WAL) Truncate(ctx context.Context, upTo types.SeqN) error {
	objects, err := w.objects(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, obj := range objects {
		if obj.last > upTo {
			continue
		}
		if err := w.store.Delete(ctx, obj.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to truncate wal: %w", errors.Join(errs...))
	}

	return nil
}

type object struct {
	path        string
	first, last types.SeqN
}

func (w *WAL) objects(ctx context.Context) ([]object, error) {
	paths, err := w.store.List(ctx, w.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list wal objects: %w", err)
	}

	objects := make([]object, 0, len(paths))
	for _, p := range paths {
		if objstore.IsTmp(p) {
			continue
		}
		obj, ok := parseObjectPath(p)
		if !ok {
			w.logger.Warn("skipping unknown object in wal prefix", "path", p)
			continue
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

func objectPath(prefix string, first, last types.SeqN) string {
	return objstore.Join(prefix, fmt.Sprintf("%020d-%020d%s", first, last, objectSuffix))
}

func parseObjectPath(path string) (object, bool) {
	name := path[strings.LastIndexByte(path, '/')+1:]
	if !strings.HasSuffix(name, objectSuffix) {
		return object{}, false
	}

	var obj object
	n, err := fmt.Sscanf(strings.TrimSuffix(name, objectSuffix), "%d-%d", &obj.first, &obj.last)
	if err != nil || n != 2 || obj.first > obj.last {
		return object{}, false
	}
	obj.path = path

	return obj, true
}

// record body: seq u64 | kind u8 | timestamp i64 | uvarint key len | key | uvarint value len | value
func recordSize(e types.Entry) int {
	return 17 + 2*binary.MaxVarintLen64 + len(e.Key) + len(e.Value)
}

func appendRecord(dst []byte, e types.Entry) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, headerSize)...)

	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Timestamp))
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(e.Value)))
	dst = append(dst, e.Value...)

	body := dst[start+headerSize:]
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(body)))
	binary.LittleEndian.PutUint64(dst[start+4:], highwayhash.Sum64(body, checksumKey))

	return dst
}

// decodeRecord returns the entry, the bytes consumed, or a corruption reason.
func decodeRecord(data []byte) (types.Entry, int, string) {
	if len(data) < headerSize {
		return types.Entry{}, 0, reasonTruncatedHeader
	}
	n := binary.LittleEndian.Uint32(data)
	if uint64(n) > math.MaxInt32 || len(data)-headerSize < int(n) {
		return types.Entry{}, 0, reasonTruncatedRecord
	}
	body := data[headerSize : headerSize+int(n)]
	if highwayhash.Sum64(body, checksumKey) != binary.LittleEndian.Uint64(data[4:]) {
		return types.Entry{}, 0, "record checksum mismatch"
	}

	if len(body) < 17 {
		return types.Entry{}, 0, "short record body"
	}
	e := types.Entry{
		Seq:       binary.LittleEndian.Uint64(body),
		Kind:      types.Kind(body[8]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[9:])),
	}
	rest := body[17:]

	var ok bool
	if e.Key, rest, ok = readBytes(rest); !ok {
		return types.Entry{}, 0, "bad key length"
	}
	if e.Value, rest, ok = readBytes(rest); !ok {
		return types.Entry{}, 0, "bad value length"
	}
	if len(rest) != 0 {
		return types.Entry{}, 0, "trailing bytes in record"
	}

	return e, headerSize + int(n), ""
}

func readBytes(b []byte) ([]byte, []byte, bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return nil, nil, false
	}
	end := n + int(l)
	return b[n:end:end], b[end:], true
}
