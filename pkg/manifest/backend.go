package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
)

const objectPrefix = "MANIFEST-"

// ObjectBackend keeps every version as its own object and prunes all but
// the newest few.
type ObjectBackend struct {
	store  objstore.Store
	prefix string
	keep   int
	logger *slog.Logger

	// versions Load could not decode; they are overwritten, not conflicts
	bad map[uint64]bool
}

func NewObjectBackend(store objstore.Store, prefix string, keep int, logger *slog.Logger) *ObjectBackend {
	if keep < 1 {
		keep = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectBackend{store: store, prefix: prefix, keep: keep, logger: logger, bad: make(map[uint64]bool)}
}

func (b *ObjectBackend) path(num uint64) string {
	return objstore.Join(b.prefix, fmt.Sprintf("%s%020d", objectPrefix, num))
}

// versions lists the stored version numbers, newest first.
func (b *ObjectBackend) versions(ctx context.Context) ([]uint64, error) {
	paths, err := b.store.List(ctx, b.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest objects: %w", err)
	}

	nums := make([]uint64, 0, len(paths))
	for _, p := range paths {
		name := p[strings.LastIndexByte(p, '/')+1:]
		if objstore.IsTmp(name) || !strings.HasPrefix(name, objectPrefix) {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, objectPrefix), "%d", &num); err != nil {
			continue
		}
		nums = append(nums, num)
	}
	slices.Sort(nums)
	slices.Reverse(nums)

	return nums, nil
}

// Load returns the newest decodable version, or nil when there is none.
func (b *ObjectBackend) Load(ctx context.Context) (*State, error) {
	nums, err := b.versions(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, num := range nums {
		data, err := b.store.Get(ctx, b.path(num))
		if err != nil {
			// a failed read could hide the newest version
			return nil, fmt.Errorf("failed to read manifest version %d: %w", num, err)
		}

		var st State
		if err := json.Unmarshal(data, &st); err != nil || st.Num != num {
			b.logger.Warn("skipping undecodable manifest version", "version", num, "error", err)
			errs = append(errs, &dberrors.CorruptionError{Path: b.path(num), Reason: fmt.Sprint(err)})
			b.bad[num] = true
			continue
		}
		return &st, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return nil, nil
}

func (b *ObjectBackend) Save(ctx context.Context, prev uint64, st *State) error {
	nums, err := b.versions(ctx)
	if err != nil {
		return err
	}
	nums = slices.DeleteFunc(nums, func(n uint64) bool { return b.bad[n] })
	if len(nums) > 0 && nums[0] != prev {
		return fmt.Errorf("%w: stored version %d, expected %d", dberrors.ErrManifestConflict, nums[0], prev)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := objstore.Commit(ctx, b.store, b.path(st.Num), data); err != nil {
		return err
	}
	delete(b.bad, st.Num)
	for num := range b.bad {
		if err := b.store.Delete(ctx, b.path(num)); err == nil {
			delete(b.bad, num)
		}
	}

	// nums[0] is prev, which is now the second newest
	if len(nums) >= b.keep {
		for _, num := range nums[b.keep-1:] {
			if err := b.store.Delete(ctx, b.path(num)); err != nil {
				b.logger.Warn("failed to prune manifest version", "version", num, "error", err)
			}
		}
	}

	return nil
}
