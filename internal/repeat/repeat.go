// Package repeat decides how many more times a binding has to run.
package repeat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/resultstore"
)

// Spec is a stage's repeat policy. A fixed spec always runs N times. A
// dynamic spec runs until at least N results matching the index exist.
type Spec struct {
	N       int
	Dynamic bool
}

// Fixed returns a spec that always runs n times.
func Fixed(n int) Spec { return Spec{N: n} }

// Minimum returns a spec that tops results up to n.
func Minimum(n int) Spec { return Spec{N: n, Dynamic: true} }

func (s Spec) String() string {
	if s.Dynamic {
		return fmt.Sprintf("minimum %d", s.N)
	}
	return fmt.Sprintf("count %d", s.N)
}

// Validate rejects negative counts.
func (s Spec) Validate() error {
	if s.N < 0 {
		return errs.Configf("repeat %s: must not be negative", s)
	}
	return nil
}

// Resolver turns a Spec and an index map into a number of runs. It is safe
// for concurrent use.
type Resolver struct {
	store    resultstore.Store
	warnOnce sync.Once
}

// NewResolver creates a resolver. A nil store means no history is available
// and dynamic specs degrade to their minimum.
func NewResolver(store resultstore.Store) *Resolver {
	return &Resolver{store: store}
}

// Required returns how many more runs spec needs for index. For a dynamic
// spec this is max(N - existing, 0), where existing is read once from the
// store. A missing or failing store is not an error: the full N is returned
// and a warning is logged once per resolver.
func (r *Resolver) Required(ctx context.Context, spec Spec, index map[string]string) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if !spec.Dynamic {
		return spec.N, nil
	}

	logger := ctxlog.FromContext(ctx)
	if r.store == nil {
		r.degrade(ctx, errs.ErrStoreUnavailable)
		return spec.N, nil
	}

	existing, err := r.store.Count(ctx, index)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		r.degrade(ctx, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
		return spec.N, nil
	}

	required := Remaining(spec.N, existing)
	logger.Debug("Resolved dynamic repeat.", "minimum", spec.N, "existing", existing, "required", required)
	return required, nil
}

// Remaining is max(minimum - existing, 0).
func Remaining(minimum, existing int) int {
	if existing >= minimum {
		return 0
	}
	return minimum - existing
}

func (r *Resolver) degrade(ctx context.Context, reason error) {
	r.warnOnce.Do(func() {
		ctxlog.FromContext(ctx).Warn("⚠️ Result history unavailable, dynamic repeats run their full minimum.", "reason", reason)
	})
}
