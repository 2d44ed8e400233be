package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zmigrated/internal/checkpoint"
)

// Precondition failures for candidate selection. A rollback with nothing to
// roll back to is an error, never an empty success.
var (
	ErrNoCandidates      = errors.New("rollback: no consistent checkpoint groups available")
	ErrIndexOutOfRange   = errors.New("rollback: candidate index out of range")
	ErrInconsistentGroup = errors.New("rollback: group is inconsistent and cannot be restored")
)

// Criterion picks a candidate group. The zero value selects the most recent
// candidate; Index picks the n-th, newest first, as listed by Candidates.
type Criterion struct {
	Index int `json:"index"`
}

// Selector groups existing checkpoints by migration attempt and chooses the
// group to restore.
type Selector struct {
	store checkpoint.Store
}

func NewSelector(store checkpoint.Store) *Selector {
	return &Selector{store: store}
}

// Candidates returns restorable groups, newest first. Inconsistent groups
// and safety groups taken by previous rollbacks are excluded: a safety
// group protects the rollback that created it and does not correspond to
// any phase boundary.
func (s *Selector) Candidates(ctx context.Context) ([]checkpoint.Group, error) {
	groups, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]checkpoint.Group, 0, len(groups))
	for _, g := range groups {
		if !g.Consistent {
			continue
		}
		if strings.HasPrefix(g.Label, checkpoint.LabelPrefixRollbackSafety) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// Select resolves a criterion to a concrete group. Selecting an
// inconsistent group is a precondition failure, not a silent skip.
func (s *Selector) Select(ctx context.Context, c Criterion) (checkpoint.Group, error) {
	candidates, err := s.Candidates(ctx)
	if err != nil {
		return checkpoint.Group{}, err
	}
	if len(candidates) == 0 {
		return checkpoint.Group{}, ErrNoCandidates
	}
	if c.Index < 0 || c.Index >= len(candidates) {
		return checkpoint.Group{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, c.Index, len(candidates))
	}
	return candidates[c.Index], nil
}
