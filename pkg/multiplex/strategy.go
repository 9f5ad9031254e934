// Package multiplex implements the storage multiplexer (C2) and its
// placement strategies (C3): a cache's ordered list of back-ends, routed
// reads and strategy-chosen writes, grounded on the teacher's
// pkg/storage.StorageManager and pkg/cache storage-selection logic.
package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mifka01/cache-server/pkg/storage"
)

// ErrAllBackendsFull is returned when every back-end refuses a write
// (spec.md §7 StorageFull).
var ErrAllBackendsFull = errors.New("all back-ends are full")

// ErrSplitPercentagesMustSumTo100 is returned by NewSplit when the given
// percentages do not sum to 100 (spec.md §4.2 invariant).
var ErrSplitPercentagesMustSumTo100 = errors.New("split percentages must sum to 100")

// Strategy is a pure function over a back-end list and its persisted
// mutable state (spec.md §4.2: "Pure function (back-ends, mutable state) →
// back-end").
type Strategy interface {
	// Tag names this strategy for persistence (matches the cache
	// descriptor's `strategy` column).
	Tag() string

	// Select returns the index into backends to write to next, and the
	// state to persist afterwards.
	Select(ctx context.Context, backends []storage.Backend, state []byte) (index int, newState []byte, err error)
}

// RoundRobin cycles through back-ends in list order, falling back to
// InOrder when the chosen back-end is full.
type RoundRobin struct{}

func (RoundRobin) Tag() string { return "round-robin" }

type roundRobinState struct {
	Cursor int `json:"cursor"`
}

func (RoundRobin) Select(ctx context.Context, backends []storage.Backend, state []byte) (int, []byte, error) {
	var s roundRobinState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &s); err != nil {
			return 0, nil, fmt.Errorf("error decoding round-robin state: %w", err)
		}
	}

	idx := s.Cursor % len(backends)

	full, err := backends[idx].IsFull(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("error checking fullness of %q: %w", backends[idx].Name(), err)
	}

	s.Cursor = (s.Cursor + 1) % len(backends)

	newState, err := json.Marshal(s)
	if err != nil {
		return 0, nil, err
	}

	if full {
		fallbackIdx, _, err := (InOrder{}).Select(ctx, backends, nil)
		if err != nil {
			return 0, nil, err
		}

		return fallbackIdx, newState, nil
	}

	return idx, newState, nil
}

// InOrder returns the first non-full back-end in list order.
type InOrder struct{}

func (InOrder) Tag() string { return "in-order" }

func (InOrder) Select(ctx context.Context, backends []storage.Backend, _ []byte) (int, []byte, error) {
	for i, b := range backends {
		full, err := b.IsFull(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("error checking fullness of %q: %w", b.Name(), err)
		}

		if !full {
			return i, nil, nil
		}
	}

	return 0, nil, ErrAllBackendsFull
}

// Split routes writes to the back-end with the greatest deficit between its
// target percentage and its current normalized usage share, falling back
// to InOrder when that back-end is full.
type Split struct {
	// Percentages is indexed the same as the multiplexer's back-end list.
	Percentages []float64
}

// NewSplit validates that percentages sum to 100 (spec.md §4.2 invariant).
func NewSplit(percentages []float64) (Split, error) {
	var sum float64
	for _, p := range percentages {
		sum += p
	}

	if sum != 100 {
		return Split{}, fmt.Errorf("%w: got %v", ErrSplitPercentagesMustSumTo100, sum)
	}

	return Split{Percentages: percentages}, nil
}

func (Split) Tag() string { return "split" }

func (s Split) Select(ctx context.Context, backends []storage.Backend, _ []byte) (int, []byte, error) {
	if len(s.Percentages) != len(backends) {
		return 0, nil, fmt.Errorf("split configured for %d back-ends, got %d", len(s.Percentages), len(backends))
	}

	used := make([]float64, len(backends))

	var total float64

	for i, b := range backends {
		u, err := b.UsedSpace(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("error reading used space of %q: %w", b.Name(), err)
		}

		used[i] = float64(u)
		total += used[i]
	}

	bestIdx, bestDeficit := -1, 0.0

	for i := range backends {
		normalized := 0.0
		if total > 0 {
			normalized = used[i] / total * 100
		}

		deficit := s.Percentages[i] - normalized
		if bestIdx == -1 || deficit > bestDeficit {
			bestIdx, bestDeficit = i, deficit
		}
	}

	if bestIdx != -1 {
		full, err := backends[bestIdx].IsFull(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("error checking fullness of %q: %w", backends[bestIdx].Name(), err)
		}

		if !full {
			return bestIdx, nil, nil
		}
	}

	fallbackIdx, _, err := (InOrder{}).Select(ctx, backends, nil)
	if err != nil {
		return 0, nil, err
	}

	return fallbackIdx, nil, nil
}

// LeastUsed picks the back-end with the smallest used space, falling back
// to InOrder when that back-end is full.
type LeastUsed struct{}

func (LeastUsed) Tag() string { return "least-used" }

func (LeastUsed) Select(ctx context.Context, backends []storage.Backend, _ []byte) (int, []byte, error) {
	bestIdx, bestUsed := -1, uint64(0)

	for i, b := range backends {
		u, err := b.UsedSpace(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("error reading used space of %q: %w", b.Name(), err)
		}

		if bestIdx == -1 || u < bestUsed {
			bestIdx, bestUsed = i, u
		}
	}

	full, err := backends[bestIdx].IsFull(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("error checking fullness of %q: %w", backends[bestIdx].Name(), err)
	}

	if full {
		fallbackIdx, _, err := (InOrder{}).Select(ctx, backends, nil)
		if err != nil {
			return 0, nil, err
		}

		return fallbackIdx, nil, nil
	}

	return bestIdx, nil, nil
}

// ByTag resolves a persisted strategy tag, with percentages supplied for
// "split".
func ByTag(tag string, percentages []float64) (Strategy, error) {
	switch tag {
	case "round-robin":
		return RoundRobin{}, nil
	case "in-order":
		return InOrder{}, nil
	case "least-used":
		return LeastUsed{}, nil
	case "split":
		return NewSplit(percentages)
	default:
		return nil, fmt.Errorf("unknown storage strategy %q", tag)
	}
}
