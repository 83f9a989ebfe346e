package batch

import (
	"fmt"
	"strings"
)

// FlushStrategy decides after each child row whether both statements are
// flushed. Implementations must be pure.
//
// rowsSinceLastFlush is the child statement's pending count. externalIndex is
// the combined parent×child cursor (i+1)*j supplied by the engine.
type FlushStrategy interface {
	ShouldFlush(rowsSinceLastFlush, threshold, externalIndex int) (bool, error)
}

// FlushFunc adapts a function to FlushStrategy.
type FlushFunc func(rowsSinceLastFlush, threshold, externalIndex int) (bool, error)

func (f FlushFunc) ShouldFlush(rowsSinceLastFlush, threshold, externalIndex int) (bool, error) {
	return f(rowsSinceLastFlush, threshold, externalIndex)
}

// CheckThreshold returns a *ConfigError for a non-positive batch threshold.
func CheckThreshold(threshold int) error {
	if threshold <= 0 {
		return &ConfigError{Field: "batch_size", Reason: fmt.Sprintf("must be > 0, got %d", threshold)}
	}
	return nil
}

// ModuloStrategy flushes when externalIndex % threshold == 0.
//
// Because externalIndex is shared by both statements, parent and child batches
// are flushed in lockstep. With j == 0 the index is 0, so the first child of
// every parent triggers a flush.
type ModuloStrategy struct{}

func (ModuloStrategy) ShouldFlush(_, threshold, externalIndex int) (bool, error) {
	if err := CheckThreshold(threshold); err != nil {
		return false, err
	}
	return externalIndex%threshold == 0, nil
}

// CountStrategy flushes once the child statement holds threshold rows.
//
// This decouples flush cadence from the combined cursor and gives evenly sized
// child batches. Selecting it changes what is measured; results are not
// comparable with ModuloStrategy runs.
type CountStrategy struct{}

func (CountStrategy) ShouldFlush(rowsSinceLastFlush, threshold, _ int) (bool, error) {
	if err := CheckThreshold(threshold); err != nil {
		return false, err
	}
	return rowsSinceLastFlush >= threshold, nil
}

// DrainOnlyStrategy never flushes mid-run; everything goes out in the final
// drain.
type DrainOnlyStrategy struct{}

func (DrainOnlyStrategy) ShouldFlush(_, threshold, _ int) (bool, error) {
	if err := CheckThreshold(threshold); err != nil {
		return false, err
	}
	return false, nil
}

// ParseStrategy maps a config name to a strategy. Empty means "modulo".
func ParseStrategy(name string) (FlushStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "modulo":
		return ModuloStrategy{}, nil
	case "count":
		return CountStrategy{}, nil
	case "drain":
		return DrainOnlyStrategy{}, nil
	default:
		return nil, &ConfigError{Field: "flush_strategy", Reason: fmt.Sprintf("unknown strategy %q (want modulo|count|drain)", name)}
	}
}
