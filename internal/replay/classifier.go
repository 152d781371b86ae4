// Package replay detects work-order identifier reuse caused by broker
// replays and by legitimate multi-site scheduling.
//
// A human-facing work order number is expected to map to one generated
// identifier at one production location. When a broker replays retained
// traffic, the source system hands out fresh identifiers for numbers it has
// already seen, so the same number accumulates more identifiers than
// locations. When scheduling genuinely splits a number across plants, the
// number spans several locations with one identifier each.
package replay

import (
	"context"
	"errors"
	"fmt"
)

// ErrUsageQuery wraps store failures while loading work-order usage.
var ErrUsageQuery = errors.New("work order usage query failed")

// Classification labels one work order number's identifier usage.
type Classification string

const (
	// ClassSingle is the healthy case: one identifier, one location.
	ClassSingle Classification = "SINGLE"

	// ClassReplayDuplicate means the number holds more distinct
	// identifiers than distinct locations, the signature of replayed
	// traffic re-triggering identifier generation.
	ClassReplayDuplicate Classification = "REPLAY_DUPLICATE"

	// ClassCrossSite means the number spans more than one location with
	// identifiers in proportion, a scheduling artifact rather than a
	// replay.
	ClassCrossSite Classification = "CROSS_SITE"
)

type (
	// Usage is the aggregated footprint of one work order number across
	// the durable store.
	Usage struct {
		Number       string
		WorkOrderIDs []int64
		Locations    []string
		UOMs         []string
	}

	// Finding pairs a usage with its classification.
	Finding struct {
		Usage          Usage
		Classification Classification
	}

	// Report summarizes one classification pass.
	Report struct {
		Scanned          int
		Singles          int
		ReplayDuplicates int
		CrossSite        int
		Findings         []Finding
	}

	// Store is the read surface the analyzer needs. The storage package
	// implements it against Postgres.
	Store interface {
		// ListWorkOrderUsage aggregates identifier and location usage per
		// work order number, ordered by number.
		ListWorkOrderUsage(ctx context.Context) ([]Usage, error)
	}

	// Analyzer runs the classification pass over a store.
	Analyzer struct {
		store Store
	}
)

// NewAnalyzer creates an analyzer over the given store.
func NewAnalyzer(store Store) *Analyzer {
	return &Analyzer{store: store}
}

// Classify labels one usage. Identifier count exceeding location count wins
// over the cross-site label: replayed traffic can also span locations, and
// the replay signal is the one operators act on.
func Classify(u Usage) Classification {
	ids := len(u.WorkOrderIDs)
	locations := len(u.Locations)

	switch {
	case ids > locations:
		return ClassReplayDuplicate
	case locations > 1:
		return ClassCrossSite
	default:
		return ClassSingle
	}
}

// Run loads usage from the store and classifies every work order number.
// Findings include only the anomalous numbers; healthy singles are counted
// but not listed.
func (a *Analyzer) Run(ctx context.Context) (*Report, error) {
	usages, err := a.store.ListWorkOrderUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsageQuery, err)
	}

	report := &Report{Scanned: len(usages)}

	for _, u := range usages {
		class := Classify(u)

		switch class {
		case ClassSingle:
			report.Singles++

			continue
		case ClassReplayDuplicate:
			report.ReplayDuplicates++
		case ClassCrossSite:
			report.CrossSite++
		}

		report.Findings = append(report.Findings, Finding{Usage: u, Classification: class})
	}

	return report, nil
}
