// Package patternstore loads the pattern catalog once per scan batch and
// hands out an immutable snapshot, so every Match produced within that
// batch references a single consistent set of compiled patterns (I4).
package patternstore

import (
	"context"
	"regexp"

	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logging"
	"github.com/flakehunter/ciscan/internal/scanerrors"
)

var logger = logging.GetLogger("patternstore")

// Loader is the persistence dependency this package needs; *db.Pool
// satisfies it.
type Loader interface {
	LoadPatterns(ctx context.Context) ([]model.Pattern, error)
	LatestPatternID(ctx context.Context) (int64, error)
}

// Compiled wraps a Pattern with its pre-compiled matcher. Regex is nil for
// literal patterns; the matcher package branches on Pattern.IsRegex.
type Compiled struct {
	model.Pattern
	Regex *regexp.Regexp
}

// Snapshot is the pattern catalog as of one Load call, keyed by id.
// Immutable after construction; safe for concurrent reads.
type Snapshot struct {
	byID   map[int64]*Compiled
	latest int64
}

// Load reads the full catalog and compiles every expression. A pattern
// that fails to compile is excluded from the snapshot and reported via the
// returned compileErrs slice rather than aborting the batch, per the
// engine's PatternCompileError policy (I4 still holds because no Match
// will ever reference an excluded pattern's id).
func Load(ctx context.Context, loader Loader) (*Snapshot, []error, error) {
	rows, err := loader.LoadPatterns(ctx)
	if err != nil {
		return nil, nil, err
	}
	latest, err := loader.LatestPatternID(ctx)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[int64]*Compiled, len(rows))
	var compileErrs []error
	for _, pat := range rows {
		c := &Compiled{Pattern: pat}
		if pat.IsRegex {
			re, err := regexp.Compile(pat.Expression)
			if err != nil {
				compileErr := scanerrors.NewPatternCompileError(pat.ID, err)
				logger.WarnWithFields("excluding pattern from batch", logging.PatternField(pat.ID), logging.Field("reason", compileErr.Error()))
				compileErrs = append(compileErrs, compileErr)
				continue
			}
			c.Regex = re
		}
		byID[pat.ID] = c
	}

	return &Snapshot{byID: byID, latest: latest}, compileErrs, nil
}

// LatestPatternID returns the maximum persisted pattern id as of Load,
// regardless of whether that pattern compiled.
func (s *Snapshot) LatestPatternID() int64 { return s.latest }

// All returns every compiled pattern in the snapshot. Retired patterns
// are included: they still apply during scanning (is_retired only affects
// best-match selection, per I5).
func (s *Snapshot) All() []*Compiled {
	out := make([]*Compiled, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// Get returns the compiled pattern for id, or nil if it doesn't exist or
// failed to compile.
func (s *Snapshot) Get(id int64) *Compiled {
	return s.byID[id]
}

// GreaterThan returns every pattern whose id is strictly greater than
// threshold, the subset a revisit must still evaluate against a build
// already scanned up to that high-watermark.
func (s *Snapshot) GreaterThan(threshold int64) []*Compiled {
	var out []*Compiled
	for id, c := range s.byID {
		if id > threshold {
			out = append(out, c)
		}
	}
	return out
}

// ApplicableTo filters a pattern set down to those whose applicability
// includes stepName.
func ApplicableTo(patterns []*Compiled, stepName string) []*Compiled {
	out := make([]*Compiled, 0, len(patterns))
	for _, c := range patterns {
		if c.AppliesToStep(stepName) {
			out = append(out, c)
		}
	}
	return out
}

// MaxID returns the largest pattern id among patterns, or fallback if
// patterns is empty. Used by the coordinator to compute the new
// high-watermark after a scan.
func MaxID(patterns []*Compiled, fallback int64) int64 {
	max := fallback
	for _, c := range patterns {
		if c.ID > max {
			max = c.ID
		}
	}
	return max
}
