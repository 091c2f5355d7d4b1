// Package planner computes the two work queues the coordinator drains
// each batch: builds never inspected, and builds whose high-watermark is
// behind the current pattern catalog.
package planner

import (
	"context"

	"github.com/flakehunter/ciscan/internal/patternstore"
)

// BuildQuerier is the persistence dependency this package needs; *db.Pool
// satisfies it.
type BuildQuerier interface {
	UnvisitedBuilds(ctx context.Context, limit int) ([]int64, error)
	RevisitableBuilds(ctx context.Context, currentLatestPatternID int64, limit int) ([]int64, error)
}

// RevisitWork is one build awaiting re-scan, carrying the specific
// patterns it still needs evaluated (every pattern strictly newer than
// its recorded high-watermark).
type RevisitWork struct {
	BuildNum     int64
	HighWatermark int64
	Pending      []*patternstore.Compiled
}

// UnvisitedBuilds returns up to limit build numbers with no recorded
// build_step, newest first.
func UnvisitedBuilds(ctx context.Context, q BuildQuerier, limit int) ([]int64, error) {
	return q.UnvisitedBuilds(ctx, limit)
}

// RevisitableBuilds returns up to limit builds whose watermark trails the
// snapshot's latest pattern id, each paired with the pattern subset it
// still needs applied.
//
// The watermark query itself only returns build numbers; the per-build
// watermark used to compute Pending is re-derived here via
// watermarkLookup so the pending set reflects exactly the patterns newer
// than that specific build's own high-watermark, not the batch-wide one.
func RevisitableBuilds(ctx context.Context, q BuildQuerier, watermarkLookup func(ctx context.Context, buildNum int64) (int64, error), snapshot *patternstore.Snapshot, limit int) ([]RevisitWork, error) {
	nums, err := q.RevisitableBuilds(ctx, snapshot.LatestPatternID(), limit)
	if err != nil {
		return nil, err
	}

	work := make([]RevisitWork, 0, len(nums))
	for _, num := range nums {
		watermark, err := watermarkLookup(ctx, num)
		if err != nil {
			return nil, err
		}
		work = append(work, RevisitWork{
			BuildNum:      num,
			HighWatermark: watermark,
			Pending:       snapshot.GreaterThan(watermark),
		})
	}
	return work, nil
}
