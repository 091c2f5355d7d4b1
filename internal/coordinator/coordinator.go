// Package coordinator is the top-level orchestrator: it drains the
// planner's two work queues each batch, invoking the CI client, log
// cache, and matcher in order, and commits progress incrementally so an
// interrupted batch leaves a resumable database state.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flakehunter/ciscan/internal/ciclient"
	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logcache"
	"github.com/flakehunter/ciscan/internal/logging"
	"github.com/flakehunter/ciscan/internal/matcher"
	"github.com/flakehunter/ciscan/internal/metrics"
	"github.com/flakehunter/ciscan/internal/patternstore"
	"github.com/flakehunter/ciscan/internal/planner"
	"github.com/flakehunter/ciscan/internal/scanerrors"
)

var logger = logging.GetLogger("coordinator")

// Store is every persistence operation the coordinator needs. *db.Pool
// satisfies it.
type Store interface {
	patternstore.Loader
	planner.BuildQuerier

	InsertBuildStep(ctx context.Context, step model.BuildStep) (int64, error)
	BuildStepByBuildNum(ctx context.Context, buildNum int64) (*model.BuildStep, error)
	InsertMatches(ctx context.Context, matches []model.Match) error
	InsertScan(ctx context.Context, timestamp time.Time, latestPatternID int64) (int64, error)
	UpsertScannedPattern(ctx context.Context, scanID, newestPatternID, buildNum int64) error
	ScannedPatternWatermark(ctx context.Context, buildNum int64) (int64, error)
}

// CIClient is the CI provider dependency.
type CIClient interface {
	BuildMetadata(ctx context.Context, buildNum int64) (ciclient.BuildDocument, error)
	FetchLog(ctx context.Context, outputURL string) (string, error)
}

// LogCache is the log cache dependency.
type LogCache interface {
	GetOrFetch(ctx context.Context, buildNum, stepID int64, fetch logcache.Fetcher) (string, error)
}

// Coordinator wires together the engine's components for one or more
// scan batches.
type Coordinator struct {
	store    Store
	ci       CIClient
	cache    LogCache
	workers  int
	recorder *metrics.Recorder
}

// New builds a Coordinator. recorder may be nil to disable metrics
// recording (used in tests).
func New(store Store, ci CIClient, cache LogCache, workers int, recorder *metrics.Recorder) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{store: store, ci: ci, cache: cache, workers: workers, recorder: recorder}
}

// BatchResult summarizes one Run call.
type BatchResult struct {
	ScanID          int64
	BuildsVisited   int
	BuildsRevisited int
	MatchesRecorded int
	Errors          []error
}

// Run executes one scan batch under policy: loads the pattern snapshot,
// opens a Scan row, drains the revisit queue then the unvisited queue,
// and returns a summary. Catalog-load and scan-row-creation failures
// abort immediately; per-build failures are recorded in the result and
// the batch continues.
func (c *Coordinator) Run(ctx context.Context, policy Policy) (BatchResult, error) {
	start := now()
	snapshot, compileErrs, err := patternstore.Load(ctx, c.store)
	if err != nil {
		return BatchResult{}, err
	}

	scanID, err := c.store.InsertScan(ctx, now(), snapshot.LatestPatternID())
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{ScanID: scanID, Errors: compileErrs}

	c.revisitLoop(ctx, policy, snapshot, scanID, &result)
	c.visitLoop(ctx, policy, snapshot, scanID, &result)

	if c.recorder != nil {
		c.recorder.ScanDuration.Observe(now().Sub(start).Seconds())
		c.recorder.BuildsVisited.Add(float64(result.BuildsVisited))
		c.recorder.BuildsRevisited.Add(float64(result.BuildsRevisited))
		c.recorder.MatchesRecorded.Add(float64(result.MatchesRecorded))
	}

	logger.InfoWithFields("batch complete",
		logging.ScanField(scanID),
		logging.Field("builds_visited", result.BuildsVisited),
		logging.Field("builds_revisited", result.BuildsRevisited),
		logging.MatchCountField(result.MatchesRecorded),
	)

	return result, nil
}

// now is overridden in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }

func (c *Coordinator) revisitLoop(ctx context.Context, policy Policy, snapshot *patternstore.Snapshot, scanID int64, result *BatchResult) {
	limit := 0 // unbounded: every revisitable build is always processed
	work, err := planner.RevisitableBuilds(ctx, c.store, c.store.ScannedPatternWatermark, snapshot, limit)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}

	for _, item := range work {
		if !policy.allows(item.BuildNum) {
			continue
		}
		matchCount, err := c.revisitBuild(ctx, item, scanID)
		if err != nil {
			logger.WarnWithFields("revisit failed", logging.BuildField(item.BuildNum), logging.ScanField(scanID), logging.Field("error", err.Error()))
			result.Errors = append(result.Errors, err)
			continue
		}
		result.BuildsRevisited++
		result.MatchesRecorded += matchCount
	}
}

func (c *Coordinator) revisitBuild(ctx context.Context, item planner.RevisitWork, scanID int64) (int, error) {
	step, err := c.store.BuildStepByBuildNum(ctx, item.BuildNum)
	if err != nil {
		return 0, err
	}
	if step == nil || step.IsTimeout {
		return 0, nil
	}

	stepName := ""
	if step.Name != nil {
		stepName = *step.Name
	}
	applicable := patternstore.ApplicableTo(item.Pending, stepName)
	if len(applicable) == 0 {
		return 0, c.store.UpsertScannedPattern(ctx, scanID, patternstore.MaxID(item.Pending, item.HighWatermark), item.BuildNum)
	}

	text, err := c.cache.GetOrFetch(ctx, item.BuildNum, step.ID, c.rederiveFetcher(item.BuildNum))
	if err != nil {
		return 0, err
	}

	matches := matcher.Scan(splitLines(text), applicable)
	rows := toModelMatches(matches, step.ID, scanID)
	if err := c.store.InsertMatches(ctx, rows); err != nil {
		return 0, err
	}

	if err := c.store.UpsertScannedPattern(ctx, scanID, patternstore.MaxID(item.Pending, item.HighWatermark), item.BuildNum); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Coordinator) visitLoop(ctx context.Context, policy Policy, snapshot *patternstore.Snapshot, scanID int64, result *BatchResult) {
	fetchLimit := policy.FetchLimit
	if policy.hasWhitelist() {
		fetchLimit = 0
	}
	unvisited, err := planner.UnvisitedBuilds(ctx, c.store, fetchLimit)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}
	var builds []int64
	for _, b := range unvisited {
		if policy.allows(b) {
			builds = append(builds, b)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	var mu sync.Mutex
	for _, buildNum := range builds {
		buildNum := buildNum
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			visited, matchCount, err := c.visitBuild(gctx, buildNum, scanID, snapshot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WarnWithFields("visit failed", logging.BuildField(buildNum), logging.ScanField(scanID), logging.Field("error", err.Error()))
				result.Errors = append(result.Errors, err)
				return nil
			}
			if visited {
				result.BuildsVisited++
				result.MatchesRecorded += matchCount
			}
			return nil
		})
	}
	_ = g.Wait()
}

// visitBuild implements the state machine in the component design: fetch
// metadata, identify the failing step, record it, and (if scannable)
// fetch the log and run the matcher. A metadata fetch or decode failure
// returns visited=false with the error and inserts no BuildStep row, so the
// planner offers the build again next batch. The step row is recorded
// before the log is downloaded: a log download or match insert failure
// returns visited=true with the error and leaves the step row in place with
// no scanned-pattern watermark, so the revisit queue picks the build up in
// a later batch instead.
func (c *Coordinator) visitBuild(ctx context.Context, buildNum int64, scanID int64, snapshot *patternstore.Snapshot) (visited bool, matchCount int, err error) {
	doc, err := c.ci.BuildMetadata(ctx, buildNum)
	if err != nil {
		// Network and decode failures here are transient: no BuildStep row
		// is inserted, so the planner offers this build again next batch.
		return false, 0, err
	}

	step, action, ok := doc.FailingStep()
	if !ok {
		_, err := c.store.InsertBuildStep(ctx, model.BuildStep{BuildNum: buildNum, Name: nil, IsTimeout: false})
		return err == nil, 0, err
	}
	if action.Timedout {
		name := step.Name
		_, err := c.store.InsertBuildStep(ctx, model.BuildStep{BuildNum: buildNum, Name: &name, IsTimeout: true})
		return err == nil, 0, err
	}

	stepID, err := c.store.InsertBuildStep(ctx, model.BuildStep{BuildNum: buildNum, Name: &step.Name, IsTimeout: false})
	if err != nil {
		return false, 0, err
	}

	if action.OutputURL == "" {
		return true, 0, nil
	}

	text, err := c.cache.GetOrFetch(ctx, buildNum, stepID, func(ctx context.Context) (string, error) {
		return c.ci.FetchLog(ctx, action.OutputURL)
	})
	if err != nil {
		if scanerrors.IsNoLogAvailable(err) {
			return true, 0, nil
		}
		return true, 0, err
	}

	applicable := patternstore.ApplicableTo(snapshot.All(), step.Name)
	matches := matcher.Scan(splitLines(text), applicable)
	rows := toModelMatches(matches, stepID, scanID)
	if err := c.store.InsertMatches(ctx, rows); err != nil {
		return true, 0, err
	}

	if err := c.store.UpsertScannedPattern(ctx, scanID, patternstore.MaxID(snapshot.All(), 0), buildNum); err != nil {
		return true, len(rows), err
	}
	return true, len(rows), nil
}

func (c *Coordinator) rederiveFetcher(buildNum int64) logcache.Fetcher {
	return func(ctx context.Context) (string, error) {
		doc, err := c.ci.BuildMetadata(ctx, buildNum)
		if err != nil {
			return "", err
		}
		_, action, ok := doc.FailingStep()
		if !ok || action.OutputURL == "" {
			return "", scanerrors.NewNoLogAvailable(buildNum, "no output url on re-fetched metadata")
		}
		return c.ci.FetchLog(ctx, action.OutputURL)
	}
}

func splitLines(text string) []matcher.Line {
	parts := strings.Split(text, "\n")
	lines := make([]matcher.Line, 0, len(parts))
	for i, p := range parts {
		lines = append(lines, matcher.Line{Index: i, Text: p})
	}
	return lines
}

func toModelMatches(matches []matcher.Match, stepID, scanID int64) []model.Match {
	rows := make([]model.Match, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, model.Match{
			BuildStep:  stepID,
			PatternID:  m.PatternID,
			LineNumber: m.LineIndex,
			LineText:   m.LineText,
			SpanStart:  m.SpanStart,
			SpanEnd:    m.SpanEnd,
			ScanID:     scanID,
		})
	}
	return rows
}
