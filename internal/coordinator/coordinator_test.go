package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flakehunter/ciscan/internal/ciclient"
	"github.com/flakehunter/ciscan/internal/coordinator"
	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logcache"
	"github.com/flakehunter/ciscan/internal/scanerrors"
)

// fakeStore is an in-memory stand-in for *db.Pool, mirroring just enough
// of its query semantics (watermark never regresses, unvisited = no
// build_steps row, revisitable = non-timeout step behind the watermark)
// to exercise the coordinator without a database.
type fakeStore struct {
	patterns []model.Pattern

	builds    []int64
	steps     map[int64]*model.BuildStep // keyed by build_num
	nextStep  int64
	matches   []model.Match
	nextScan  int64
	watermark map[int64]int64 // keyed by build_num
}

func newFakeStore(patterns []model.Pattern, builds ...int64) *fakeStore {
	return &fakeStore{
		patterns:  patterns,
		builds:    builds,
		steps:     map[int64]*model.BuildStep{},
		watermark: map[int64]int64{},
	}
}

func (f *fakeStore) LoadPatterns(ctx context.Context) ([]model.Pattern, error) { return f.patterns, nil }

func (f *fakeStore) LatestPatternID(ctx context.Context) (int64, error) {
	var max int64
	for _, p := range f.patterns {
		if p.ID > max {
			max = p.ID
		}
	}
	return max, nil
}

func (f *fakeStore) UnvisitedBuilds(ctx context.Context, limit int) ([]int64, error) {
	var out []int64
	for _, b := range f.builds {
		if _, ok := f.steps[b]; !ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) RevisitableBuilds(ctx context.Context, currentLatestPatternID int64, limit int) ([]int64, error) {
	var out []int64
	for _, b := range f.builds {
		step, ok := f.steps[b]
		if !ok || step.IsTimeout {
			continue
		}
		if f.watermark[b] < currentLatestPatternID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertBuildStep(ctx context.Context, step model.BuildStep) (int64, error) {
	f.nextStep++
	step.ID = f.nextStep
	f.steps[step.BuildNum] = &step
	return step.ID, nil
}

func (f *fakeStore) BuildStepByBuildNum(ctx context.Context, buildNum int64) (*model.BuildStep, error) {
	return f.steps[buildNum], nil
}

func (f *fakeStore) InsertMatches(ctx context.Context, matches []model.Match) error {
	f.matches = append(f.matches, matches...)
	return nil
}

func (f *fakeStore) InsertScan(ctx context.Context, timestamp time.Time, latestPatternID int64) (int64, error) {
	f.nextScan++
	return f.nextScan, nil
}

func (f *fakeStore) UpsertScannedPattern(ctx context.Context, scanID, newestPatternID, buildNum int64) error {
	if newestPatternID > f.watermark[buildNum] {
		f.watermark[buildNum] = newestPatternID
	}
	return nil
}

func (f *fakeStore) ScannedPatternWatermark(ctx context.Context, buildNum int64) (int64, error) {
	return f.watermark[buildNum], nil
}

// fakeCI serves canned BuildDocuments and log text keyed by build number.
type fakeCI struct {
	docs     map[int64]ciclient.BuildDocument
	logs     map[string]string
	logErr   map[string]error
	metaErr  map[int64]error
}

func newFakeCI() *fakeCI {
	return &fakeCI{docs: map[int64]ciclient.BuildDocument{}, logs: map[string]string{}, logErr: map[string]error{}, metaErr: map[int64]error{}}
}

func (f *fakeCI) BuildMetadata(ctx context.Context, buildNum int64) (ciclient.BuildDocument, error) {
	if err, ok := f.metaErr[buildNum]; ok {
		return ciclient.BuildDocument{}, err
	}
	return f.docs[buildNum], nil
}

func (f *fakeCI) FetchLog(ctx context.Context, outputURL string) (string, error) {
	if err, ok := f.logErr[outputURL]; ok {
		return "", err
	}
	return f.logs[outputURL], nil
}

// passthroughCache skips the two-tier cache entirely and calls fetch
// directly, since these tests only exercise coordinator orchestration.
type passthroughCache struct{}

func (passthroughCache) GetOrFetch(ctx context.Context, buildNum, stepID int64, fetch logcache.Fetcher) (string, error) {
	return fetch(ctx)
}

func boomPattern(id int64, applicableSteps ...string) model.Pattern {
	return model.Pattern{ID: id, Expression: "boom", Specificity: 1, ApplicableSteps: applicableSteps}
}

func TestRunFreshScanRecordsMatch(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 10)
	ci := newFakeCI()
	ci.docs[10] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/10"}}},
	}}
	ci.logs["http://logs/10"] = "everything fine\nboom\n"

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, result.BuildsVisited)
	require.Equal(t, 1, result.MatchesRecorded)
	require.Empty(t, result.Errors)

	step := store.steps[10]
	require.NotNil(t, step)
	require.Equal(t, "test", *step.Name)
	require.False(t, step.IsTimeout)
	require.Equal(t, int64(1), store.watermark[10])
}

func TestRunTimeoutBuildRecordsNoLog(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 20)
	ci := newFakeCI()
	ci.docs[20] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "deploy", Actions: []ciclient.Action{{Timedout: true}}},
	}}

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, result.BuildsVisited)
	require.Equal(t, 0, result.MatchesRecorded)

	step := store.steps[20]
	require.NotNil(t, step)
	require.True(t, step.IsTimeout)
	require.Equal(t, "deploy", *step.Name)
}

func TestRunIdiopathicBuildRecordsNullStep(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 30)
	ci := newFakeCI()
	ci.docs[30] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: false, Timedout: false}}},
	}}

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, result.BuildsVisited)
	require.Equal(t, 0, result.MatchesRecorded)

	step := store.steps[30]
	require.NotNil(t, step)
	require.Nil(t, step.Name)
	require.False(t, step.IsTimeout)
}

func TestRunApplicabilityFilterExcludesNonMatchingStep(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1, "build")}, 40)
	ci := newFakeCI()
	ci.docs[40] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/40"}}},
	}}
	ci.logs["http://logs/40"] = "boom\n"

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, result.BuildsVisited)
	require.Equal(t, 0, result.MatchesRecorded, "pattern restricted to 'build' must not apply to a 'test' step")
}

func TestRunNetworkFailureFetchingLogIsRecordedAsError(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 50)
	ci := newFakeCI()
	ci.docs[50] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/50"}}},
	}}
	ci.logErr["http://logs/50"] = scanerrors.NewNetworkError("log fetch", assertError("connection reset"))

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	require.True(t, scanerrors.IsNetworkError(result.Errors[0]))

	step := store.steps[50]
	require.NotNil(t, step, "the build step itself is still recorded even though the log download failed")
}

func TestRunRevisitsBuildAfterNewPatternAdded(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 60)
	ci := newFakeCI()
	ci.docs[60] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/60"}}},
	}}
	ci.logs["http://logs/60"] = "boom\n"

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	first, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, first.MatchesRecorded)
	require.Equal(t, int64(1), store.watermark[60])

	store.patterns = append(store.patterns, model.Pattern{ID: 2, Expression: "crash", Specificity: 1})
	ci.logs["http://logs/60"] = "boom\ncrash\n"

	second, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 0, second.BuildsVisited, "build 60 already has a recorded step; it's revisited, not re-visited")
	require.Equal(t, 1, second.BuildsRevisited)
	require.Equal(t, 1, second.MatchesRecorded, "only the new pattern's match is recorded on revisit")
	require.Equal(t, int64(2), store.watermark[60])
}

func TestRunFreshVisitWatermarkCoversNonApplicablePattern(t *testing.T) {
	// pattern 2 is restricted to a step this build never runs, so it never
	// enters the matcher's "applicable" set — but it was still considered
	// and must still advance the watermark past it.
	store := newFakeStore([]model.Pattern{boomPattern(1), boomPattern(2, "deploy")}, 70)
	ci := newFakeCI()
	ci.docs[70] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/70"}}},
	}}
	ci.logs["http://logs/70"] = "boom\n"

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	result, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, result.MatchesRecorded)
	require.Equal(t, int64(2), store.watermark[70], "watermark must cover every pattern considered, not just the applicable ones that matched")
}

func TestRunRevisitWatermarkCoversNonApplicablePattern(t *testing.T) {
	store := newFakeStore([]model.Pattern{boomPattern(1)}, 80)
	ci := newFakeCI()
	ci.docs[80] = ciclient.BuildDocument{Steps: []ciclient.Step{
		{Name: "test", Actions: []ciclient.Action{{Failed: true, OutputURL: "http://logs/80"}}},
	}}
	ci.logs["http://logs/80"] = "boom\n"

	coord := coordinator.New(store, ci, passthroughCache{}, 2, nil)
	_, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, int64(1), store.watermark[80])

	// Two new patterns arrive: one applicable to "test" (and matching), one
	// restricted to a step this build never runs.
	store.patterns = append(store.patterns,
		model.Pattern{ID: 2, Expression: "crash", Specificity: 1},
		boomPattern(3, "deploy"),
	)
	ci.logs["http://logs/80"] = "boom\ncrash\n"

	second, err := coord.Run(t.Context(), coordinator.Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, second.MatchesRecorded, "only pattern 2 is both new and applicable")
	require.Equal(t, int64(3), store.watermark[80], "watermark must advance past pattern 3 even though it was never applicable to this build's step")
}

type assertError string

func (e assertError) Error() string { return string(e) }
