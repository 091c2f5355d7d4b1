// Package model holds the Go types mirroring the persistence contract
// described in the scan engine's data model: builds, build steps, patterns,
// matches, scans, scanned-pattern high-watermarks, and log artifacts. The
// schema itself lives outside this module; these types exist so the rest of
// the engine can talk about rows without re-deriving column shapes.
package model

import "time"

// Build is one execution of a CI job, identified by an external integer.
// Immutable once ingested.
type Build struct {
	BuildNum    int64     `db:"build_num"`
	VCSRevision string    `db:"vcs_revision"`
	QueuedAt    time.Time `db:"queued_at"`
	JobName     string    `db:"job_name"`
	Branch      string    `db:"branch"`
}

// BuildStep is a named phase within a build. At most one step is recorded
// per build: the one that failed, timed out, or (if no step failed) a
// sentinel row with a null name marking the build idiopathic.
type BuildStep struct {
	ID        int64   `db:"id"`
	BuildNum  int64   `db:"build_num"`
	Name      *string `db:"name"`
	IsTimeout bool    `db:"is_timeout"`
}

// Pattern is a compiled matcher plus its metadata. Identifiers are
// monotonically increasing and never reused (I1).
type Pattern struct {
	ID                      int64
	Expression              string
	IsRegex                 bool
	IsNondeterministic      bool
	Description             string
	Tags                    []string
	ApplicableSteps         []string
	Specificity             int
	IsRetired               bool
	LinesFromEnd            *int
}

// AppliesToStep reports whether the pattern is restricted to specific step
// names, and if so, whether stepName is one of them. An empty
// ApplicableSteps set means the pattern is universal and matches any step
// name, including the empty string.
func (p *Pattern) AppliesToStep(stepName string) bool {
	if len(p.ApplicableSteps) == 0 {
		return true
	}
	for _, s := range p.ApplicableSteps {
		if s == stepName {
			return true
		}
	}
	return false
}

// Match is one positive evaluation of a pattern against one line of a log.
// Never mutated once created.
type Match struct {
	ID         int64  `db:"id"`
	BuildStep  int64  `db:"build_step"`
	PatternID  int64  `db:"pattern_id"`
	LineNumber int    `db:"line_number"`
	LineText   string `db:"line_text"`
	SpanStart  int    `db:"span_start"`
	SpanEnd    int    `db:"span_end"`
	ScanID     int64  `db:"scan_id"`
}

// Scan is a batch execution of the engine, stamped onto every Match it
// produces.
type Scan struct {
	ID              int64     `db:"id"`
	Timestamp       time.Time `db:"timestamp"`
	LatestPatternID int64     `db:"latest_pattern_id"`
}

// ScannedPattern is the high-watermark record: build_num has been scanned
// against every applicable pattern with id <= NewestPatternID (I2).
type ScannedPattern struct {
	ScanID          int64 `db:"scan_id"`
	NewestPatternID int64 `db:"newest_pattern_id"`
	BuildNum        int64 `db:"build_num"`
}

// LogArtifact is the persisted console log text for a build step, written
// once after a successful download (I3: at most one per step).
type LogArtifact struct {
	BuildStep int64  `db:"build_step"`
	LineCount int    `db:"line_count"`
	ByteCount int    `db:"byte_count"`
	Content   string `db:"content"`
}
