package db

import (
	"context"

	"github.com/flakehunter/ciscan/internal/db/model"
)

// InsertMatches batch-inserts the matches produced for one build step
// during one scan. Matches are never updated after insert (I4: provenance
// is fixed at creation via scan_id).
func (p *Pool) InsertMatches(ctx context.Context, matches []model.Match) error {
	if len(matches) == 0 {
		return nil
	}
	tx, err := p.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("begin match insert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO matches (build_step, pattern, line_number, line_text, span_start, span_end, scan)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return wrapErr("prepare match insert", err)
	}
	defer stmt.Close()

	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx, m.BuildStep, m.PatternID, m.LineNumber, m.LineText, m.SpanStart, m.SpanEnd, m.ScanID); err != nil {
			return wrapErr("insert match", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit match insert", err)
	}
	return nil
}

// MatchesForBuildStep returns every match recorded for a build step,
// ordered so the first row is the best match per I5: specificity DESC,
// is_retired ASC, is_regex ASC, pattern_id DESC.
func (p *Pool) MatchesForBuildStep(ctx context.Context, buildStep int64) ([]model.Match, error) {
	var matches []model.Match
	err := p.SelectContext(ctx, &matches, `
		SELECT m.id, m.build_step, m.pattern AS pattern_id, m.line_number, m.line_text,
		       m.span_start, m.span_end, m.scan AS scan_id
		FROM matches m
		JOIN patterns p ON p.id = m.pattern
		WHERE m.build_step = $1
		ORDER BY p.specificity DESC, p.is_retired ASC, p.regex ASC, m.pattern DESC`, buildStep)
	if err != nil {
		return nil, wrapErr("matches for build step", err)
	}
	return matches, nil
}

// BestMatchForBuildStep returns the single best match per I5, or nil if
// the build step has no matches.
func (p *Pool) BestMatchForBuildStep(ctx context.Context, buildStep int64) (*model.Match, error) {
	matches, err := p.MatchesForBuildStep(ctx, buildStep)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}
