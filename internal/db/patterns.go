package db

import (
	"context"

	"github.com/flakehunter/ciscan/internal/db/model"
)

type patternRow struct {
	ID                 int64  `db:"id"`
	Expression         string `db:"expression"`
	IsRegex            bool   `db:"regex"`
	IsNondeterministic bool   `db:"has_nondeterministic_values"`
	Description        string `db:"description"`
	Specificity        int    `db:"specificity"`
	IsRetired          bool   `db:"is_retired"`
	LinesFromEnd       *int   `db:"lines_from_end"`
}

// LoadPatterns fetches the full pattern catalog along with its tag and
// applicability side tables, in one round trip per table. Callers compile
// the expressions (see internal/patternstore); this layer only hydrates
// rows.
func (p *Pool) LoadPatterns(ctx context.Context) ([]model.Pattern, error) {
	var rows []patternRow
	if err := p.SelectContext(ctx, &rows, `
		SELECT id, expression, regex, has_nondeterministic_values,
		       description, specificity, is_retired, lines_from_end
		FROM patterns
		ORDER BY id ASC`); err != nil {
		return nil, wrapErr("load patterns", err)
	}

	tags, err := p.loadPatternTags(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := p.loadPatternApplicability(ctx)
	if err != nil {
		return nil, err
	}

	patterns := make([]model.Pattern, 0, len(rows))
	for _, r := range rows {
		patterns = append(patterns, model.Pattern{
			ID:                 r.ID,
			Expression:         r.Expression,
			IsRegex:            r.IsRegex,
			IsNondeterministic: r.IsNondeterministic,
			Description:        r.Description,
			Tags:               tags[r.ID],
			ApplicableSteps:    steps[r.ID],
			Specificity:        r.Specificity,
			IsRetired:          r.IsRetired,
			LinesFromEnd:       r.LinesFromEnd,
		})
	}
	return patterns, nil
}

func (p *Pool) loadPatternTags(ctx context.Context) (map[int64][]string, error) {
	var rows []struct {
		Pattern int64  `db:"pattern"`
		Tag     string `db:"tag"`
	}
	if err := p.SelectContext(ctx, &rows, `SELECT pattern, tag FROM pattern_tags`); err != nil {
		return nil, wrapErr("load pattern tags", err)
	}
	out := make(map[int64][]string, len(rows))
	for _, r := range rows {
		out[r.Pattern] = append(out[r.Pattern], r.Tag)
	}
	return out, nil
}

func (p *Pool) loadPatternApplicability(ctx context.Context) (map[int64][]string, error) {
	var rows []struct {
		Pattern  int64  `db:"pattern"`
		StepName string `db:"step_name"`
	}
	if err := p.SelectContext(ctx, &rows, `SELECT pattern, step_name FROM pattern_step_applicability`); err != nil {
		return nil, wrapErr("load pattern applicability", err)
	}
	out := make(map[int64][]string, len(rows))
	for _, r := range rows {
		out[r.Pattern] = append(out[r.Pattern], r.StepName)
	}
	return out, nil
}

// LatestPatternID returns the maximum pattern id currently persisted, or 0
// if the catalog is empty.
func (p *Pool) LatestPatternID(ctx context.Context) (int64, error) {
	var latest *int64
	if err := p.GetContext(ctx, &latest, `SELECT MAX(id) FROM patterns`); err != nil {
		return 0, wrapErr("latest pattern id", err)
	}
	if latest == nil {
		return 0, nil
	}
	return *latest, nil
}

// InsertPattern appends a new pattern and returns its assigned id. Used by
// tests and fixtures; the production catalog is maintained by the
// out-of-scope HTTP API.
func (p *Pool) InsertPattern(ctx context.Context, pat model.Pattern) (int64, error) {
	var id int64
	err := p.GetContext(ctx, &id, `
		INSERT INTO patterns (expression, regex, has_nondeterministic_values, description, specificity, is_retired, lines_from_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		pat.Expression, pat.IsRegex, pat.IsNondeterministic, pat.Description, pat.Specificity, pat.IsRetired, pat.LinesFromEnd)
	if err != nil {
		return 0, wrapErr("insert pattern", err)
	}
	for _, tag := range pat.Tags {
		if _, err := p.ExecContext(ctx, `INSERT INTO pattern_tags (pattern, tag) VALUES ($1, $2)`, id, tag); err != nil {
			return 0, wrapErr("insert pattern tag", err)
		}
	}
	for _, step := range pat.ApplicableSteps {
		if _, err := p.ExecContext(ctx, `INSERT INTO pattern_step_applicability (pattern, step_name) VALUES ($1, $2)`, id, step); err != nil {
			return 0, wrapErr("insert pattern applicability", err)
		}
	}
	return id, nil
}
