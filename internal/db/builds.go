package db

import (
	"context"

	"github.com/flakehunter/ciscan/internal/db/model"
)

// InsertBuild records a build's metadata. Safe to call with a build_num
// that already exists only if the caller is fine with a constraint error;
// builds are ingested once and never updated (immutable per the data
// model).
func (p *Pool) InsertBuild(ctx context.Context, b model.Build) error {
	_, err := p.ExecContext(ctx, `
		INSERT INTO builds (build_num, vcs_revision, queued_at, job_name, branch)
		VALUES ($1, $2, $3, $4, $5)`,
		b.BuildNum, b.VCSRevision, b.QueuedAt, b.JobName, b.Branch)
	return wrapErr("insert build", err)
}

// InsertBuildStep records the single recorded step for a build (I3: at
// most one log per step is a downstream invariant of the one-step-per-build
// design used here). Returns the assigned step id.
func (p *Pool) InsertBuildStep(ctx context.Context, step model.BuildStep) (int64, error) {
	var id int64
	err := p.GetContext(ctx, &id, `
		INSERT INTO build_steps (build_num, name, is_timeout)
		VALUES ($1, $2, $3)
		RETURNING id`,
		step.BuildNum, step.Name, step.IsTimeout)
	if err != nil {
		return 0, wrapErr("insert build step", err)
	}
	return id, nil
}

// BuildStepByBuildNum returns the recorded step for a build, or nil if the
// build hasn't been ingested yet.
func (p *Pool) BuildStepByBuildNum(ctx context.Context, buildNum int64) (*model.BuildStep, error) {
	var step model.BuildStep
	err := p.GetContext(ctx, &step, `
		SELECT id, build_num, name, is_timeout FROM build_steps WHERE build_num = $1`, buildNum)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapErr("lookup build step", err)
	}
	return &step, nil
}

// UnvisitedBuilds returns build_nums present in builds but absent from
// build_steps, i.e. builds the coordinator has never visited, newest
// first (per the planner's documented ordering). limit <= 0 means
// unbounded (the policy's and CLI's documented meaning of a zero
// fetch-limit) — Postgres's LIMIT 0 returns zero rows, not all rows, so
// the clause is omitted entirely rather than passed through.
func (p *Pool) UnvisitedBuilds(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT b.build_num
		FROM builds b
		LEFT JOIN build_steps s ON s.build_num = b.build_num
		WHERE s.id IS NULL
		ORDER BY b.build_num DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var nums []int64
	if err := p.SelectContext(ctx, &nums, query, args...); err != nil {
		return nil, wrapErr("unvisited builds", err)
	}
	return nums, nil
}

// RevisitableBuilds returns build_nums that have a recorded, non-timeout
// step but whose high-watermark (scanned_patterns.newest_pattern_id, or -1
// if absent) is behind currentLatestPatternID, meaning newer patterns
// exist that haven't been evaluated against that build's log yet (I2).
// Timeout steps are excluded: they have no log to rescan. limit <= 0
// means unbounded, matching UnvisitedBuilds.
func (p *Pool) RevisitableBuilds(ctx context.Context, currentLatestPatternID int64, limit int) ([]int64, error) {
	query := `
		SELECT s.build_num
		FROM build_steps s
		LEFT JOIN scanned_patterns sp ON sp.build_num = s.build_num
		WHERE s.is_timeout = false
		  AND COALESCE(sp.newest_pattern_id, -1) < $1
		ORDER BY s.build_num DESC`
	args := []interface{}{currentLatestPatternID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var nums []int64
	if err := p.SelectContext(ctx, &nums, query, args...); err != nil {
		return nil, wrapErr("revisitable builds", err)
	}
	return nums, nil
}
