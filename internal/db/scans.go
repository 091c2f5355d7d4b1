package db

import (
	"context"
	"time"

	"github.com/flakehunter/ciscan/internal/db/model"
)

// InsertScan records the start of a batch run, stamping it with the
// pattern snapshot's latest id so every Match produced by this scan can be
// traced back to the exact pattern set that was active (I4).
func (p *Pool) InsertScan(ctx context.Context, timestamp time.Time, latestPatternID int64) (int64, error) {
	var id int64
	err := p.GetContext(ctx, &id, `
		INSERT INTO scans (timestamp, latest_pattern_id)
		VALUES ($1, $2)
		RETURNING id`, timestamp, latestPatternID)
	if err != nil {
		return 0, wrapErr("insert scan", err)
	}
	return id, nil
}

// Scan returns a previously recorded scan row.
func (p *Pool) Scan(ctx context.Context, id int64) (*model.Scan, error) {
	var s model.Scan
	err := p.GetContext(ctx, &s, `SELECT id, timestamp, latest_pattern_id FROM scans WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapErr("lookup scan", err)
	}
	return &s, nil
}
