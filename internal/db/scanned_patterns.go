package db

import "context"

// UpsertScannedPattern records or advances a build's high-watermark (I2):
// build_num has now been scanned against every pattern with id <=
// newestPatternID. A concurrent writer racing to the same build_num is
// resolved by keeping whichever watermark is higher, never regressing it.
func (p *Pool) UpsertScannedPattern(ctx context.Context, scanID, newestPatternID, buildNum int64) error {
	_, err := p.ExecContext(ctx, `
		INSERT INTO scanned_patterns (scan_id, newest_pattern_id, build_num)
		VALUES ($1, $2, $3)
		ON CONFLICT (build_num) DO UPDATE
		SET scan_id = EXCLUDED.scan_id, newest_pattern_id = EXCLUDED.newest_pattern_id
		WHERE scanned_patterns.newest_pattern_id < EXCLUDED.newest_pattern_id`,
		scanID, newestPatternID, buildNum)
	return wrapErr("upsert scanned pattern", err)
}

// ScannedPatternWatermark returns the newest_pattern_id recorded for a
// build, or 0 if the build has never been scanned.
func (p *Pool) ScannedPatternWatermark(ctx context.Context, buildNum int64) (int64, error) {
	var watermark *int64
	err := p.GetContext(ctx, &watermark, `
		SELECT newest_pattern_id FROM scanned_patterns WHERE build_num = $1`, buildNum)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, wrapErr("scanned pattern watermark", err)
	}
	if watermark == nil {
		return 0, nil
	}
	return *watermark, nil
}
