package db

import (
	"context"

	"github.com/flakehunter/ciscan/internal/db/model"
)

// InsertLogMetadata records that a build step's log has been downloaded
// and cached. The log body is duplicated into content so the row is a
// standalone recovery point for the two-tier cache (internal/logcache):
// if the filesystem shard is lost, the next GetOrFetch can rehydrate
// from this column instead of re-downloading from the CI provider.
// Enforces I3 at the schema level via a unique constraint on build_step.
func (p *Pool) InsertLogMetadata(ctx context.Context, a model.LogArtifact) error {
	_, err := p.ExecContext(ctx, `
		INSERT INTO log_metadata (build_step, line_count, byte_count, content)
		VALUES ($1, $2, $3, $4)`,
		a.BuildStep, a.LineCount, a.ByteCount, a.Content)
	return wrapErr("insert log metadata", err)
}

// LogMetadataByBuildStep reports whether a log has already been fetched
// for this step, so the log cache can skip a redundant download. The
// returned Content is the full log body, letting callers rehydrate a
// missing filesystem shard without recontacting the CI provider.
func (p *Pool) LogMetadataByBuildStep(ctx context.Context, buildStep int64) (*model.LogArtifact, error) {
	var a model.LogArtifact
	err := p.GetContext(ctx, &a, `
		SELECT build_step, line_count, byte_count, content FROM log_metadata WHERE build_step = $1`, buildStep)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapErr("lookup log metadata", err)
	}
	return &a, nil
}
