package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flakehunter/ciscan/internal/db"
)

const schemaDDL = `
CREATE TABLE builds (
	build_num   BIGINT PRIMARY KEY,
	vcs_revision TEXT NOT NULL,
	queued_at   TIMESTAMPTZ NOT NULL,
	job_name    TEXT NOT NULL,
	branch      TEXT NOT NULL
);

CREATE TABLE build_steps (
	id         BIGSERIAL PRIMARY KEY,
	build_num  BIGINT NOT NULL REFERENCES builds(build_num),
	name       TEXT,
	is_timeout BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE patterns (
	id                          BIGSERIAL PRIMARY KEY,
	expression                  TEXT NOT NULL,
	regex                       BOOLEAN NOT NULL DEFAULT false,
	has_nondeterministic_values BOOLEAN NOT NULL DEFAULT false,
	description                 TEXT NOT NULL DEFAULT '',
	specificity                 INT NOT NULL DEFAULT 0,
	is_retired                  BOOLEAN NOT NULL DEFAULT false,
	lines_from_end              INT
);

CREATE TABLE pattern_tags (
	pattern BIGINT NOT NULL REFERENCES patterns(id),
	tag     TEXT NOT NULL
);

CREATE TABLE pattern_step_applicability (
	pattern   BIGINT NOT NULL REFERENCES patterns(id),
	step_name TEXT NOT NULL
);

CREATE TABLE scans (
	id                BIGSERIAL PRIMARY KEY,
	timestamp         TIMESTAMPTZ NOT NULL,
	latest_pattern_id BIGINT NOT NULL
);

CREATE TABLE scanned_patterns (
	scan_id           BIGINT NOT NULL REFERENCES scans(id),
	newest_pattern_id BIGINT NOT NULL,
	build_num         BIGINT NOT NULL UNIQUE REFERENCES builds(build_num)
);

CREATE TABLE matches (
	id          BIGSERIAL PRIMARY KEY,
	build_step  BIGINT NOT NULL REFERENCES build_steps(id),
	pattern     BIGINT NOT NULL REFERENCES patterns(id),
	line_number INT NOT NULL,
	line_text   TEXT NOT NULL,
	span_start  INT NOT NULL,
	span_end    INT NOT NULL,
	scan        BIGINT NOT NULL REFERENCES scans(id)
);

CREATE TABLE log_metadata (
	build_step BIGINT PRIMARY KEY REFERENCES build_steps(id),
	line_count INT NOT NULL,
	byte_count INT NOT NULL,
	content TEXT NOT NULL
);
`

// newTestPool starts a throwaway Postgres container, applies the schema,
// and returns a connected Pool. Skips the test if Docker isn't available,
// matching the teacher's testcontainers harness pattern.
func newTestPool(t *testing.T) *db.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ciscan",
			"POSTGRES_PASSWORD": "ciscan",
			"POSTGRES_DB":       "ciscan",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable, skipping db integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://ciscan:ciscan@%s:%s/ciscan?sslmode=disable", host, port.Port())

	var pool *db.Pool
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err = db.Open(ctx, dsn, 5)
		if err == nil {
			if _, pingErr := pool.ExecContext(ctx, "SELECT 1"); pingErr == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Cleanup(func() { _ = pool.Close() })

	if _, err := pool.ExecContext(ctx, schemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return pool
}
