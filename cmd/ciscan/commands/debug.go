package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flakehunter/ciscan/internal/config"
	"github.com/flakehunter/ciscan/internal/db"
	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/logcache"
	"github.com/flakehunter/ciscan/internal/matcher"
	"github.com/flakehunter/ciscan/internal/patternstore"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Inspection utilities for ciscan internals",
}

func init() {
	debugCmd.AddCommand(debugPatternCmd)
	debugCmd.AddCommand(debugLogCmd)
}

// --- debug pattern ---

var (
	debugPatternExpr  string
	debugPatternRegex bool
	debugPatternFile  string
	debugPatternJSON  bool
)

var debugPatternCmd = &cobra.Command{
	Use:   "pattern",
	Short: "Test a pattern expression against a log file without touching the database",
	Run:   runDebugPattern,
}

func init() {
	debugPatternCmd.Flags().StringVar(&debugPatternExpr, "expr", "", "Pattern expression (literal substring or regex)")
	debugPatternCmd.Flags().BoolVar(&debugPatternRegex, "regex", false, "Treat --expr as a regular expression")
	debugPatternCmd.Flags().StringVar(&debugPatternFile, "file", "", "Path to a log file to scan")
	debugPatternCmd.Flags().BoolVar(&debugPatternJSON, "json", false, "Output matches as JSON")
	debugPatternCmd.MarkFlagRequired("expr")
	debugPatternCmd.MarkFlagRequired("file")
}

func runDebugPattern(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(debugPatternFile)
	if err != nil {
		HandleError(err, "failed to read log file")
	}

	loader := singlePatternLoader{pattern: model.Pattern{
		ID:         1,
		Expression: debugPatternExpr,
		IsRegex:    debugPatternRegex,
	}}
	snap, compileErrs, err := patternstore.Load(context.Background(), loader)
	if err != nil {
		HandleError(err, "failed to load pattern")
	}
	for _, e := range compileErrs {
		fmt.Fprintf(os.Stderr, "warning: %v\n", e)
	}

	lines := splitDebugLines(string(data))
	matches := matcher.Scan(lines, snap.All())

	if debugPatternJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(matches); err != nil {
			HandleError(err, "failed to encode matches")
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LINE\tSPAN\tTEXT")
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%d-%d\t%s\n", m.LineIndex, m.SpanStart, m.SpanEnd, m.LineText)
	}
	w.Flush()
	fmt.Printf("%d match(es)\n", len(matches))
}

func splitDebugLines(text string) []matcher.Line {
	parts := strings.Split(text, "\n")
	lines := make([]matcher.Line, 0, len(parts))
	for i, p := range parts {
		lines = append(lines, matcher.Line{Index: i, Text: p})
	}
	return lines
}

// singlePatternLoader adapts one in-memory pattern to patternstore.Loader
// so debug pattern exercises the real compile-and-match path without a
// database.
type singlePatternLoader struct {
	pattern model.Pattern
}

func (l singlePatternLoader) LoadPatterns(ctx context.Context) ([]model.Pattern, error) {
	return []model.Pattern{l.pattern}, nil
}

func (l singlePatternLoader) LatestPatternID(ctx context.Context) (int64, error) {
	return l.pattern.ID, nil
}

// --- debug log ---

var debugLogBuild int64

var debugLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the cached log for a build step",
	Run:   runDebugLog,
}

func init() {
	debugLogCmd.Flags().Int64Var(&debugLogBuild, "build", 0, "Build number to inspect (required)")
	debugLogCmd.MarkFlagRequired("build")
}

func runDebugLog(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configFile)
	if err != nil {
		HandleError(err, "configuration error")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseDSN, cfg.DatabaseMaxConns)
	if err != nil {
		HandleError(err, "failed to connect to database")
	}
	defer pool.Close()

	step, err := pool.BuildStepByBuildNum(ctx, debugLogBuild)
	if err != nil {
		HandleError(err, "failed to look up build step")
	}
	if step == nil {
		HandleError(fmt.Errorf("no build step recorded for build %d", debugLogBuild), "not found")
	}
	if step.IsTimeout {
		fmt.Printf("build %d timed out; no log available\n", debugLogBuild)
		return
	}

	meta, err := pool.LogMetadataByBuildStep(ctx, step.ID)
	if err != nil {
		HandleError(err, "failed to look up log metadata")
	}
	if meta == nil {
		fmt.Printf("no log cached yet for build %d step %d\n", debugLogBuild, step.ID)
		return
	}

	cache, err := logcache.New(cfg.CacheDir, cfg.CacheMemEntries, pool)
	if err != nil {
		HandleError(err, "failed to open log cache")
	}

	text, err := cache.GetOrFetch(ctx, debugLogBuild, step.ID, func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("log metadata exists but the cached file is missing; re-fetching requires a live CI client")
	})
	if err != nil {
		HandleError(err, "failed to read cached log")
	}

	stepName := "<idiopathic>"
	if step.Name != nil {
		stepName = *step.Name
	}
	fmt.Printf("# build %d, step %s, %d lines, %d bytes\n", debugLogBuild, stepName, meta.LineCount, meta.ByteCount)
	fmt.Println(text)
}
