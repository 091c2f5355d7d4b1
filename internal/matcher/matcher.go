// Package matcher implements the pure pattern-matching step of the scan
// engine: given log lines and a pattern set, it emits matches with no
// side effects and no dependency on the database or network.
package matcher

import (
	"sort"
	"strings"

	"github.com/flakehunter/ciscan/internal/patternstore"
)

// Line is one line of a log, already split and zero-indexed by the
// caller.
type Line struct {
	Index int
	Text  string
}

// Match is one positive evaluation of a pattern against one line. This is
// the in-memory counterpart of model.Match before a scan_id and
// build_step are stamped onto it for persistence.
type Match struct {
	LineIndex int
	PatternID int64
	LineText  string
	SpanStart int
	SpanEnd   int
}

// Scan evaluates every pattern against every line and returns matches
// ordered by (line_index ASC, pattern_id ASC), per the matcher's
// determinism contract. Trailing whitespace is stripped from each line
// before matching; lines_from_end restricts a pattern to the tail of the
// log.
func Scan(lines []Line, patterns []*patternstore.Compiled) []Match {
	var matches []Match

	for _, p := range patterns {
		applicableLines := lines
		if p.LinesFromEnd != nil {
			applicableLines = tail(lines, *p.LinesFromEnd)
		}
		for _, line := range applicableLines {
			text := strings.TrimRight(line.Text, " \t\r\n")
			if m, ok := matchLine(text, p); ok {
				matches = append(matches, Match{
					LineIndex: line.Index,
					PatternID: p.ID,
					LineText:  text,
					SpanStart: m.start,
					SpanEnd:   m.end,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].LineIndex != matches[j].LineIndex {
			return matches[i].LineIndex < matches[j].LineIndex
		}
		return matches[i].PatternID < matches[j].PatternID
	})
	return matches
}

// tail returns the last n lines of lines (or all of them if n exceeds the
// length), preserving their original Index values.
func tail(lines []Line, n int) []Line {
	if n >= len(lines) {
		return lines
	}
	return lines[len(lines)-n:]
}

type span struct{ start, end int }

// matchLine evaluates a single compiled pattern against one line, first
// (and only) occurrence.
func matchLine(text string, p *patternstore.Compiled) (span, bool) {
	if p.IsRegex {
		if p.Regex == nil {
			return span{}, false
		}
		loc := p.Regex.FindStringIndex(text)
		if loc == nil {
			return span{}, false
		}
		return span{start: loc[0], end: loc[1]}, true
	}

	idx := strings.Index(text, p.Expression)
	if idx < 0 {
		return span{}, false
	}
	return span{start: idx, end: idx + len(p.Expression)}, true
}

// FirstCaptureGroup returns the first capturing group's text from the
// first match of expr against text, used by the test-failure extraction
// path rather than the Matcher's main scan loop.
func FirstCaptureGroup(text, expr string) (string, bool) {
	re, err := compileCached(expr)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}
