package matcher_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flakehunter/ciscan/internal/db/model"
	"github.com/flakehunter/ciscan/internal/matcher"
	"github.com/flakehunter/ciscan/internal/patternstore"
)

func literal(id int64, expr string, specificity int) *patternstore.Compiled {
	return &patternstore.Compiled{Pattern: model.Pattern{ID: id, Expression: expr, Specificity: specificity}}
}

func regex(id int64, expr string) *patternstore.Compiled {
	return &patternstore.Compiled{
		Pattern: model.Pattern{ID: id, Expression: expr, IsRegex: true},
		Regex:   regexp.MustCompile(expr),
	}
}

func TestScanOrdersByLineThenPattern(t *testing.T) {
	lines := []matcher.Line{
		{Index: 0, Text: "build started"},
		{Index: 1, Text: "panic: nil pointer dereference"},
		{Index: 2, Text: "exit status 1"},
	}
	patterns := []*patternstore.Compiled{
		literal(2, "exit status", 1),
		regex(1, `panic: .*`),
	}

	matches := matcher.Scan(lines, patterns)
	require.Len(t, matches, 2)
	require.Equal(t, 1, matches[0].LineIndex)
	require.Equal(t, int64(1), matches[0].PatternID)
	require.Equal(t, 2, matches[1].LineIndex)
	require.Equal(t, int64(2), matches[1].PatternID)
}

func TestScanOrdersMultipleMatchesOnSameLineByPatternID(t *testing.T) {
	lines := []matcher.Line{{Index: 0, Text: "error: timeout waiting for pod"}}
	patterns := []*patternstore.Compiled{
		literal(5, "timeout", 1),
		literal(2, "error:", 1),
	}

	matches := matcher.Scan(lines, patterns)
	require.Len(t, matches, 2)
	require.Equal(t, int64(2), matches[0].PatternID)
	require.Equal(t, int64(5), matches[1].PatternID)
}

func TestScanTrimsTrailingWhitespace(t *testing.T) {
	lines := []matcher.Line{{Index: 0, Text: "boom \t\r\n"}}
	patterns := []*patternstore.Compiled{literal(1, "boom", 1)}

	matches := matcher.Scan(lines, patterns)
	require.Len(t, matches, 1)
	require.Equal(t, "boom", matches[0].LineText)
	require.Equal(t, 0, matches[0].SpanStart)
	require.Equal(t, 4, matches[0].SpanEnd)
}

func TestScanLinesFromEndRestrictsToTail(t *testing.T) {
	n := 1
	lines := []matcher.Line{
		{Index: 0, Text: "FAIL here too"},
		{Index: 1, Text: "ok"},
		{Index: 2, Text: "FAIL at the end"},
	}
	p := literal(1, "FAIL", 1)
	p.LinesFromEnd = &n

	matches := matcher.Scan(lines, []*patternstore.Compiled{p})
	require.Len(t, matches, 1)
	require.Equal(t, 2, matches[0].LineIndex)
}

func TestScanUncompiledRegexNeverMatches(t *testing.T) {
	p := &patternstore.Compiled{Pattern: model.Pattern{ID: 1, Expression: `(`, IsRegex: true}}
	lines := []matcher.Line{{Index: 0, Text: "anything"}}

	matches := matcher.Scan(lines, []*patternstore.Compiled{p})
	require.Empty(t, matches)
}

func TestFirstCaptureGroup(t *testing.T) {
	group, ok := matcher.FirstCaptureGroup("FAIL: TestFoo (0.01s)", `FAIL: (\S+)`)
	require.True(t, ok)
	require.Equal(t, "TestFoo", group)

	_, ok = matcher.FirstCaptureGroup("nothing here", `FAIL: (\S+)`)
	require.False(t, ok)

	_, ok = matcher.FirstCaptureGroup("text", `(`)
	require.False(t, ok)
}
