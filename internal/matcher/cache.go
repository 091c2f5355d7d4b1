package matcher

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// captureGroupCache holds compiled regexes for FirstCaptureGroup, which is
// called per-match rather than per-batch and would otherwise recompile the
// same expression repeatedly.
var captureGroupCache, _ = lru.New[string, *regexp.Regexp](256)

func compileCached(expr string) (*regexp.Regexp, error) {
	if re, ok := captureGroupCache.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	captureGroupCache.Add(expr, re)
	return re, nil
}
