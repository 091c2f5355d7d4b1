package logging

// cloneFields creates a copy of the source fields map.
// Returns a new map with all key-value pairs from src.
// Returns an empty map if src is nil or empty.
// This helper eliminates duplicate field copying logic.
func cloneFields(src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return make(map[string]interface{})
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// The constructors below are the structured fields the scan engine
// actually attaches to log lines. Every batch, build, pattern, and match
// the coordinator touches flows through one of these rather than an ad
// hoc Field("build_num", n) call at each site, so the key names stay
// consistent across internal/coordinator, internal/patternstore,
// internal/logcache, and cmd/ciscan.

// BuildField tags a log line with the CI build number under scan.
func BuildField(buildNum int64) LogField { return Field("build_num", buildNum) }

// StepField tags a log line with the build step name (e.g. "test", "deploy").
func StepField(name string) LogField { return Field("step", name) }

// PatternField tags a log line with a single pattern's id.
func PatternField(patternID int64) LogField { return Field("pattern_id", patternID) }

// ScanField tags a log line with the enclosing scan batch id.
func ScanField(scanID int64) LogField { return Field("scan_id", scanID) }

// WatermarkField tags a log line with a build's scanned-pattern high-watermark.
func WatermarkField(patternID int64) LogField { return Field("watermark", patternID) }

// MatchCountField tags a log line with how many matches a scan step produced.
func MatchCountField(n int) LogField { return Field("matches", n) }
