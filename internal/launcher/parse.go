package launcher

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sevir/claude-relay/pkg/models"
)

// claudeResult is the shape of the CLI's machine-readable output, both the
// single object of json mode and the "result" events of stream-json mode.
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype,omitempty"`
	Result       string  `json:"result,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

func (c *claudeResult) toResult() *models.Result {
	cost := c.CostUSD
	if cost == 0 {
		cost = c.TotalCostUSD
	}
	return &models.Result{
		Answer:     c.Result,
		SessionID:  c.SessionID,
		CostUSD:    cost,
		DurationMS: c.DurationMS,
	}
}

// responseIDPattern recovers the continuation token from stderr when the
// CLI fell back to plain-text output.
var responseIDPattern = regexp.MustCompile(`Response ID:\s*(\S+)`)

func sessionIDFromStderr(stderr string) string {
	if m := responseIDPattern.FindStringSubmatch(stderr); m != nil {
		return m[1]
	}
	return ""
}

// parseJSONObject unmarshals s into a claudeResult when s is a single JSON
// object. Anything else (plain text, arrays, partial JSON) is rejected.
func parseJSONObject(s string) (*claudeResult, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var cr claudeResult
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&cr); err != nil {
		return nil, false
	}
	// Trailing garbage after the object means it was not a single object.
	if dec.More() {
		return nil, false
	}
	return &cr, true
}

// parseBlockingOutput normalizes a blocking call's full stdout/stderr. A
// single JSON object is the result; anything else is the plain-text
// fallback with the continuation token recovered from stderr and zero
// cost/duration.
func parseBlockingOutput(stdout, stderr string) (*models.Result, error) {
	trimmed := strings.TrimSpace(stdout)

	if cr, ok := parseJSONObject(trimmed); ok {
		return cr.toResult(), nil
	}

	if trimmed == "" {
		return nil, &models.ExecutionError{
			Reason: "claude produced no parsable output",
			Stderr: strings.TrimSpace(stderr),
		}
	}

	return &models.Result{
		Answer:    trimmed,
		SessionID: sessionIDFromStderr(stderr),
	}, nil
}

// streamCollector accumulates line-delimited JSON output. Well-formed
// "result" events are retained last-wins; a session may emit interim
// tool-call events before the lasting final result. Malformed lines are
// discarded: partial JSON across chunk boundaries is expected, not an
// error.
type streamCollector struct {
	last         *claudeResult
	lastNonEmpty string
	raw          strings.Builder
}

func newStreamCollector() *streamCollector {
	return &streamCollector{}
}

func (s *streamCollector) feed(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	s.lastNonEmpty = trimmed
	s.raw.WriteString(trimmed)
	s.raw.WriteString("\n")

	if cr, ok := parseJSONObject(trimmed); ok && cr.Type == "result" {
		s.last = cr
	}
}

// finalResult resolves the stream at process exit: the captured result if
// any, else the last non-empty line if it parses, else the plain-text
// fallback over everything collected.
func (s *streamCollector) finalResult(stderr string) (*models.Result, error) {
	if s.last != nil {
		return s.last.toResult(), nil
	}
	if cr, ok := parseJSONObject(s.lastNonEmpty); ok {
		return cr.toResult(), nil
	}
	return parseBlockingOutput(s.raw.String(), stderr)
}
