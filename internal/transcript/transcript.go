// Package transcript reads the agent runtime's append-only JSONL session
// transcripts. The runtime owns these files; the control plane only ever
// reads them, tolerating partial or malformed lines.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnsafeSegment is returned for path segments that could escape the
// transcript directory.
var ErrUnsafeSegment = errors.New("transcript: unsafe path segment")

// maxLineBytes bounds a single transcript line. Lines beyond this are the
// runtime's problem, not ours; the scanner skips them.
const maxLineBytes = 4 << 20

// Summary is the aggregate of one session transcript.
type Summary struct {
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"costUsd"`
	HadError bool    `json:"hadError"`
	// Events counts the message events that contributed to the summary.
	Events int `json:"events"`
}

// SafeSegment reports whether s may be used as a single path segment.
func SafeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00") && !strings.Contains(s, "..")
}

// event is the subset of a transcript line the summarizer cares about.
type event struct {
	Type         string `json:"type"`
	StopReason   string `json:"stopReason"`
	ErrorMessage string `json:"errorMessage"`
	Message      *struct {
		StopReason   string `json:"stopReason"`
		ErrorMessage string `json:"errorMessage"`
		Usage        *struct {
			Input       int64 `json:"input"`
			Output      int64 `json:"output"`
			CacheRead   int64 `json:"cacheRead"`
			CacheWrite  int64 `json:"cacheWrite"`
			Total       int64 `json:"total"`
			TotalTokens int64 `json:"totalTokens"`
			Cost        *struct {
				Total float64 `json:"total"`
			} `json:"cost"`
		} `json:"usage"`
	} `json:"message"`
}

// Summarize reads the transcript at path and aggregates token usage, cost
// and error state. A missing file yields a zero summary with no error;
// unparseable lines are skipped silently.
func Summarize(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, nil
		}
		return Summary{}, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var summary Summary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		stopReason, errorMessage := ev.StopReason, ev.ErrorMessage
		if ev.Message != nil {
			if stopReason == "" {
				stopReason = ev.Message.StopReason
			}
			if errorMessage == "" {
				errorMessage = ev.Message.ErrorMessage
			}
		}
		if stopReason == "error" || errorMessage != "" {
			summary.HadError = true
		}

		if ev.Type != "message" || ev.Message == nil || ev.Message.Usage == nil {
			continue
		}
		usage := ev.Message.Usage
		summary.Events++
		switch {
		case usage.TotalTokens > 0:
			summary.Tokens += usage.TotalTokens
		case usage.Total > 0:
			summary.Tokens += usage.Total
		default:
			summary.Tokens += usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite
		}
		if usage.Cost != nil {
			summary.CostUSD += usage.Cost.Total
		}
	}
	// Scanner errors (for example an oversized line) end the summary at the
	// last good line; partial totals are still useful.
	return summary, nil
}

// SummarizeSession validates the segments and summarizes the session's
// transcript under agentsDir.
func SummarizeSession(agentsDir, agentID, sessionID string) (Summary, error) {
	if !SafeSegment(agentID) || !SafeSegment(sessionID) {
		return Summary{}, ErrUnsafeSegment
	}
	return Summarize(sessionPath(agentsDir, agentID, sessionID))
}
