// Package progress computes task progress from pane output and optional
// task-spec files. Indicator extraction is a pure function of the
// snapshot text; the task-spec side is cached with a TTL.
package progress

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/zoid/zoid/internal/state"
)

// Source identifies which mode produced a progress figure.
const (
	SourceTaskSpec = "taskspec"
	SourceOutput   = "output"
)

// Indicators are the action counters extracted from a snapshot.
type Indicators struct {
	FilesRead           int     `json:"files_read"`
	FilesWritten        int     `json:"files_written"`
	FilesEdited         int     `json:"files_edited"`
	BashCommands        int     `json:"bash_commands"`
	Contemplations      int     `json:"contemplations"`
	ThinkingTimeSeconds float64 `json:"thinking_time_seconds"`
	ErrorCount          int     `json:"error_count"`
	Source              string  `json:"source"`
	TaskSpecPath        string  `json:"task_spec_path,omitempty"`
	TaskSpecTotal       int     `json:"task_spec_total,omitempty"`
	TaskSpecCompleted   int     `json:"task_spec_completed,omitempty"`
}

// Snapshot is a point-in-time progress estimate for a session.
type Snapshot struct {
	Percent    int        `json:"percent"`
	Indicators Indicators `json:"indicators"`
}

// EstimateRule tunes the output-mode action estimate for sessions whose
// name contains Substring.
type EstimateRule struct {
	Substring string
	Estimate  int
}

// DefaultEstimate is the assumed number of actions per task when no rule
// matches. Carried over from the source heuristic; no stronger claim of
// accuracy is made.
const DefaultEstimate = 10

var thinkingSpanPattern = regexp.MustCompile(`\((\d+)s\)`)

// Parser extracts indicators and computes progress. Safe for concurrent
// use; the loader carries its own locking.
type Parser struct {
	vocab     state.Vocabulary
	loader    *SpecLoader // nil disables task-spec mode
	estimates []EstimateRule
}

// NewParser creates a parser over the given vocabulary. loader may be nil.
func NewParser(vocab state.Vocabulary, loader *SpecLoader, estimates []EstimateRule) *Parser {
	return &Parser{vocab: vocab, loader: loader, estimates: estimates}
}

// Parse computes a progress snapshot for the session from the pane text.
// Task-spec mode is preferred; a spec with zero tasks falls through to
// output mode.
func (p *Parser) Parse(text, sessionKey string) Snapshot {
	ind := p.ExtractIndicators(text)

	if p.loader != nil {
		if spec, err := p.loader.Load(sessionKey); err == nil && spec != nil && spec.TotalTasks > 0 {
			ind.Source = SourceTaskSpec
			ind.TaskSpecPath = spec.Path
			ind.TaskSpecTotal = spec.TotalTasks
			ind.TaskSpecCompleted = spec.CompletedTasks
			percent := int(math.Round(100 * float64(spec.CompletedTasks) / float64(spec.TotalTasks)))
			return Snapshot{Percent: clampPercent(percent), Indicators: ind}
		}
	}

	ind.Source = SourceOutput
	completed := ind.FilesWritten + ind.FilesEdited + ind.BashCommands
	estimate := p.estimateFor(sessionKey)
	percent := int(math.Round(100 * float64(completed) / float64(estimate)))
	return Snapshot{Percent: clampPercent(percent), Indicators: ind}
}

// ExtractIndicators counts action markers in the snapshot. Pure: the same
// text always yields the same counts.
func (p *Parser) ExtractIndicators(text string) Indicators {
	v := p.vocab
	ind := Indicators{
		FilesRead:      strings.Count(text, v.ReadGlyph),
		FilesWritten:   strings.Count(text, v.WriteGlyph),
		FilesEdited:    strings.Count(text, v.EditGlyph),
		BashCommands:   strings.Count(text, v.BashGlyph),
		Contemplations: countContemplations(text, v),
		ErrorCount:     strings.Count(text, "Error:") + strings.Count(text, v.CrossGlyph) + strings.Count(text, "[ERROR]"),
	}

	for _, m := range thinkingSpanPattern.FindAllStringSubmatch(text, -1) {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			ind.ThinkingTimeSeconds += float64(secs)
		}
	}

	return ind
}

func countContemplations(text string, v state.Vocabulary) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, v.ContemplationWord) {
			continue
		}
		for _, g := range v.ContemplationGlyphs {
			if strings.Contains(line, g) {
				count++
				break
			}
		}
	}
	return count
}

func (p *Parser) estimateFor(sessionKey string) int {
	for _, rule := range p.estimates {
		if rule.Substring != "" && strings.Contains(sessionKey, rule.Substring) {
			if rule.Estimate > 0 {
				return rule.Estimate
			}
		}
	}
	return DefaultEstimate
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
