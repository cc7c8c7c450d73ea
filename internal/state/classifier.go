// Package state classifies a session's pane snapshot into one of nine
// semantic states. Classification is pure and deterministic: the same
// snapshot, prior state, and idle time always yield the same result.
package state

import (
	"regexp"
	"strings"
	"time"
)

// State is the semantic state inferred for a supervised session.
type State string

const (
	Initializing State = "initializing"
	Reading      State = "reading"
	Thinking     State = "thinking"
	Working      State = "working"
	Testing      State = "testing"
	Idle         State = "idle"
	Stuck        State = "stuck"
	Error        State = "error"
	Complete     State = "complete"
)

// All lists every valid state.
var All = []State{Initializing, Reading, Thinking, Working, Testing, Idle, Stuck, Error, Complete}

// Valid reports whether s is a member of the closed state set.
func Valid(s State) bool {
	for _, v := range All {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether the state does not auto-revert on new output.
// Complete is terminal; Stuck clears on any new activity.
func Terminal(s State) bool {
	return s == Complete
}

// Vocabulary is the glyph table the classifier and progress parser
// recognize in agent output. It mirrors the markers the agent CLI prints
// for each action; treat it as a configuration constant.
type Vocabulary struct {
	ContemplationGlyphs []string // asterisk variants preceding "Contemplating"
	ContemplationWord   string
	ReadGlyph           string
	WriteGlyph          string
	EditGlyph           string
	BashGlyph           string
	CompleteGlyph       string
	CrossGlyph          string
	PromptGlyph         string
}

// DefaultVocabulary matches the output markers of the supervised agent CLI.
var DefaultVocabulary = Vocabulary{
	ContemplationGlyphs: []string{"✶", "✻", "✽", "✢", "∗", "*"},
	ContemplationWord:   "Contemplating",
	ReadGlyph:           "⏺ Read",
	WriteGlyph:          "⏺ Write",
	EditGlyph:           "⏺ Edit",
	BashGlyph:           "⏺ Bash",
	CompleteGlyph:       "✅",
	CrossGlyph:          "❌",
	PromptGlyph:         ">",
}

// contemplationPattern builds the regex matching a contemplation glyph
// followed by the contemplation word.
func (v Vocabulary) contemplationPattern() *regexp.Regexp {
	glyphs := make([]string, 0, len(v.ContemplationGlyphs))
	for _, g := range v.ContemplationGlyphs {
		glyphs = append(glyphs, regexp.QuoteMeta(g))
	}
	return regexp.MustCompile("(" + strings.Join(glyphs, "|") + `)\s*` + regexp.QuoteMeta(v.ContemplationWord))
}

// Classifier maps pane snapshots to states. Zero-value thresholds are not
// useful; construct with New.
type Classifier struct {
	vocab         Vocabulary
	contemplation *regexp.Regexp
}

// New creates a classifier over the given vocabulary.
func New(vocab Vocabulary) *Classifier {
	return &Classifier{
		vocab:         vocab,
		contemplation: vocab.contemplationPattern(),
	}
}

// Classify maps (snapshot text, prior state, idle time) to a state.
// Rules are evaluated in order; the first match wins. stuckThreshold
// gates rule 7 only.
func (c *Classifier) Classify(text string, prior State, idle, stuckThreshold time.Duration) State {
	v := c.vocab

	// 1. Contemplation marker.
	if c.contemplation.MatchString(text) {
		return Thinking
	}

	hasWrite := strings.Contains(text, v.WriteGlyph) || strings.Contains(text, v.EditGlyph)

	// 2. Reading without any write activity.
	if strings.Contains(text, v.ReadGlyph) && !hasWrite {
		return Reading
	}

	// 3. Any write or edit activity.
	if hasWrite {
		return Working
	}

	// 4. Shell activity that mentions tests.
	if strings.Contains(text, v.BashGlyph) && strings.Contains(strings.ToLower(text), "test") {
		return Testing
	}

	// 5. Completion marker.
	if completionNear(text, v.CompleteGlyph) || strings.Contains(text, "Task complete") {
		return Complete
	}

	// 6. Error markers.
	if strings.Contains(text, "Error:") || strings.Contains(text, v.CrossGlyph) || strings.Contains(text, "[ERROR]") {
		return Error
	}

	// 7/8. Prompt at the end of the buffer: stuck if idle too long.
	if strings.HasSuffix(strings.TrimSpace(text), v.PromptGlyph) {
		if stuckThreshold > 0 && idle > stuckThreshold {
			return Stuck
		}
		return Idle
	}

	// 9. No signal: retain the prior state.
	if prior == "" {
		return Idle
	}
	return prior
}

// completionNear reports whether any line contains the completion glyph
// alongside the word "complete".
func completionNear(text, glyph string) bool {
	if glyph == "" {
		return false
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, glyph) && strings.Contains(strings.ToLower(line), "complete") {
			return true
		}
	}
	return false
}
