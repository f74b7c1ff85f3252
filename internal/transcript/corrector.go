// Package transcript post-processes STT results before they reach the
// conversation log. Its single concern is hotword correction: final
// transcripts are scanned for tokens that sound like a configured hotword
// (product names, jargon) and rewritten to the canonical spelling.
package transcript

import (
	"strings"
	"sync"

	"github.com/deepknow/omniagent/internal/transcript/phonetic"
)

// Correction records one hotword substitution applied to a transcript.
type Correction struct {
	// Original is the token span as recognised by the STT provider.
	Original string

	// Corrected is the canonical hotword that replaced it.
	Corrected string

	// Confidence is the Jaro-Winkler similarity score of the match (0–1].
	Confidence float64
}

// Matcher is the phonetic matching contract used by the corrector. Satisfied
// by [phonetic.Matcher]; tests substitute their own.
type Matcher interface {
	Match(word string, hotwords []string) (corrected string, confidence float64, matched bool)
}

// Corrector rewrites final transcripts against a hotword vocabulary. It is
// safe for concurrent use; the hotword list can be swapped at runtime via
// [Corrector.SetHotwords] (config hot reload).
type Corrector struct {
	matcher Matcher

	mu       sync.RWMutex
	hotwords []string
	maxWords int
}

// NewCorrector builds a Corrector over the given hotword list. A nil matcher
// defaults to [phonetic.New].
func NewCorrector(matcher Matcher, hotwords []string) *Corrector {
	if matcher == nil {
		matcher = phonetic.New()
	}
	c := &Corrector{matcher: matcher}
	c.SetHotwords(hotwords)
	return c
}

// SetHotwords replaces the hotword vocabulary.
func (c *Corrector) SetHotwords(hotwords []string) {
	hw := make([]string, 0, len(hotwords))
	maxWords := 1
	for _, w := range hotwords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		hw = append(hw, w)
		if n := len(strings.Fields(w)); n > maxWords {
			maxWords = n
		}
	}

	c.mu.Lock()
	c.hotwords = hw
	c.maxWords = maxWords
	c.mu.Unlock()
}

// Hotwords returns a copy of the current vocabulary, for passing to STT
// session configs as recognition hints.
func (c *Corrector) Hotwords() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.hotwords...)
}

// Correct scans text for spans that phonetically match a hotword and rewrites
// them to the canonical spelling. It returns the corrected text and the list
// of substitutions made; when nothing matches, text is returned unchanged
// with a nil correction list.
//
// The scan tokenises on whitespace and, at each position, tries n-gram
// windows from the longest hotword length down to 1, accepting the longest
// match so multi-word hotwords take precedence over partial single-word
// matches. Text without whitespace-separated tokens (e.g. pure CJK prose) is
// passed through untouched.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	hotwords := c.hotwords
	maxWords := c.maxWords
	c.mu.RUnlock()

	if len(hotwords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			hotword, conf, ok := c.matcher.Match(window, hotwords)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(hotword)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  hotword,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}
