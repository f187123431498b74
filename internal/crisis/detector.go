// Package crisis provides the crisis-indicator detector that screens every
// chat message for self-harm and harm-to-others risk. The detector is a pure
// function over message content: it never mutates state, and all side effects
// (crisis events, moderation reports, system messages) happen in the caller.
package crisis

import (
	"strings"
	"time"
	"unicode"
)

// Severity classifies the risk level of a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for max-wins tie resolution.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of a severity (higher is more severe).
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Max returns the more severe of two severities.
func Max(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Context carries sender and room information into classification so that
// context-sensitive policies (peer rooms vs group rooms) can weigh in.
type Context struct {
	RoomID          string
	RoomKind        string // "group" or "peer-match"
	SenderSessionID string
}

// Event is the result of a positive detection. It is immutable once created
// and consumed at most once by the moderation engine. SourceMessageID is
// filled in by the message pipeline after id assignment.
type Event struct {
	SourceMessageID int64
	RoomID          string
	SessionID       string
	Severity        Severity
	Indicators      []string
	DetectedAt      time.Time
}

// Classifier is the pluggable detection capability used by the message
// pipeline. The in-process Detector never errors; a remote implementation
// may, in which case the pipeline fails open for delivery and flags the
// message for human review.
type Classifier interface {
	Classify(plaintext string, ctx Context) (*Event, error)
}

// Detector matches message content against a configured indicator list.
// Single-word indicators are matched on word boundaries; multi-word
// indicators are matched as exact token sequences. Matching is
// case-insensitive and applied after leetspeak normalization. A nil result
// means no indicator was found.
type Detector struct {
	words   map[string]Severity
	phrases []phraseIndicator
}

type phraseIndicator struct {
	term     string // original configured term, reported in Indicators
	tokens   []string
	severity Severity
}

// NewDetector builds a Detector from a map of indicator term -> severity.
// Terms are normalized the same way message content is, so configuration is
// case-insensitive.
func NewDetector(indicators map[string]Severity) *Detector {
	d := &Detector{words: make(map[string]Severity)}
	for term, sev := range indicators {
		tokens := tokenize(normalizeLeet(strings.ToLower(term)))
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) == 1 {
			// Keep the highest severity when the same word is configured twice.
			if existing, ok := d.words[tokens[0]]; !ok || sev.Rank() > existing.Rank() {
				d.words[tokens[0]] = sev
			}
			continue
		}
		d.phrases = append(d.phrases, phraseIndicator{term: term, tokens: tokens, severity: sev})
	}
	return d
}

// DefaultIndicators returns a conservative built-in indicator set used when
// no configuration is supplied. Deployments are expected to replace this
// with their clinically reviewed list.
func DefaultIndicators() map[string]Severity {
	return map[string]Severity{
		// Explicit intent phrasing.
		"kill myself":               SeverityCritical,
		"end my life":               SeverityCritical,
		"i want to die":             SeverityCritical,
		"i can't go on":             SeverityCritical,
		"i don't think i can go on": SeverityCritical,
		"better off dead":           SeverityCritical,
		// Ideation-only indicators.
		"suicide":           SeverityHigh,
		"suicidal":          SeverityHigh,
		"self harm":         SeverityHigh,
		"hurt myself":       SeverityHigh,
		"no reason to live": SeverityHigh,
		// Lower-risk signals surfaced to moderators without an alert.
		"hopeless":  SeverityMedium,
		"worthless": SeverityMedium,
	}
}

// Classify scans plaintext against the indicator list and returns an Event
// when any indicator is present. Multiple hits resolve to the maximum
// severity with every matched indicator listed. The text is scanned twice,
// raw and leet-normalized, so that ordinary punctuation ("go on!") does not
// defeat matching while obfuscated terms ("k!ll mys3lf") are still caught.
// Both passes are linear in message length.
func (d *Detector) Classify(plaintext string, ctx Context) (*Event, error) {
	lower := strings.ToLower(plaintext)

	var (
		matched  []string
		severity Severity
	)

	for _, tokens := range [][]string{
		tokenize(lower),
		tokenize(normalizeLeet(lower)),
	} {
		if len(tokens) == 0 {
			continue
		}

		for _, tok := range tokens {
			if sev, ok := d.words[tok]; ok {
				matched = appendUnique(matched, tok)
				severity = Max(severity, sev)
			}
		}

		for _, p := range d.phrases {
			if containsSequence(tokens, p.tokens) {
				matched = appendUnique(matched, p.term)
				severity = Max(severity, p.severity)
			}
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}

	return &Event{
		RoomID:     ctx.RoomID,
		SessionID:  ctx.SenderSessionID,
		Severity:   severity,
		Indicators: matched,
		DetectedAt: time.Now(),
	}, nil
}

// containsSequence reports whether needle appears as a contiguous token
// subsequence of haystack.
func containsSequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, tok := range needle {
			if haystack[i+j] != tok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// tokenize splits normalized text into word tokens. Anything that is not a
// letter, digit, or apostrophe delimits a token, so punctuation adjacent to
// an indicator does not defeat matching.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// leetMap translates common character substitutions back to letters so that
// trivially obfuscated indicators ("k!ll mys3lf") still match.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet replaces leetspeak substitutions with their alphabetic
// equivalents. Characters without a mapping pass through unchanged.
func normalizeLeet(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
