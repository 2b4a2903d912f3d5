// Package intent decides what a transcribed utterance means given the
// session's current state: a new coding request, a merge decision, or noise.
package intent

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Kind is the classification outcome for a transcript.
type Kind int

const (
	// Unintelligible means no actionable intent was found. It never changes
	// session state; the user is prompted to repeat.
	Unintelligible Kind = iota
	// NewRequest is a new coding request.
	NewRequest
	// MergeDecision is an approve/reject verdict on a pending pull request.
	MergeDecision
)

func (k Kind) String() string {
	switch k {
	case NewRequest:
		return "new_request"
	case MergeDecision:
		return "merge_decision"
	default:
		return "unintelligible"
	}
}

// Decision is the tri-state merge verdict.
type Decision int

const (
	Ambiguous Decision = iota
	Approve
	Reject
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	default:
		return "ambiguous"
	}
}

// Result carries the classification and, for merge decisions, the verdict.
type Result struct {
	Kind     Kind
	Decision Decision
	// Matched is the phrase that decided a merge verdict, for logging.
	Matched string
}

// KeywordSets is the versioned approve/reject phrase configuration. The
// precedence between the two sets gates an irreversible merge, so the sets
// live in reviewable config rather than code.
type KeywordSets struct {
	Version int      `yaml:"version"`
	Approve []string `yaml:"approve"`
	Reject  []string `yaml:"reject"`
}

// DefaultKeywordSets returns the built-in phrase sets used when no config
// file is provided.
func DefaultKeywordSets() KeywordSets {
	return KeywordSets{
		Version: 1,
		Approve: []string{
			"yes", "yeah", "yep", "approve", "approved", "merge", "merge it",
			"ship it", "deploy it", "go ahead", "do it", "confirm", "looks good",
		},
		Reject: []string{
			"no", "nope", "reject", "rejected", "cancel", "don't", "do not",
			"discard", "stop", "abort", "never mind", "not yet",
		},
	}
}

// LoadKeywordSets reads phrase sets from a YAML file.
func LoadKeywordSets(path string) (KeywordSets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeywordSets{}, fmt.Errorf("intent: read keyword sets: %w", err)
	}
	var ks KeywordSets
	if err := yaml.Unmarshal(data, &ks); err != nil {
		return KeywordSets{}, fmt.Errorf("intent: parse keyword sets: %w", err)
	}
	if len(ks.Approve) == 0 || len(ks.Reject) == 0 {
		return KeywordSets{}, fmt.Errorf("intent: keyword sets must define approve and reject phrases")
	}
	return ks, nil
}

// Classifier evaluates transcripts against the configured phrase sets.
//
// Precedence is fixed: the reject set is checked before the approve set, so
// an utterance matching both ("no, don't merge it") fails closed and never
// triggers a merge. Ambiguous or empty matches are never treated as approval.
type Classifier struct {
	sets KeywordSets
}

func NewClassifier(sets KeywordSets) *Classifier {
	return &Classifier{sets: sets}
}

// Classify maps a transcript to an intent. pendingMerge reports whether the
// session currently holds a pending pull-request reference; only then are
// transcripts evaluated as merge decisions.
func (c *Classifier) Classify(text string, pendingMerge bool) Result {
	norm := normalize(text)
	if norm == "" {
		return Result{Kind: Unintelligible}
	}
	if !pendingMerge {
		return Result{Kind: NewRequest}
	}
	// Reject before approve: fail closed.
	if phrase := matchAny(norm, c.sets.Reject); phrase != "" {
		return Result{Kind: MergeDecision, Decision: Reject, Matched: phrase}
	}
	if phrase := matchAny(norm, c.sets.Approve); phrase != "" {
		return Result{Kind: MergeDecision, Decision: Approve, Matched: phrase}
	}
	return Result{Kind: Unintelligible, Decision: Ambiguous}
}

// normalize lowercases, strips punctuation and collapses whitespace so phrase
// matching is insensitive to ASR formatting.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// matchAny returns the first phrase found as a whole-word substring of the
// normalized text, or "".
func matchAny(norm string, phrases []string) string {
	padded := " " + norm + " "
	for _, p := range phrases {
		pn := normalize(p)
		if pn == "" {
			continue
		}
		if strings.Contains(padded, " "+pn+" ") {
			return p
		}
	}
	return ""
}
