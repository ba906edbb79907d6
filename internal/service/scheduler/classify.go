package scheduler

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind is the dispatch class of an inbound message.
type Kind string

const (
	KindTrivial Kind = "trivial"
	KindLongJob Kind = "long_job"
)

// Scores reported for each class.
const (
	longJobScore = 0.9
	trivialScore = 0.2
)

// DefaultKeywords trigger a long job when present anywhere in the text.
var DefaultKeywords = []string{"build", "design", "feature", "implement", "generate"}

// DefaultMinLength is the rune count above which any message is a long job.
const DefaultMinLength = 200

// Triggers configures Classify.
type Triggers struct {
	Keywords  []string
	MinLength int
}

// DefaultTriggers returns the built-in trigger set.
func DefaultTriggers() Triggers {
	return Triggers{Keywords: append([]string(nil), DefaultKeywords...), MinLength: DefaultMinLength}
}

// Classification is the result of Classify.
type Classification struct {
	Kind    Kind     `json:"kind"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// Classify decides whether text needs a background job. It is a pure
// function of its inputs. Keywords match case-insensitively as substrings,
// so "build" also matches "rebuild".
func Classify(text string, t Triggers) Classification {
	lower := strings.ToLower(text)

	var reasons []string
	for _, kw := range t.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			reasons = append(reasons, fmt.Sprintf("contains trigger keyword %q", kw))
		}
	}
	if n := utf8.RuneCountInString(text); t.MinLength > 0 && n > t.MinLength {
		reasons = append(reasons, fmt.Sprintf("length %d exceeds %d", n, t.MinLength))
	}

	if len(reasons) > 0 {
		return Classification{Kind: KindLongJob, Score: longJobScore, Reasons: reasons}
	}
	return Classification{
		Kind:    KindTrivial,
		Score:   trivialScore,
		Reasons: []string{"short message without trigger keywords"},
	}
}
