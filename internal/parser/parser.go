// Package parser extracts ratings from free-text model replies.
//
// Extraction is tolerant by construction: every field is matched on its own,
// in any order, with surrounding text ignored, and a field that cannot be
// found or read is left absent instead of failing the whole reply.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	MinScore = 0
	MaxScore = 10
)

// Result is the structured rating for one feedback row. Empty strings and a
// nil Score mean the field is absent.
type Result struct {
	Urgency       string `json:"classification,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
	Justification string `json:"justification,omitempty"`
	Score         *int   `json:"score,omitempty"`
}

// IsEmpty reports whether every field is absent.
func (r Result) IsEmpty() bool {
	return r.Urgency == "" && r.Bucket == "" && r.Justification == "" && r.Score == nil
}

var (
	// Emphasis markers around the label ("**Score:** 8") are skipped.
	classificationPattern = labelPattern("classification", `(.+)`)
	bucketPattern         = labelPattern("bucket", `(.+)`)
	justificationPattern  = labelPattern("justification", `(.+)`)
	scorePattern          = labelPattern("score", `(\d+)`)

	// Word runs over all scripts, so digits glued to non-ASCII letters
	// ("評価5") are not standalone.
	wordPattern = regexp.MustCompile(`[\p{L}\p{N}\p{M}_]+`)
)

// ParseStructured reads the Classification, Bucket, Justification and Score
// lines out of reply.
func ParseStructured(reply string) Result {
	var r Result

	if v, ok := capture(classificationPattern, reply); ok {
		r.Urgency = canonical(v, urgencyLabels)
	}
	if v, ok := capture(bucketPattern, reply); ok {
		r.Bucket = canonical(v, bucketLabels)
	}
	if v, ok := capture(justificationPattern, reply); ok {
		r.Justification = v
	}
	if v, ok := capture(scorePattern, reply); ok {
		r.Score = boundedScore(v)
	}

	return r
}

// ParseScalar takes the first standalone one- or two-digit token in reply
// whose value is within [MinScore, MaxScore]. A token is standalone when it
// is a whole word in any script; digits inside longer numbers or attached to
// letters never match. The bool is false when no token qualifies.
//
// Any such number in the reply counts, so a reply that echoes "2 items"
// from the feedback is read as a score of 2.
func ParseScalar(reply string) (Result, bool) {
	for _, word := range wordPattern.FindAllString(reply, -1) {
		if len(word) > 2 || !isASCIIDigits(word) {
			continue
		}
		if score := boundedScore(word); score != nil {
			return Result{Score: score}, true
		}
	}
	return Result{}, false
}

func isASCIIDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func labelPattern(label, value string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + label + `[*_ \t]*[:\-–][*_ \t]*` + value)
}

func capture(re *regexp.Regexp, reply string) (string, bool) {
	m := re.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(strings.Trim(strings.TrimSpace(m[1]), "*_`"))
	return v, v != ""
}

func boundedScore(digits string) *int {
	n, err := strconv.Atoi(digits)
	if err != nil || n < MinScore || n > MaxScore {
		return nil
	}
	return &n
}

var (
	urgencyLabels = labelSet("Critical", "Neutral", "Non-Critical")
	bucketLabels  = labelSet(
		"Rude Behavior",
		"Delivery Issues",
		"Payment/Charges",
		"Service Quality",
		"Safety Concern",
		"Other",
	)
)

func labelSet(labels ...string) map[string]string {
	m := make(map[string]string, len(labels))
	for _, l := range labels {
		m[labelKey(l)] = l
	}
	return m
}

// labelKey folds case and drops separators so "non critical", "NON-CRITICAL"
// and "Payment-Charges" find their canonical label.
func labelKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// canonical maps v onto a known label. Unknown text is kept as the model wrote it.
func canonical(v string, labels map[string]string) string {
	if l, ok := labels[labelKey(v)]; ok {
		return l
	}
	return v
}
