package ingest

import (
	"github.com/pkg/errors"
)

// Disposition is what to do with content that has a validation problem.
type Disposition int

const (
	// Accept commits the content.
	Accept Disposition = iota
	// Warn commits the content and reports the problem as a warning.
	Warn
	// Reject discards the content and returns an error.
	Reject
	// RejectKeep returns an error but leaves the content stored as an
	// uncommitted version for inspection.
	RejectKeep
	// RetrySameURL discards the content and returns a retryable error.
	RetrySameURL
)

func (d Disposition) String() string {
	switch d {
	case Accept:
		return "accept"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	case RejectKeep:
		return "reject and keep"
	case RetrySameURL:
		return "retry same url"
	}
	return "unknown"
}

// A Rule maps the validation problems it matches to a disposition.
type Rule struct {
	Label       string
	Match       func(error) bool
	Disposition Disposition
}

// ResultMap is an ordered list of rules. When a fetch has several problems,
// the first rule matching any of them decides. Problems no rule matches get
// the Default disposition.
type ResultMap struct {
	Rules   []Rule
	Default Disposition
}

// DefaultResultMap returns a new map which warns about empty content, asks
// for a retry on a size mismatch, and rejects anything else.
func DefaultResultMap() *ResultMap {
	return &ResultMap{
		Rules: []Rule{
			{Label: "empty content", Match: Is(ErrEmptyContent), Disposition: Warn},
			{Label: "size mismatch", Match: IsSizeMismatch, Disposition: RetrySameURL},
		},
		Default: Reject,
	}
}

// Override adds a rule ahead of the existing ones.
func (m *ResultMap) Override(label string, match func(error) bool, d Disposition) {
	m.Rules = append([]Rule{{Label: label, Match: match, Disposition: d}}, m.Rules...)
}

// Add adds a rule after the existing ones.
func (m *ResultMap) Add(label string, match func(error) bool, d Disposition) {
	m.Rules = append(m.Rules, Rule{Label: label, Match: match, Disposition: d})
}

// Lookup returns the rule deciding the given problems and the problem it
// matched. If there are no problems the rule is Accept. If no rule matches
// the first problem is given the default disposition.
func (m *ResultMap) Lookup(problems []error) (Rule, error) {
	if len(problems) == 0 {
		return Rule{Label: "ok", Disposition: Accept}, nil
	}
	for _, r := range m.Rules {
		for _, p := range problems {
			if r.Match(p) {
				return r, p
			}
		}
	}
	return Rule{Label: "unmapped", Disposition: m.Default}, problems[0]
}

// Is returns a matcher for problems wrapping target.
func Is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// IsSizeMismatch matches a *SizeMismatchError.
func IsSizeMismatch(err error) bool {
	var e *SizeMismatchError
	return errors.As(err, &e)
}
