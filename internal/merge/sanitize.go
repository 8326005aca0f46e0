package merge

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ssd-technologies/confluence/internal/record"
)

// Rejection reasons reported in Outcome.Reason.
const (
	ReasonEmptyContent      = "empty_content"
	ReasonContentTooLong    = "content_too_long"
	ReasonInvalidEncoding   = "invalid_encoding"
	ReasonDisallowed        = "disallowed_content"
	ReasonInvalidKind       = "invalid_kind"
	ReasonInvalidTier       = "invalid_tier"
	ReasonInvalidPartition  = "invalid_partition"
	ReasonInvalidConfidence = "invalid_confidence"
	ReasonInvalidImportance = "invalid_importance"
	ReasonMissingSource     = "missing_source"
	ReasonBadSignature      = "bad_signature"
)

// DefaultDisallowedPatterns catch credentials that must never be shared.
var DefaultDisallowedPatterns = []string{
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
	`\bAKIA[0-9A-Z]{16}\b`,
	`(?i)\b(api[_-]?key|password|passwd|secret[_-]?key)\s*[:=]\s*\S+`,
}

// RejectError explains why a record failed sanitization.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Sanitizer validates records before they reach the merge pipeline.
type Sanitizer struct {
	maxLen   int
	patterns []*regexp.Regexp
}

// NewSanitizer compiles patterns. maxLen counts runes; zero disables the limit.
func NewSanitizer(maxLen int, patterns []string) (*Sanitizer, error) {
	s := &Sanitizer{maxLen: maxLen}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile disallowed pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Check returns a *RejectError when rec must not be ingested.
func (s *Sanitizer) Check(rec *record.Record) error {
	if !rec.Kind.Valid() {
		return &RejectError{Reason: ReasonInvalidKind, Detail: string(rec.Kind)}
	}
	if !rec.Tier.Valid() {
		return &RejectError{Reason: ReasonInvalidTier, Detail: string(rec.Tier)}
	}
	if strings.TrimSpace(string(rec.Partition)) == "" {
		return &RejectError{Reason: ReasonInvalidPartition}
	}
	if rec.Source == "" {
		return &RejectError{Reason: ReasonMissingSource}
	}
	if !record.InUnitRange(rec.Confidence) {
		return &RejectError{Reason: ReasonInvalidConfidence, Detail: fmt.Sprint(rec.Confidence)}
	}
	if !record.InUnitRange(rec.Importance) {
		return &RejectError{Reason: ReasonInvalidImportance, Detail: fmt.Sprint(rec.Importance)}
	}
	if !utf8.ValidString(rec.Content) {
		return &RejectError{Reason: ReasonInvalidEncoding}
	}
	if record.Normalize(rec.Content) == "" {
		return &RejectError{Reason: ReasonEmptyContent}
	}
	if s.maxLen > 0 {
		if n := utf8.RuneCountInString(rec.Content); n > s.maxLen {
			return &RejectError{Reason: ReasonContentTooLong, Detail: fmt.Sprintf("%d > %d", n, s.maxLen)}
		}
	}
	for _, re := range s.patterns {
		if re.MatchString(rec.Content) {
			return &RejectError{Reason: ReasonDisallowed}
		}
	}
	if err := rec.VerifySignature(); err != nil {
		return &RejectError{Reason: ReasonBadSignature}
	}
	return nil
}
