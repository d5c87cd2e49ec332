// Package validator checks candidate URLs before they may be probed or played.
package validator

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"kptv-failover/work/types"

	"github.com/grafana/regexp"
)

// Validation errors, one per ErrorKind the validator can report.
var (
	ErrMissing     = errors.New("episode url missing")
	ErrInvalidType = errors.New("episode url is not a string")
	ErrEmpty       = errors.New("episode url empty")
	ErrMalformed   = errors.New("episode url malformed")
)

// playableURL accepts absolute http(s) URLs with a host and no whitespace.
var playableURL = regexp.MustCompile(`(?i)^https?://[^\s/?#]+[^\s]*$`)

// Rewriter maps a validated URL to the one that should actually be used, for
// example a geo-local CDN mirror. It must return the input when it has nothing
// to do.
type Rewriter func(raw string) string

// Validator is the default URLValidator.
type Validator struct {
	rewrite Rewriter
}

// Option configures a Validator.
type Option func(*Validator)

// WithRewriter installs r; it runs only on URLs that passed validation.
func WithRewriter(r Rewriter) Option {
	return func(v *Validator) { v.rewrite = r }
}

// New creates a Validator with no rewrite hook unless one is given.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func invalid(kind types.ErrorKind, err error) types.ValidationResult {
	return types.ValidationResult{Valid: false, Kind: kind, Err: err}
}

// Validate classifies the candidate URL and, when valid, returns it after the
// optional rewrite.
func (v *Validator) Validate(c types.SourceCandidate) types.ValidationResult {
	if c.InvalidURLType() {
		return invalid(types.KindInvalidType, ErrInvalidType)
	}
	if !c.HasURL() {
		return invalid(types.KindMissing, ErrMissing)
	}

	raw := strings.TrimSpace(c.URL())
	if raw == "" {
		return invalid(types.KindEmpty, ErrEmpty)
	}

	if !playableURL.MatchString(raw) {
		return invalid(types.KindMalformed, fmt.Errorf("%w: %q", ErrMalformed, raw))
	}
	if _, err := url.ParseRequestURI(raw); err != nil {
		return invalid(types.KindMalformed, fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	if v.rewrite != nil {
		if rewritten := strings.TrimSpace(v.rewrite(raw)); rewritten != "" && rewritten != raw {
			if !playableURL.MatchString(rewritten) {
				return invalid(types.KindMalformed, fmt.Errorf("%w: rewrite produced %q", ErrMalformed, rewritten))
			}
			raw = rewritten
		}
	}

	return types.ValidationResult{Valid: true, URL: raw}
}
