package capture

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationTimeout is reported when an image probe exceeds its deadline.
// It never leaves the validator as anything other than a rejected candidate.
var ErrValidationTimeout = errors.New("image validation timed out")

// FetchError describes a page fetch that failed on the network, returned a
// non-2xx status or did not serve HTML
type FetchError struct {
	URL         string
	StatusCode  int
	ContentType string
	Err         error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	case e.StatusCode != 0 && (e.StatusCode < 200 || e.StatusCode > 299):
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: unexpected content type %q", e.URL, e.ContentType)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError wraps a document the HTML parser rejected outright.
// Malformed markup is normally tolerated and never produces one.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ResolutionExhausted is returned when every strategy in the chain failed
type ResolutionExhausted struct {
	URL    string
	Errors map[string]error // keyed by strategy name
	order  []string
}

func (e *ResolutionExhausted) add(strategy string, err error) {
	if e.Errors == nil {
		e.Errors = make(map[string]error)
	}
	e.Errors[strategy] = err
	e.order = append(e.order, strategy)
}

func (e *ResolutionExhausted) Error() string {
	if len(e.order) == 0 {
		return fmt.Sprintf("resolve %s: no strategies available", e.URL)
	}
	parts := make([]string, 0, len(e.order))
	for _, name := range e.order {
		parts = append(parts, name+": "+e.Errors[name].Error())
	}
	return fmt.Sprintf("resolve %s: all strategies failed (%s)", e.URL, strings.Join(parts, "; "))
}

// Unwrap exposes every strategy error to errors.Is / errors.As
func (e *ResolutionExhausted) Unwrap() []error {
	errs := make([]error, 0, len(e.order))
	for _, name := range e.order {
		errs = append(errs, e.Errors[name])
	}
	return errs
}
