package retry

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipemaragno/retryq/internal/domain"
)

// Error map attributes that influence the client.
const (
	AttrAutoRetry            = "auto-retry"
	AttrTemp                 = "temp"
	AttrRetryNow             = "retry-now"
	AttrRetryLater           = "retry-later"
	AttrAuth                 = "auth"
	AttrConnStateInvalidated = "conn-state-invalidated"
	AttrItemLocked           = "item-locked"
)

var ErrInvalidErrorMap = errors.New("invalid error map")

// ErrorEntry describes one server status code.
type ErrorEntry struct {
	Code        uint16
	Name        string
	Description string
	Attrs       []string
	Retry       *Spec
}

func (e ErrorEntry) HasAttr(attr string) bool {
	for _, a := range e.Attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// RetrySpec returns the advertised Spec when the entry asks for automatic
// retries, nil otherwise.
func (e ErrorEntry) RetrySpec() *Spec {
	if !e.HasAttr(AttrAutoRetry) {
		return nil
	}
	return e.Retry
}

// ErrorMap is the server-advertised table of status codes.
type ErrorMap struct {
	Version  int64
	Revision int64
	entries  map[uint16]ErrorEntry
}

// ParseErrorMap decodes the JSON error map a server returns for
// GET_ERROR_MAP. Codes are hexadecimal keys of the "errors" object.
func ParseErrorMap(data []byte) (*ErrorMap, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidErrorMap)
	}

	root := gjson.ParseBytes(data)
	m := &ErrorMap{
		Version:  root.Get("version").Int(),
		Revision: root.Get("revision").Int(),
		entries:  make(map[uint16]ErrorEntry),
	}

	errs := root.Get("errors")
	if !errs.IsObject() {
		return nil, fmt.Errorf("%w: missing errors object", ErrInvalidErrorMap)
	}

	var parseErr error
	errs.ForEach(func(key, value gjson.Result) bool {
		code, err := strconv.ParseUint(key.String(), 16, 16)
		if err != nil {
			parseErr = fmt.Errorf("%w: code %q: %v", ErrInvalidErrorMap, key.String(), err)
			return false
		}

		entry := ErrorEntry{
			Code:        uint16(code),
			Name:        value.Get("name").String(),
			Description: value.Get("desc").String(),
		}
		for _, a := range value.Get("attrs").Array() {
			entry.Attrs = append(entry.Attrs, a.String())
		}

		if r := value.Get("retry"); r.Exists() {
			spec, err := parseRetrySpec(r)
			if err != nil {
				parseErr = fmt.Errorf("code %s: %w", key.String(), err)
				return false
			}
			entry.Retry = spec
		}

		m.entries[entry.Code] = entry
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return m, nil
}

func parseRetrySpec(r gjson.Result) (*Spec, error) {
	kind, err := ParseKind(r.Get("strategy").String())
	if err != nil {
		return nil, err
	}
	spec := &Spec{
		Kind:        kind,
		Interval:    millis(r.Get("interval")),
		After:       millis(r.Get("after")),
		MaxDuration: millis(r.Get("max-duration")),
		Ceil:        millis(r.Get("ceil")),
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func millis(r gjson.Result) time.Duration {
	return time.Duration(r.Int()) * time.Millisecond
}

// Lookup returns the entry for a server status code.
func (m *ErrorMap) Lookup(code uint16) (ErrorEntry, bool) {
	if m == nil {
		return ErrorEntry{}, false
	}
	e, ok := m.entries[code]
	return e, ok
}

func (m *ErrorMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// StatusFor translates an entry into the client status used for retry
// accounting.
func (e ErrorEntry) StatusFor() domain.Status {
	switch {
	case e.HasAttr(AttrAuth):
		return domain.StatusAuthError
	case e.HasAttr(AttrItemLocked), e.HasAttr(AttrTemp), e.HasAttr(AttrRetryNow), e.HasAttr(AttrRetryLater):
		return domain.StatusTemporaryFailure
	case e.HasAttr(AttrConnStateInvalidated):
		return domain.StatusNetworkError
	}
	return domain.StatusGeneric
}
