package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipemaragno/retryq/internal/domain"
)

const sampleErrorMap = `{
  "version": 1,
  "revision": 4,
  "errors": {
    "86": {
      "name": "ETMPFAIL",
      "desc": "Temporary failure",
      "attrs": ["temp", "retry-later", "auto-retry"],
      "retry": {"strategy": "exponential", "interval": 10, "after": 100, "max-duration": 5000, "ceil": 500}
    },
    "20": {
      "name": "AUTH_ERROR",
      "desc": "Authentication failed",
      "attrs": ["auth", "conn-state-invalidated"]
    },
    "7ff0": {
      "name": "DUMMY_RETRY",
      "desc": "retry spec without auto-retry",
      "attrs": ["special-handling"],
      "retry": {"strategy": "constant", "interval": 50}
    }
  }
}`

func TestParseErrorMap(t *testing.T) {
	m, err := ParseErrorMap([]byte(sampleErrorMap))
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, int64(4), m.Revision)
	assert.Equal(t, 3, m.Len())

	tmp, ok := m.Lookup(0x86)
	require.True(t, ok)
	assert.Equal(t, "ETMPFAIL", tmp.Name)

	want := &Spec{
		Kind:        KindExponential,
		Interval:    10 * time.Millisecond,
		After:       100 * time.Millisecond,
		MaxDuration: 5 * time.Second,
		Ceil:        500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, tmp.RetrySpec()); diff != "" {
		t.Errorf("RetrySpec() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, domain.StatusTemporaryFailure, tmp.StatusFor())

	auth, ok := m.Lookup(0x20)
	require.True(t, ok)
	assert.Nil(t, auth.RetrySpec())
	assert.Equal(t, domain.StatusAuthError, auth.StatusFor())

	dummy, ok := m.Lookup(0x7ff0)
	require.True(t, ok)
	assert.NotNil(t, dummy.Retry)
	assert.Nil(t, dummy.RetrySpec(), "retry spec only applies with auto-retry")

	_, ok = m.Lookup(0x01)
	assert.False(t, ok)
}

func TestParseErrorMap_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"errors": `},
		{"no errors", `{"version": 1}`},
		{"bad code", `{"errors": {"zz": {"name": "X"}}}`},
		{"bad strategy", `{"errors": {"1": {"name": "X", "retry": {"strategy": "random", "interval": 1}}}}`},
		{"zero interval", `{"errors": {"1": {"name": "X", "retry": {"strategy": "constant"}}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseErrorMap([]byte(tt.data))
			assert.Error(t, err)
		})
	}

	_, err := ParseErrorMap([]byte(`[]`))
	assert.True(t, errors.Is(err, ErrInvalidErrorMap))
}

func TestErrorMap_NilLookup(t *testing.T) {
	var m *ErrorMap
	_, ok := m.Lookup(0x86)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestErrorEntry_StatusFor(t *testing.T) {
	tests := []struct {
		attrs []string
		want  domain.Status
	}{
		{[]string{"auth"}, domain.StatusAuthError},
		{[]string{"item-locked"}, domain.StatusTemporaryFailure},
		{[]string{"retry-now"}, domain.StatusTemporaryFailure},
		{[]string{"rate-limit", "retry-later"}, domain.StatusTemporaryFailure},
		{[]string{"conn-state-invalidated"}, domain.StatusNetworkError},
		{[]string{"item-only"}, domain.StatusGeneric},
	}

	for _, tt := range tests {
		e := ErrorEntry{Attrs: tt.attrs}
		assert.Equal(t, tt.want, e.StatusFor(), "attrs %v", tt.attrs)
	}
}
