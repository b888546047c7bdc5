package storeerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := NotFound("bundle.b0-abc", "bundle not found")
	assert.Equal(t, "NOT_FOUND: bundle not found (bundle.b0-abc)", err.Error())

	err = State("", "no transaction")
	assert.Equal(t, "STATE: no transaction", err.Error())
}

func TestKindOf_Wrapped(t *testing.T) {
	base := Consistency("abc", "hash mismatch")
	wrapped := fmt.Errorf("load snapshot: %w", base)

	assert.True(t, IsConsistency(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, KindConsistency, KindOf(wrapped))
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.False(t, IsValidation(nil))
}

func TestIsHelpers(t *testing.T) {
	cases := []struct {
		err   error
		check func(error) bool
	}{
		{Validation("k", "bad"), IsValidation},
		{NotFound("k", "missing"), IsNotFound},
		{Consistency("k", "mismatch"), IsConsistency},
		{IncompleteData("k", "missing items"), IsIncompleteData},
		{State("k", "no span"), IsState},
	}
	for _, tc := range cases {
		assert.True(t, tc.check(tc.err), tc.err.Error())
	}
}
