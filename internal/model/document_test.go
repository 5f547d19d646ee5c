package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentStatus_CanTransition(t *testing.T) {
	cases := []struct {
		from DocumentStatus
		to   DocumentStatus
		want bool
	}{
		{DocStatusPending, DocStatusConverting, true},
		{DocStatusPending, DocStatusSkipped, true},
		{DocStatusPending, DocStatusFailed, true},
		{DocStatusConverting, DocStatusConverted, true},
		{DocStatusConverting, DocStatusFailed, true},
		{DocStatusConverted, DocStatusExtracting, true},
		{DocStatusExtracting, DocStatusCompleted, true},
		{DocStatusExtracting, DocStatusFailed, true},

		// Stage skipping is not allowed.
		{DocStatusPending, DocStatusConverted, false},
		{DocStatusPending, DocStatusCompleted, false},
		{DocStatusConverting, DocStatusExtracting, false},

		// Skipped is only reachable before any work starts.
		{DocStatusConverting, DocStatusSkipped, false},
		{DocStatusExtracting, DocStatusSkipped, false},

		// Terminal states admit nothing, including failure.
		{DocStatusCompleted, DocStatusFailed, false},
		{DocStatusFailed, DocStatusPending, false},
		{DocStatusSkipped, DocStatusConverting, false},

		// No self-loops or backwards edges.
		{DocStatusConverted, DocStatusConverting, false},
		{DocStatusExtracting, DocStatusExtracting, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestDocumentStatus_Terminal(t *testing.T) {
	for _, s := range []DocumentStatus{DocStatusCompleted, DocStatusFailed, DocStatusSkipped} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []DocumentStatus{DocStatusPending, DocStatusConverting, DocStatusConverted, DocStatusExtracting} {
		assert.False(t, s.Terminal(), string(s))
	}
}
