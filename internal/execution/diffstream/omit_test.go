package diffstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func strPtr(s string) *string { return &s }

func TestOmitTracker_CapsAtCumulativeBudget(t *testing.T) {
	tracker := newOmitTracker(150 * 1024)

	mk := func(path string, size int) *v1.Diff {
		content := make([]byte, size)
		return &v1.Diff{Path: path, NewContent: strPtr(string(content))}
	}

	first := mk("a.txt", 60*1024)
	second := mk("b.txt", 70*1024)
	third := mk("c.txt", 80*1024)

	require.True(t, tracker.apply(first))
	assert.False(t, first.ContentOmitted)

	require.True(t, tracker.apply(second))
	assert.False(t, second.ContentOmitted)

	require.True(t, tracker.apply(third))
	assert.True(t, third.ContentOmitted)
	assert.Nil(t, third.NewContent)
	require.NotNil(t, third.Additions)
}

func TestOmitTracker_NeverDegradesAPreviouslyFullPath(t *testing.T) {
	tracker := newOmitTracker(10)

	small := &v1.Diff{Path: "a.txt", NewContent: strPtr("12345")}
	require.True(t, tracker.apply(small))
	assert.False(t, small.ContentOmitted)

	// Same path resubmitted once the budget is already exhausted: since it
	// was already sent in full, it must be dropped rather than re-emitted
	// with content stripped.
	again := &v1.Diff{Path: "a.txt", NewContent: strPtr("12345"), OldContent: strPtr("xxxxxxxxxxxxxxxxxxxx")}
	emit := tracker.apply(again)
	assert.False(t, emit)
}

func TestScanHunkCounts_CountsAddedAndRemovedLines(t *testing.T) {
	old := "a\nb\nc\n"
	new := "a\nb\nd\ne\n"
	additions, deletions := scanHunkCounts(&old, &new)
	assert.Equal(t, 2, additions)
	assert.Equal(t, 1, deletions)
}
