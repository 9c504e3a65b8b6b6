package diffstream

import (
	"strings"
	"sync"
	"sync/atomic"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// omitTracker enforces the cumulative-byte omit policy across one stream:
// once the budget is spent, new full diffs degrade to omitted (content
// stripped, additions/deletions kept), and a path that was ever sent in full
// is never re-sent as omitted.
type omitTracker struct {
	maxBytes      int64
	sentBytes     int64
	mu            sync.Mutex
	fullSentPaths map[string]bool
}

func newOmitTracker(maxBytes int) *omitTracker {
	return &omitTracker{maxBytes: int64(maxBytes), fullSentPaths: make(map[string]bool)}
}

// apply mutates d in place per the omit policy and reports whether it should
// be emitted at all (a diff that would be omitted but whose path already went
// out in full is dropped, never degraded).
func (t *omitTracker) apply(d *v1.Diff) bool {
	t.mu.Lock()
	alreadyFull := t.fullSentPaths[d.Path]
	t.mu.Unlock()

	size := int64(d.ByteSize())
	if atomic.LoadInt64(&t.sentBytes)+size > t.maxBytes {
		if alreadyFull {
			return false
		}
		if d.Additions == nil || d.Deletions == nil {
			additions, deletions := scanHunkCounts(d.OldContent, d.NewContent)
			d.Additions = &additions
			d.Deletions = &deletions
		}
		d.OldContent = nil
		d.NewContent = nil
		d.ContentOmitted = true
		return true
	}

	atomic.AddInt64(&t.sentBytes, size)
	t.mu.Lock()
	t.fullSentPaths[d.Path] = true
	t.mu.Unlock()
	return true
}

// scanHunkCounts is a fallback line-count scan used only when a diff reaches
// the engine without numstat-derived additions/deletions already attached.
func scanHunkCounts(oldContent, newContent *string) (additions, deletions int) {
	var oldLines, newLines []string
	if oldContent != nil && *oldContent != "" {
		oldLines = strings.Split(*oldContent, "\n")
	}
	if newContent != nil && *newContent != "" {
		newLines = strings.Split(*newContent, "\n")
	}
	oldSet := make(map[string]int, len(oldLines))
	for _, l := range oldLines {
		oldSet[l]++
	}
	newSet := make(map[string]int, len(newLines))
	for _, l := range newLines {
		newSet[l]++
	}
	for _, l := range newLines {
		if oldSet[l] > 0 {
			oldSet[l]--
			continue
		}
		additions++
	}
	for _, l := range oldLines {
		if newSet[l] > 0 {
			newSet[l]--
			continue
		}
		deletions++
	}
	return additions, deletions
}
