package commit

import "errors"

// ErrOperationInProgress mirrors the single-flight guard on git operations:
// a second caller must not interleave a commit with one already running
// against the same worktree.
var ErrOperationInProgress = errors.New("commit engine: git operation already in progress")

// ErrDraftNotQueued describes an attempt with no queued draft. No function
// in this package returns it: TryConsumeQueuedFollowup reports that case as
// (false, nil).
var ErrDraftNotQueued = errors.New("commit engine: no queued follow-up draft")
