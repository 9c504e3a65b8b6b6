package container

import (
	"github.com/kandev/kandev/internal/orchestrator/queue"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// slotAdmission bounds concurrently running CodingAgent execution processes
// at maxSlots, backed by orchestrator/queue's TaskQueue per SPEC_FULL.md's
// domain-stack assignment of that queue to execution-slot admission. A slot
// claim has no ordering decision to make — it's a synchronous capacity
// check against an already-chosen task_attempt_id, not a dequeue of the
// next task to schedule — so every claim is enqueued at the same priority;
// TaskQueue is reused here for its thread-safe bounded-capacity bookkeeping
// (Enqueue/Remove/Contains), not for the priority ordering its Dequeue
// offers. A caller refused a slot gets ServiceUnavailable immediately
// rather than being queued for automatic retry, the same synchronous claim
// contract the chain engine's own TryMarkSending guard uses for follow-up
// admission.
type slotAdmission struct {
	q *queue.TaskQueue
}

func newSlotAdmission(max int) *slotAdmission {
	return &slotAdmission{q: queue.NewTaskQueue(max)}
}

// acquire claims a slot for taskAttemptID, returning false if the pool is
// at capacity. Re-acquiring an id that already holds a slot is a no-op
// success (StartExecution never calls this twice for one attempt without
// an intervening release, but idempotence costs nothing here).
func (s *slotAdmission) acquire(taskAttemptID string) bool {
	if s.q.Contains(taskAttemptID) {
		return true
	}
	return s.q.Enqueue(&v1.Task{ID: taskAttemptID}) == nil
}

// release frees taskAttemptID's slot, a no-op if it never held one.
func (s *slotAdmission) release(taskAttemptID string) {
	s.q.Remove(taskAttemptID)
}
