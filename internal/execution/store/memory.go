package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// MemoryStore is an in-memory Store, suitable for tests and for running
// without a configured database path.
type MemoryStore struct {
	mu sync.RWMutex

	projects  map[string]*v1.Project
	attempts  map[string]*v1.TaskAttempt
	processes map[string]*v1.ExecutionProcess
	drafts    map[string]*v1.FollowUpDraft
	summaries map[string]*v1.ExecutionSummary
	artifacts []*v1.ExecutionArtifact
	activity  []*v1.ActivityLog
	vibeTxns  []*v1.VibeTransaction
	flows     map[string]*v1.AgentFlow
	flowByExe map[string]string
	events    []*v1.AgentFlowEvent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:  make(map[string]*v1.Project),
		attempts:  make(map[string]*v1.TaskAttempt),
		processes: make(map[string]*v1.ExecutionProcess),
		drafts:    make(map[string]*v1.FollowUpDraft),
		summaries: make(map[string]*v1.ExecutionSummary),
		flows:     make(map[string]*v1.AgentFlow),
		flowByExe: make(map[string]string),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateProject(_ context.Context, project *v1.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *project
	s.projects[project.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*v1.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *project
	return &cp, nil
}

func (s *MemoryStore) ListProjects(_ context.Context) ([]*v1.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*v1.Project, 0, len(s.projects))
	for _, project := range s.projects {
		cp := *project
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) CreateTaskAttempt(_ context.Context, attempt *v1.TaskAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTaskAttempt(_ context.Context, id string) (*v1.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *attempt
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskAttempt(_ context.Context, attempt *v1.TaskAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; !ok {
		return ErrNotFound
	}
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTaskAttemptsByTask(_ context.Context, taskID string) ([]*v1.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*v1.TaskAttempt
	for _, attempt := range s.attempts {
		if attempt.TaskID == taskID {
			cp := *attempt
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTaskAttempts(_ context.Context) ([]*v1.TaskAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*v1.TaskAttempt, 0, len(s.attempts))
	for _, attempt := range s.attempts {
		if attempt.Deleted {
			continue
		}
		cp := *attempt
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) CreateExecutionProcess(_ context.Context, process *v1.ExecutionProcess) error {
	if process.ID == "" {
		process.ID = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *process
	s.processes[process.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutionProcess(_ context.Context, id string) (*v1.ExecutionProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	process, ok := s.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *process
	return &cp, nil
}

func (s *MemoryStore) UpdateExecutionProcess(_ context.Context, process *v1.ExecutionProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processes[process.ID]; !ok {
		return ErrNotFound
	}
	cp := *process
	s.processes[process.ID] = &cp
	return nil
}

func (s *MemoryStore) ListExecutionProcessesByAttempt(_ context.Context, attemptID string) ([]*v1.ExecutionProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*v1.ExecutionProcess
	for _, process := range s.processes {
		if process.TaskAttemptID == attemptID {
			cp := *process
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListRunningExecutionProcessesByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionProcess, error) {
	all, err := s.ListExecutionProcessesByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	var result []*v1.ExecutionProcess
	for _, process := range all {
		if process.Status == v1.ExecutionStatusRunning {
			result = append(result, process)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetFollowUpDraft(_ context.Context, attemptID string) (*v1.FollowUpDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	draft, ok := s.drafts[attemptID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *draft
	return &cp, nil
}

func (s *MemoryStore) UpsertFollowUpDraft(_ context.Context, draft *v1.FollowUpDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *draft
	s.drafts[draft.TaskAttemptID] = &cp
	return nil
}

func (s *MemoryStore) TryMarkSending(_ context.Context, attemptID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.drafts[attemptID]
	if !ok {
		return false, ErrNotFound
	}
	if draft.Sending {
		return false, nil
	}
	draft.Sending = true
	return true, nil
}

func (s *MemoryStore) ClearSending(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft, ok := s.drafts[attemptID]; ok {
		draft.Sending = false
	}
	return nil
}

func (s *MemoryStore) ClearQueued(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft, ok := s.drafts[attemptID]; ok {
		draft.Queued = false
	}
	return nil
}

func (s *MemoryStore) UpsertExecutionSummary(_ context.Context, summary *v1.ExecutionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	s.summaries[summary.ExecutionProcessID] = &cp
	return nil
}

func (s *MemoryStore) GetExecutionSummary(_ context.Context, executionProcessID string) (*v1.ExecutionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[executionProcessID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *summary
	return &cp, nil
}

func (s *MemoryStore) CreateExecutionArtifact(_ context.Context, artifact *v1.ExecutionArtifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *artifact
	s.artifacts = append(s.artifacts, &cp)
	return nil
}

func (s *MemoryStore) ListExecutionArtifactsByAttempt(_ context.Context, attemptID string) ([]*v1.ExecutionArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*v1.ExecutionArtifact
	for _, artifact := range s.artifacts {
		if artifact.TaskAttemptID == attemptID {
			cp := *artifact
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateActivityLog(_ context.Context, entry *v1.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.activity = append(s.activity, &cp)
	return nil
}

func (s *MemoryStore) ListActivityLogsByTask(_ context.Context, taskID string) ([]*v1.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*v1.ActivityLog
	for _, entry := range s.activity {
		if entry.TaskID == taskID {
			cp := *entry
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateVibeTransaction(_ context.Context, tx *v1.VibeTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.vibeTxns = append(s.vibeTxns, &cp)
	return nil
}

func (s *MemoryStore) UpdateVibeTransaction(_ context.Context, tx *v1.VibeTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.vibeTxns {
		if existing.ID == tx.ID {
			cp := *tx
			cp.UpdatedAt = time.Now().UTC()
			s.vibeTxns[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListVibeTransactionsByTask(_ context.Context, taskID string) ([]*v1.VibeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*v1.VibeTransaction
	for _, tx := range s.vibeTxns {
		if tx.TaskID == taskID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateAgentFlow(_ context.Context, flow *v1.AgentFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *flow
	s.flows[flow.ID] = &cp
	s.flowByExe[flow.ExecutionProcessID] = flow.ID
	return nil
}

func (s *MemoryStore) UpdateAgentFlowStatus(_ context.Context, id string, status v1.AgentFlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[id]
	if !ok {
		return ErrNotFound
	}
	flow.Status = status
	return nil
}

func (s *MemoryStore) GetAgentFlowByExecutionProcess(_ context.Context, executionProcessID string) (*v1.AgentFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.flowByExe[executionProcessID]
	if !ok {
		return nil, ErrNotFound
	}
	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *flow
	return &cp, nil
}

func (s *MemoryStore) CreateAgentFlowEvent(_ context.Context, event *v1.AgentFlowEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}
