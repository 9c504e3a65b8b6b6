package registry

import (
	"fmt"
	"sync"
)

// MountTemplate describes one bind mount a container-backed agent type
// requires, with {workspace}/{task_id}-style placeholders in Source.
type MountTemplate struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceLimits bounds the container resources a launched agent instance
// may consume.
type ResourceLimits struct {
	MemoryMB       int64
	CPUCores       float64
	TimeoutSeconds int
}

// AgentTypeConfig is one registered, container-backed agent type: the image
// to run, the mounts and env it requires, and its default resource caps.
type AgentTypeConfig struct {
	ID             string
	Name           string
	Description    string
	Image          string
	Tag            string
	WorkingDir     string
	RequiredEnv    []string
	Mounts         []MountTemplate
	ResourceLimits ResourceLimits
	Capabilities   []string
	Enabled        bool
}

// Registry holds the set of agent types the Docker-backed alternate
// executor (internal/agent/lifecycle) may launch. It is populated once at
// startup from DefaultAgents and is safe for concurrent reads.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*AgentTypeConfig
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*AgentTypeConfig)}
}

// LoadDefaults registers the built-in agent types from DefaultAgents,
// overwriting any existing entry with the same ID.
func (r *Registry) LoadDefaults() {
	for _, cfg := range DefaultAgents() {
		r.Register(cfg)
	}
}

// Register adds or replaces one agent type.
func (r *Registry) Register(cfg *AgentTypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[cfg.ID] = cfg
}

// Get looks up an agent type by ID.
func (r *Registry) Get(id string) (*AgentTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.types[id]
	if !ok {
		return nil, fmt.Errorf("agent type %q is not registered", id)
	}
	return cfg, nil
}

// List returns every registered agent type.
func (r *Registry) List() []*AgentTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentTypeConfig, 0, len(r.types))
	for _, cfg := range r.types {
		out = append(out, cfg)
	}
	return out
}
