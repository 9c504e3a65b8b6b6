// Package credentials resolves secrets (API keys, tokens) that the
// Docker-backed alternate executor injects into a launched agent
// container's environment, trying each registered provider in order.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// Credential is one resolved secret value and where it came from.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials from one backing source.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// Manager tries each registered provider in order, first match wins.
type Manager struct {
	providers []Provider
	logger    *logger.Logger
}

// NewManager constructs an empty credentials manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{logger: log.WithFields(zap.String("component", "credentials-manager"))}
}

// AddProvider appends a provider to the resolution chain.
func (m *Manager) AddProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// GetCredential resolves key against each provider in registration order.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	for _, p := range m.providers {
		cred, err := p.GetCredential(ctx, key)
		if err == nil {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("credential not found in any provider: %s", key)
}

// ListAvailable returns the union of every provider's available keys.
func (m *Manager) ListAvailable(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.providers {
		keys, err := p.ListAvailable(ctx)
		if err != nil {
			m.logger.Warn("provider failed to list credentials", zap.String("provider", p.Name()), zap.Error(err))
			continue
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// FileProvider loads credentials from a JSON file of key/value pairs.
type FileProvider struct {
	path   string
	values map[string]string
}

// NewFileProvider loads path eagerly; a missing or malformed file yields an
// empty provider rather than failing startup.
func NewFileProvider(path string) *FileProvider {
	p := &FileProvider{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		return p
	}
	_ = json.Unmarshal(data, &p.values)
	return p
}

// Name returns the provider name.
func (p *FileProvider) Name() string { return "file:" + p.path }

// GetCredential looks up key in the loaded file contents.
func (p *FileProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, ok := p.values[key]
	if !ok || value == "" {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: p.Name()}, nil
}

// ListAvailable returns every key present in the loaded file.
func (p *FileProvider) ListAvailable(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	return keys, nil
}
