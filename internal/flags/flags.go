// Package flags is the feature-flag collaborator gating whether the
// session manager may run at all.
package flags

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

// Known flag names.
const (
	FlagChatSession = "chat_session"
	FlagDryRun      = "dry_run"
)

type Flags map[string]bool

// IsEnabled reports whether a named flag is on.
func IsEnabled(f Flags, name string) bool {
	if f == nil {
		return false
	}
	return f[strings.TrimSpace(name)]
}

// Provider yields the current flag set.
type Provider interface {
	GetFlags() (Flags, error)
}

// StaticProvider serves a fixed flag set, typically assembled from
// environment variables at startup.
type StaticProvider struct {
	flags Flags
}

func NewStaticProvider(flags Flags) *StaticProvider {
	if flags == nil {
		flags = Flags{}
	}
	return &StaticProvider{flags: flags}
}

func (p *StaticProvider) GetFlags() (Flags, error) {
	clone := make(Flags, len(p.flags))
	for name, on := range p.flags {
		clone[name] = on
	}
	return clone, nil
}

// FileProvider reads flags from a JSON file of {"name": bool} on every
// call, so an operator can flip a flag without restarting.
type FileProvider struct {
	path string
	mu   sync.Mutex
	last Flags
}

func NewFileProvider(path string) (*FileProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("flags file path is required")
	}
	return &FileProvider{path: path, last: Flags{}}, nil
}

func (p *FileProvider) GetFlags() (Flags, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.last, nil
		}
		return nil, err
	}
	var flags Flags
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.last = flags
	p.mu.Unlock()
	return flags, nil
}
