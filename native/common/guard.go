package common

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the view reports the module as paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%s: %w", module, ErrModulePaused)
	}
	return nil
}

// Pauses is an in-process PauseView that operators toggle at runtime.
type Pauses struct {
	mu      sync.RWMutex
	modules map[string]bool
}

// NewPauses seeds the view with the supplied paused modules.
func NewPauses(paused ...string) *Pauses {
	p := &Pauses{modules: make(map[string]bool)}
	for _, module := range paused {
		p.Set(module, true)
	}
	return p
}

// Set records the paused flag for module.
func (p *Pauses) Set(module string, paused bool) {
	normalized := strings.ToLower(strings.TrimSpace(module))
	if p == nil || normalized == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.modules[normalized] = true
		return
	}
	delete(p.modules, normalized)
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modules[strings.ToLower(strings.TrimSpace(module))]
}
