package approval

import "sync"

// Flags mark a tool as needing approval before execution.
type Flags struct {
	Destructive bool
	Intrusive   bool
}

// FlagRegistry maps tool ids to their approval flags. Tools register at
// startup; the router consults the registry before every invocation.
type FlagRegistry struct {
	mu    sync.RWMutex
	flags map[string]Flags
}

func NewFlagRegistry() *FlagRegistry {
	return &FlagRegistry{flags: make(map[string]Flags)}
}

func (r *FlagRegistry) Set(tool string, f Flags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[tool] = f
}

func (r *FlagRegistry) Get(tool string) Flags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[tool]
}

// RequiresApproval reports whether the tool is flagged and with which
// reason. Destructive takes precedence when both flags are set.
func (r *FlagRegistry) RequiresApproval(tool string) (Reason, bool) {
	f := r.Get(tool)
	switch {
	case f.Destructive:
		return ReasonDestructive, true
	case f.Intrusive:
		return ReasonIntrusive, true
	default:
		return "", false
	}
}
