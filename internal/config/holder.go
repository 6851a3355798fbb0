package config

import "sync"

// Holder provides thread-safe access to a mutable *ResolvedProfile and
// an immutable config file path. Long-running commands read through a
// shared Holder, so a watch-triggered reload updates the profile in
// exactly one place.
type Holder struct {
	mu   sync.RWMutex
	rp   *ResolvedProfile
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial profile and config path.
func NewHolder(rp *ResolvedProfile, path string) *Holder {
	return &Holder{rp: rp, path: path}
}

// Profile returns the current profile snapshot.
func (h *Holder) Profile() *ResolvedProfile {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.rp
}

// Path returns the config file path. Thread-safe without locking
// because the path is immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the profile after a reload.
func (h *Holder) Update(rp *ResolvedProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rp = rp
}
