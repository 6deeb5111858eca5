package llm

import "sync"

// Rotator provides round-robin selection of API keys so multiple keys for
// one provider share load and survive per-key rate limits.
type Rotator struct {
	mu   sync.Mutex
	keys []string
	next int
}

// NewRotator creates a new Rotator.
func NewRotator(keys []string) *Rotator {
	return &Rotator{keys: keys}
}

// Next returns the next key in rotation, or "" if no keys are configured.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	key := r.keys[r.next%len(r.keys)]
	r.next++
	return key
}

// Len returns the number of configured keys.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
