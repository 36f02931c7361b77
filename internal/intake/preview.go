package intake

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewRegistry hands out revocable local preview references, the
// equivalent of object URLs over in-memory files.
type PreviewRegistry struct {
	mu   sync.Mutex
	live map[string]File
}

// NewPreviewRegistry creates an empty registry.
func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{live: make(map[string]File)}
}

// Preview is one live reference. Revoke is idempotent.
type Preview struct {
	ID   string
	Kind string

	reg  *PreviewRegistry
	once sync.Once
}

// Create registers f and returns its preview handle.
func (r *PreviewRegistry) Create(f File) *Preview {
	kind := "image"
	if f.IsVideo() {
		kind = "video"
	}
	p := &Preview{ID: "preview:" + uuid.NewString(), Kind: kind, reg: r}

	r.mu.Lock()
	r.live[p.ID] = f
	r.mu.Unlock()
	return p
}

// Resolve returns the file behind a live preview id.
func (r *PreviewRegistry) Resolve(id string) (File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.live[id]
	return f, ok
}

// Live returns the number of unrevoked previews.
func (r *PreviewRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Revoke releases the preview.
func (p *Preview) Revoke() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.reg.mu.Lock()
		delete(p.reg.live, p.ID)
		p.reg.mu.Unlock()
	})
}
