package authority

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the authority tree. All mutations go through it; reads
// are safe under concurrent use.
type Registry struct {
	mu          sync.RWMutex
	authorities map[string]*Authority
	clock       func() time.Time
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		authorities: make(map[string]*Authority),
		clock:       time.Now,
		logger:      slog.Default().With("component", "authority"),
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Create registers a new authority. When parentID is set the parent must
// exist and be active.
func (r *Registry) Create(ctx context.Context, name string, typ Type, parentID string) (*Authority, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if !validType(typ) {
		return nil, &ValidationError{Field: "type", Message: "must be organization, system, or human"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if parentID != "" {
		parent, ok := r.authorities[parentID]
		if !ok {
			return nil, ErrNotFound
		}
		if !parent.IsActive {
			return nil, &ParentInactiveError{AuthorityID: parentID}
		}
	}

	now := r.clock().UTC()
	a := &Authority{
		ID:                uuid.New().String(),
		Name:              name,
		Type:              typ,
		ParentAuthorityID: parentID,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	r.authorities[a.ID] = a

	r.logger.InfoContext(ctx, "authority created",
		"authority_id", a.ID, "type", typ, "parent_id", parentID)
	return cloneAuthority(a), nil
}

// Deactivate soft-disables an authority. The reason is mandatory and must
// carry enough context for the audit trail. Deactivation does not revoke
// trust the authority has already issued; that is an explicit revocation
// engine call.
func (r *Registry) Deactivate(ctx context.Context, id, reason string) (*Authority, error) {
	if len(strings.TrimSpace(reason)) < minReasonLength {
		return nil, &ValidationError{Field: "reason", Message: "must be at least 10 characters"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.authorities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.IsActive {
		a.IsActive = false
		a.DeactivatedReason = reason
		a.UpdatedAt = r.clock().UTC()
	}

	r.logger.InfoContext(ctx, "authority deactivated", "authority_id", id, "reason", reason)
	return cloneAuthority(a), nil
}

// Reactivate re-enables an authority for issuing new genesis trust.
// Chains revoked while it was inactive stay revoked: revocation is
// monotonic and reactivation is purely administrative.
func (r *Registry) Reactivate(ctx context.Context, id string) (*Authority, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.authorities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.IsActive {
		a.IsActive = true
		a.DeactivatedReason = ""
		a.UpdatedAt = r.clock().UTC()
	}

	r.logger.InfoContext(ctx, "authority reactivated", "authority_id", id)
	return cloneAuthority(a), nil
}

// Get returns the authority by id.
func (r *Registry) Get(ctx context.Context, id string) (*Authority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.authorities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAuthority(a), nil
}

// IsActive reports whether the authority exists and is active.
func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.authorities[id]
	if !ok {
		return false, ErrNotFound
	}
	return a.IsActive, nil
}

// Filter narrows and orders List results.
type Filter struct {
	Type      Type
	IsActive  *bool
	Search    string
	SortBy    string // "name", "created_at" (default), "updated_at"
	SortOrder string // "asc" (default) or "desc"
}

// List returns authorities matching the filter.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Authority, error) {
	r.mu.RLock()
	out := make([]*Authority, 0, len(r.authorities))
	for _, a := range r.authorities {
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.IsActive != nil && a.IsActive != *filter.IsActive {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, cloneAuthority(a))
	}
	r.mu.RUnlock()

	less := func(i, j *Authority) bool {
		switch filter.SortBy {
		case "name":
			return i.Name < j.Name
		case "updated_at":
			return i.UpdatedAt.Before(j.UpdatedAt)
		default:
			return i.CreatedAt.Before(j.CreatedAt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.SortOrder == "desc" {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out, nil
}

// Descendants returns the ids of the authority subtree rooted at id,
// including id itself. Used by revoke-by-human and the ledger's
// human-origin queries.
func (r *Registry) Descendants(ctx context.Context, id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.authorities[id]; !ok {
		return nil, ErrNotFound
	}

	children := make(map[string][]string)
	for _, a := range r.authorities {
		if a.ParentAuthorityID != "" {
			children[a.ParentAuthorityID] = append(children[a.ParentAuthorityID], a.ID)
		}
	}

	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		kids := children[cur]
		sort.Strings(kids)
		queue = append(queue, kids...)
	}
	return out, nil
}

func cloneAuthority(a *Authority) *Authority {
	copied := *a
	return &copied
}
