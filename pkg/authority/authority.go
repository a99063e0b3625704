// Package authority manages the hierarchical trust-issuing identities of
// EATP: organizations, systems, and humans. Authorities form a tree via
// parent references and are only ever soft-deactivated — the audit trail
// requires that an issuer can always be resolved.
package authority

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies an authority.
type Type string

const (
	TypeOrganization Type = "organization"
	TypeSystem       Type = "system"
	TypeHuman        Type = "human"
)

// minReasonLength is the shortest acceptable deactivation reason.
const minReasonLength = 10

// ErrNotFound is returned when an authority does not exist.
var ErrNotFound = errors.New("authority not found")

// Authority is an entity permitted to issue or delegate trust.
type Authority struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              Type      `json:"type"`
	ParentAuthorityID string    `json:"parent_authority_id,omitempty"`
	IsActive          bool      `json:"is_active"`
	CertificateHash   string    `json:"certificate_hash,omitempty"`
	DeactivatedReason string    `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ParentInactiveError is returned when an operation requires an active
// authority but the referenced one is inactive (or is an inactive parent).
type ParentInactiveError struct {
	AuthorityID string
}

func (e *ParentInactiveError) Error() string {
	return fmt.Sprintf("authority %s is inactive", e.AuthorityID)
}

// ValidationError reports malformed input to a registry operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func validType(t Type) bool {
	switch t {
	case TypeOrganization, TypeSystem, TypeHuman:
		return true
	}
	return false
}
