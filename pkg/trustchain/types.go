// Package trustchain owns the genesis record per agent and the forward
// delegation graph. The graph is an arena of records keyed by opaque id
// with explicit parent-id fields; path resolution is an id-chase, never a
// pointer traversal, and the graph is acyclic by construction.
package trustchain

import (
	"errors"
	"fmt"
	"time"

	"github.com/eatp-io/eatp/pkg/capability"
)

// Status is the lifecycle state of a chain node.
type Status string

const (
	StatusPending Status = "pending"
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusInvalid Status = "invalid"
)

// ErrNotFound is returned when a chain node does not exist.
var ErrNotFound = errors.New("trust chain record not found")

// TrustChain is the root trust grant for an agent, issued directly by an
// authority. Destroyed only logically via status transitions; the record
// itself is never deleted.
type TrustChain struct {
	AgentID            string                  `json:"agent_id"`
	IssuingAuthorityID string                  `json:"issuing_authority_id"`
	Capabilities       []capability.Capability `json:"capabilities"`
	Constraints        []capability.Constraint `json:"constraints,omitempty"`
	Status             Status                  `json:"status"`
	ExpiresAt          *time.Time              `json:"expires_at,omitempty"`
	EstablishedAt      time.Time               `json:"established_at"`
	RevokedAt          *time.Time              `json:"revoked_at,omitempty"`
	RevokedReason      string                  `json:"revoked_reason,omitempty"`
}

// DelegationRecord is one edge in the delegation forest. Edges are rooted
// at genesis TrustChains; ParentDelegationID links successive
// re-delegations along one lineage.
type DelegationRecord struct {
	ID                    string                  `json:"id"`
	DelegatorID           string                  `json:"delegator_id"`
	DelegateeID           string                  `json:"delegatee_id"`
	TaskID                string                  `json:"task_id"`
	CapabilitiesDelegated []string                `json:"capabilities_delegated"`
	ConstraintSubset      []capability.Constraint `json:"constraint_subset,omitempty"`
	DelegatedAt           time.Time               `json:"delegated_at"`
	ExpiresAt             *time.Time              `json:"expires_at,omitempty"`
	ParentDelegationID    string                  `json:"parent_delegation_id,omitempty"`
	Status                Status                  `json:"status"`
	RevokedAt             *time.Time              `json:"revoked_at,omitempty"`
	RevokedReason         string                  `json:"revoked_reason,omitempty"`
}

// DuplicateGenesisError is returned when an active genesis already exists
// for the agent.
type DuplicateGenesisError struct {
	AgentID string
}

func (e *DuplicateGenesisError) Error() string {
	return fmt.Sprintf("active genesis already exists for agent %s", e.AgentID)
}

// RevokedUpstreamError reports that a node on the resolved path has been
// revoked. Distinct from a missing capability: the agent had trust and
// lost it.
type RevokedUpstreamError struct {
	NodeID string
	Reason string
}

func (e *RevokedUpstreamError) Error() string {
	return fmt.Sprintf("upstream node %s is revoked: %s", e.NodeID, e.Reason)
}

// ExpiredUpstreamError reports that a node on the resolved path expired.
type ExpiredUpstreamError struct {
	NodeID    string
	ExpiredAt time.Time
}

func (e *ExpiredUpstreamError) Error() string {
	return fmt.Sprintf("upstream node %s expired at %s", e.NodeID, e.ExpiredAt.Format(time.RFC3339))
}

// ConcurrentModificationError signals that a delegation write raced with
// another writer on the same lineage. Recoverable: the caller re-reads the
// terminal edge and retries with backoff.
type ConcurrentModificationError struct {
	DelegatorID     string
	ExpectedVersion uint64
	CurrentVersion  uint64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of lineage %s: expected version %d, found %d",
		e.DelegatorID, e.ExpectedVersion, e.CurrentVersion)
}

// nodeInvalid reports the first lifecycle problem of a chain node:
// revocation wins over expiry, expiry is evaluated lazily against now.
func chainNodeError(status Status, revokedReason string, expiresAt *time.Time, nodeID string, now time.Time) error {
	if status == StatusRevoked {
		return &RevokedUpstreamError{NodeID: nodeID, Reason: revokedReason}
	}
	if expiresAt != nil && now.After(*expiresAt) {
		return &ExpiredUpstreamError{NodeID: nodeID, ExpiredAt: *expiresAt}
	}
	return nil
}
