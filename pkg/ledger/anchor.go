// Package ledger records every protocol action as a hash-linked, signed
// audit anchor. Anchors for one agent form a chain: each anchor carries
// the hash of its predecessor, so tampering with history is detectable
// by recomputation.
package ledger

import (
	"fmt"
	"time"

	"github.com/eatp-io/eatp/pkg/canonical"
	"github.com/eatp-io/eatp/pkg/keyring"
)

// AuditAnchor is one immutable audit record.
type AuditAnchor struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId"`
	Action         string    `json:"action"`
	Resource       string    `json:"resource"`
	Result         string    `json:"result"`
	Timestamp      time.Time `json:"timestamp"`
	TrustChainHash string    `json:"trustChainHash"`
	ParentAnchorID string    `json:"parentAnchorId,omitempty"`
	ParentHash     string    `json:"parentHash,omitempty"`
	Hash           string    `json:"hash"`
	Signature      string    `json:"signature"`
}

// anchorContent is the hashed and signed portion of an anchor. Hash and
// Signature themselves are excluded.
type anchorContent struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId"`
	Action         string    `json:"action"`
	Resource       string    `json:"resource"`
	Result         string    `json:"result"`
	Timestamp      time.Time `json:"timestamp"`
	TrustChainHash string    `json:"trustChainHash"`
	ParentAnchorID string    `json:"parentAnchorId,omitempty"`
	ParentHash     string    `json:"parentHash,omitempty"`
}

func (a *AuditAnchor) content() anchorContent {
	return anchorContent{
		ID:             a.ID,
		AgentID:        a.AgentID,
		Action:         a.Action,
		Resource:       a.Resource,
		Result:         a.Result,
		Timestamp:      a.Timestamp,
		TrustChainHash: a.TrustChainHash,
		ParentAnchorID: a.ParentAnchorID,
		ParentHash:     a.ParentHash,
	}
}

// ComputeHash returns the canonical hash of the anchor's content.
func (a *AuditAnchor) ComputeHash() (string, error) {
	return canonical.Hash(a.content())
}

// Seal computes the anchor's hash and signs it with the keyring. Called
// exactly once, after all content fields are set.
func (a *AuditAnchor) Seal(kr *keyring.Keyring) error {
	hash, err := a.ComputeHash()
	if err != nil {
		return fmt.Errorf("hash anchor %s: %w", a.ID, err)
	}
	a.Hash = hash
	sig, err := kr.Sign(a.content())
	if err != nil {
		return fmt.Errorf("sign anchor %s: %w", a.ID, err)
	}
	a.Signature = sig
	return nil
}

// VerifySeal checks the anchor's hash and signature against its content.
func (a *AuditAnchor) VerifySeal(kr *keyring.Keyring) (bool, error) {
	hash, err := a.ComputeHash()
	if err != nil {
		return false, err
	}
	if hash != a.Hash {
		return false, nil
	}
	return kr.Verify(a.content(), a.Signature)
}

// ChainIntegrityError reports where an audit chain fails verification.
type ChainIntegrityError struct {
	AnchorID string
	Detail   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain broken at %s: %s", e.AnchorID, e.Detail)
}

// VerifyResult is the outcome of verifying one agent's audit chain.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"brokenAt,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// VerifyChain walks anchors in append order, recomputing each hash and
// signature and checking every parent link. The first broken anchor is
// reported; anchors after it are not examined.
func VerifyChain(anchors []*AuditAnchor, kr *keyring.Keyring) (VerifyResult, error) {
	var prev *AuditAnchor
	for _, a := range anchors {
		hash, err := a.ComputeHash()
		if err != nil {
			return VerifyResult{}, err
		}
		if hash != a.Hash {
			return VerifyResult{Valid: false, BrokenAt: a.ID, Detail: "content hash mismatch"}, nil
		}
		ok, err := kr.Verify(a.content(), a.Signature)
		if err != nil {
			return VerifyResult{}, err
		}
		if !ok {
			return VerifyResult{Valid: false, BrokenAt: a.ID, Detail: "signature invalid"}, nil
		}
		if prev == nil {
			if a.ParentAnchorID != "" {
				return VerifyResult{Valid: false, BrokenAt: a.ID, Detail: "first anchor has a parent"}, nil
			}
		} else {
			if a.ParentAnchorID != prev.ID {
				return VerifyResult{Valid: false, BrokenAt: a.ID, Detail: "parent id does not match predecessor"}, nil
			}
			if a.ParentHash != prev.Hash {
				return VerifyResult{Valid: false, BrokenAt: a.ID, Detail: "parent hash does not match predecessor"}, nil
			}
		}
		prev = a
	}
	return VerifyResult{Valid: true}, nil
}
