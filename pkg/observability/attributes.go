// Package observability — protocol-specific instrumentation helpers.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Trust protocol semantic convention attributes.
var (
	// Agent attributes
	AttrAgentID     = attribute.Key("eatp.agent.id")
	AttrAuthorityID = attribute.Key("eatp.authority.id")

	// Delegation attributes
	AttrDelegatorID  = attribute.Key("eatp.delegation.delegator_id")
	AttrDelegateeID  = attribute.Key("eatp.delegation.delegatee_id")
	AttrTaskID       = attribute.Key("eatp.delegation.task_id")
	AttrDelegationID = attribute.Key("eatp.delegation.id")

	// Verification attributes
	AttrCapability         = attribute.Key("eatp.verification.capability")
	AttrVerificationLevel  = attribute.Key("eatp.verification.level")
	AttrVerificationValid  = attribute.Key("eatp.verification.valid")
	AttrVerificationReason = attribute.Key("eatp.verification.reason")

	// Revocation attributes
	AttrRevocationNodeID = attribute.Key("eatp.revocation.node_id")
	AttrRevokedAgents    = attribute.Key("eatp.revocation.agent_count")
	AttrRevokedEdges     = attribute.Key("eatp.revocation.edge_count")

	// Ledger attributes
	AttrAnchorID     = attribute.Key("eatp.ledger.anchor_id")
	AttrLedgerAction = attribute.Key("eatp.ledger.action")
	AttrLedgerResult = attribute.Key("eatp.ledger.result")
)

// EstablishOperation creates attributes for genesis establishment.
func EstablishOperation(agentID, authorityID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrAuthorityID.String(authorityID),
	}
}

// DelegateOperation creates attributes for delegation operations.
func DelegateOperation(delegatorID, delegateeID, taskID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDelegatorID.String(delegatorID),
		AttrDelegateeID.String(delegateeID),
		AttrTaskID.String(taskID),
	}
}

// VerifyOperation creates attributes for verification operations.
func VerifyOperation(agentID, capabilityName, level string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrCapability.String(capabilityName),
		AttrVerificationLevel.String(level),
	}
}

// VerifyOutcome creates attributes for a verification result.
func VerifyOutcome(valid bool, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrVerificationValid.Bool(valid)}
	if reason != "" {
		attrs = append(attrs, AttrVerificationReason.String(reason))
	}
	return attrs
}

// RevokeOperation creates attributes for revocation operations.
func RevokeOperation(nodeID string, agents, edges int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRevocationNodeID.String(nodeID),
		AttrRevokedAgents.Int(agents),
		AttrRevokedEdges.Int(edges),
	}
}

// LedgerOperation creates attributes for audit anchor appends.
func LedgerOperation(agentID, action, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrLedgerAction.String(action),
		AttrLedgerResult.String(result),
	}
}
