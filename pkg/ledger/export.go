package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/eatp-io/eatp/pkg/keyring"
)

// ExportSchemaVersion is the bundle schema this build writes. Readers
// accept any bundle within the same major version.
const ExportSchemaVersion = "1.2.0"

// exportFields is the canonical column order for tabular exports.
var exportFields = []string{
	"id", "agentId", "action", "resource", "result",
	"timestamp", "trustChainHash", "parentAnchorId", "signature",
}

// ExportBundle is a sealed, portable slice of the ledger. The bundle
// signature covers the schema version and anchor set, so a bundle
// altered after export fails verification.
type ExportBundle struct {
	SchemaVersion string         `json:"schemaVersion"`
	ExportedAt    time.Time      `json:"exportedAt"`
	KeyID         string         `json:"keyId"`
	Anchors       []*AuditAnchor `json:"anchors"`
	Signature     string         `json:"signature"`
}

type bundleContent struct {
	SchemaVersion string         `json:"schemaVersion"`
	ExportedAt    time.Time      `json:"exportedAt"`
	KeyID         string         `json:"keyId"`
	Anchors       []*AuditAnchor `json:"anchors"`
}

// Export queries anchors and seals them into a signed bundle.
func (l *Ledger) Export(ctx context.Context, f Filter) (*ExportBundle, error) {
	anchors, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	b := &ExportBundle{
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    l.clock().UTC(),
		KeyID:         l.kr.KeyID(),
		Anchors:       anchors,
	}
	sig, err := l.kr.Sign(bundleContent{
		SchemaVersion: b.SchemaVersion,
		ExportedAt:    b.ExportedAt,
		KeyID:         b.KeyID,
		Anchors:       b.Anchors,
	})
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return b, nil
}

// OpenBundle parses a bundle, gates it on schema compatibility, and
// checks its seal.
func OpenBundle(data []byte, kr *keyring.Keyring) (*ExportBundle, error) {
	var b ExportBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ledger: malformed export bundle: %w", err)
	}
	if err := checkSchemaVersion(b.SchemaVersion); err != nil {
		return nil, err
	}
	ok, err := kr.Verify(bundleContent{
		SchemaVersion: b.SchemaVersion,
		ExportedAt:    b.ExportedAt,
		KeyID:         b.KeyID,
		Anchors:       b.Anchors,
	}, b.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ledger: export bundle signature invalid")
	}
	return &b, nil
}

func checkSchemaVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("ledger: bad bundle schema version %q: %w", version, err)
	}
	supported := semver.MustParse(ExportSchemaVersion)
	if v.Major() != supported.Major() {
		return fmt.Errorf("ledger: bundle schema %s incompatible with supported %s", version, ExportSchemaVersion)
	}
	return nil
}

// MarshalJSON renders the bundle for transport.
func (b *ExportBundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// ExportJSON renders anchors as a JSON array with stable field order.
func ExportJSON(anchors []*AuditAnchor) ([]byte, error) {
	out := make([]map[string]any, len(anchors))
	for i, a := range anchors {
		out[i] = map[string]any{
			"id":             a.ID,
			"agentId":        a.AgentID,
			"action":         a.Action,
			"resource":       a.Resource,
			"result":         a.Result,
			"timestamp":      a.Timestamp.Format(time.RFC3339Nano),
			"trustChainHash": a.TrustChainHash,
			"parentAnchorId": a.ParentAnchorID,
			"signature":      a.Signature,
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

// ExportCSV renders anchors as CSV, header first.
func ExportCSV(anchors []*AuditAnchor) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportFields); err != nil {
		return nil, err
	}
	for _, a := range anchors {
		row := []string{
			a.ID, a.AgentID, a.Action, a.Resource, a.Result,
			a.Timestamp.Format(time.RFC3339Nano), a.TrustChainHash, a.ParentAnchorID, a.Signature,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// exportName builds a stable archive key for a bundle.
func exportName(exportedAt time.Time, anchors int) string {
	return "eatp-audit-" + exportedAt.UTC().Format("20060102T150405Z") +
		"-" + strconv.Itoa(anchors) + ".json"
}
