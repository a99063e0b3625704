package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/eatp-io/eatp/pkg/authority"
	"github.com/eatp-io/eatp/pkg/capability"
	"github.com/eatp-io/eatp/pkg/delegation"
	"github.com/eatp-io/eatp/pkg/eatp"
	"github.com/eatp-io/eatp/pkg/ledger"
	"github.com/eatp-io/eatp/pkg/verification"
)

const maxBodyBytes = 1 << 20

// Server exposes the engine verbs over HTTP.
type Server struct {
	engine  *eatp.Engine
	schemas *schemaSet
	logger  *slog.Logger

	tokenTTL     time.Duration
	genesisTTL   time.Duration
	exportFormat string
	archiver     ledger.Archiver
}

// Option tunes server policy, usually from the deployment profile.
type Option func(*Server)

// WithTokenTTL sets the default grant token lifetime used when a mint
// request carries no explicit ttl.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

// WithGenesisTTL sets a default expiry applied to trust chains
// established without one.
func WithGenesisTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.genesisTTL = d
		}
	}
}

// WithExportFormat sets the audit export format used when a request
// does not name one.
func WithExportFormat(format string) Option {
	return func(s *Server) {
		if format != "" {
			s.exportFormat = format
		}
	}
}

// WithArchiver enables POST /v1/audit/archive against the given backend.
func WithArchiver(a ledger.Archiver) Option {
	return func(s *Server) { s.archiver = a }
}

// NewServer wires the HTTP boundary over an engine.
func NewServer(engine *eatp.Engine, opts ...Option) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine:   engine,
		schemas:  schemas,
		logger:   slog.Default().With("component", "api"),
		tokenTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes registers all endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/trust-chains", s.handleEstablish)
	mux.HandleFunc("POST /v1/delegations", s.handleDelegate)
	mux.HandleFunc("POST /v1/verifications", s.handleVerify)
	mux.HandleFunc("POST /v1/revocations", s.handleRevoke)
	mux.HandleFunc("POST /v1/revocations/human", s.handleRevokeByHuman)
	mux.HandleFunc("GET /v1/revocations/preview", s.handlePreviewRevocation)
	mux.HandleFunc("POST /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("POST /v1/audit/archive", s.handleAuditArchive)
	mux.HandleFunc("GET /v1/agents/{id}/grant", s.handleEffectiveGrant)
	mux.HandleFunc("GET /v1/agents/{id}/path", s.handlePath)
	mux.HandleFunc("POST /v1/agents/{id}/token", s.handleMintToken)
	mux.HandleFunc("POST /v1/authorities", s.handleCreateAuthority)
	mux.HandleFunc("GET /v1/authorities", s.handleListAuthorities)
	mux.HandleFunc("POST /v1/authorities/{id}/deactivate", s.handleDeactivateAuthority)
	mux.HandleFunc("POST /v1/authorities/{id}/reactivate", s.handleReactivateAuthority)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// decodeValidated reads the body once, gates it on the schema, then
// unmarshals into the typed request.
func decodeValidated(w http.ResponseWriter, r *http.Request, schema interface{ Validate(any) error }, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return false
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		WriteBadRequest(w, "Invalid JSON")
		return false
	}
	if err := schema.Validate(raw); err != nil {
		WriteError(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		WriteBadRequest(w, "Request body does not match the expected shape")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type establishRequest struct {
	AgentID      string                  `json:"agent_id"`
	AuthorityID  string                  `json:"authority_id"`
	Capabilities []capability.Capability `json:"capabilities"`
	Constraints  []capability.Constraint `json:"constraints,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if !decodeValidated(w, r, s.schemas.establish, &req) {
		return
	}
	if req.ExpiresAt == nil && s.genesisTTL > 0 {
		exp := time.Now().UTC().Add(s.genesisTTL)
		req.ExpiresAt = &exp
	}
	tc, err := s.engine.Establish(r.Context(), req.AgentID, req.AuthorityID, req.Capabilities, req.Constraints, req.ExpiresAt)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tc)
}

type delegateRequest struct {
	DelegatorID  string                  `json:"delegator_id"`
	DelegateeID  string                  `json:"delegatee_id"`
	TaskID       string                  `json:"task_id"`
	Capabilities []string                `json:"capabilities"`
	Constraints  []capability.Constraint `json:"constraints,omitempty"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if !decodeValidated(w, r, s.schemas.delegate, &req) {
		return
	}
	rec, err := s.engine.Delegate(r.Context(), delegation.Request{
		DelegatorID:  req.DelegatorID,
		DelegateeID:  req.DelegateeID,
		TaskID:       req.TaskID,
		Capabilities: req.Capabilities,
		Constraints:  req.Constraints,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type verifyRequest struct {
	AgentID    string                    `json:"agent_id"`
	Capability string                    `json:"capability"`
	Level      string                    `json:"level,omitempty"`
	Context    capability.RequestContext `json:"context,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeValidated(w, r, s.schemas.verify, &req) {
		return
	}
	res, err := s.engine.Verify(r.Context(), req.AgentID, req.Capability, req.Context, verification.Level(req.Level))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type revokeRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeValidated(w, r, s.schemas.revoke, &req) {
		return
	}
	res, err := s.engine.Revoke(r.Context(), req.NodeID, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type revokeByHumanRequest struct {
	AuthorityID string `json:"authority_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleRevokeByHuman(w http.ResponseWriter, r *http.Request) {
	var req revokeByHumanRequest
	if !decodeValidated(w, r, s.schemas.revokeByHuman, &req) {
		return
	}
	res, err := s.engine.RevokeByHuman(r.Context(), req.AuthorityID, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePreviewRevocation(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		WriteBadRequest(w, "Missing required query parameter: node_id")
		return
	}
	res, err := s.engine.PreviewRevocation(r.Context(), nodeID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type auditRequest struct {
	AgentID  string `json:"agent_id"`
	Action   string `json:"action"`
	Resource string `json:"resource,omitempty"`
	Result   string `json:"result"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !decodeValidated(w, r, s.schemas.audit, &req) {
		return
	}
	anchor, err := s.engine.Audit(r.Context(), req.AgentID, req.Action, req.Resource, req.Result)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, anchor)
}

func auditFilter(r *http.Request) ledger.Filter {
	q := r.URL.Query()
	f := ledger.Filter{
		AgentID:  q.Get("agent_id"),
		Action:   q.Get("action"),
		Result:   q.Get("result"),
		Resource: q.Get("resource"),
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			f.From = t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			f.To = t
		}
	}
	return f
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f := auditFilter(r)
	var (
		anchors []*ledger.AuditAnchor
		err     error
	)
	if human := r.URL.Query().Get("human_origin"); human != "" {
		anchors, err = s.engine.Ledger().QueryByHumanOrigin(r.Context(), human, f)
	} else {
		anchors, err = s.engine.Ledger().Query(r.Context(), f)
	}
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anchors)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		WriteBadRequest(w, "Missing required query parameter: agent_id")
		return
	}
	res, err := s.engine.Ledger().VerifyAgentChain(r.Context(), agentID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	f := auditFilter(r)
	anchors, err := s.engine.Ledger().Query(r.Context(), f)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.exportFormat
	}
	switch format {
	case "csv":
		data, err := ledger.ExportCSV(anchors)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write(data)
	case "", "json":
		data, err := ledger.ExportJSON(anchors)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	default:
		WriteBadRequest(w, fmt.Sprintf("Unsupported export format %q", format))
	}
}

// handleAuditArchive ships a sealed export bundle of matching anchors
// to the archive backend from the deployment profile.
func (s *Server) handleAuditArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		WriteError(w, http.StatusServiceUnavailable, "Archive Backend Not Configured",
			"This deployment profile has no archive backend")
		return
	}
	key, bundle, err := s.engine.Ledger().Archive(r.Context(), auditFilter(r), s.archiver)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"anchors": len(bundle.Anchors),
	})
}

func (s *Server) handleEffectiveGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.engine.EffectiveGrant(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	genesis, path, err := s.engine.ResolvePath(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"genesis": genesis,
		"path":    path,
	})
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	ttl := s.tokenTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			WriteBadRequest(w, "Invalid ttl")
			return
		}
		ttl = parsed
	}
	signed, err := s.engine.MintGrantToken(r.Context(), r.PathValue("id"), ttl)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": signed})
}

type authorityRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
}

func (s *Server) handleCreateAuthority(w http.ResponseWriter, r *http.Request) {
	var req authorityRequest
	if !decodeValidated(w, r, s.schemas.authority, &req) {
		return
	}
	auth, err := s.engine.Registry().Create(r.Context(), req.Name, authority.Type(req.Type), req.ParentID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auth)
}

func (s *Server) handleListAuthorities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := authority.Filter{
		Type:      authority.Type(q.Get("type")),
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if active := q.Get("is_active"); active != "" {
		v := active == "true"
		filter.IsActive = &v
	}
	list, err := s.engine.Registry().List(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeactivateAuthority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	auth, err := s.engine.Registry().Deactivate(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleReactivateAuthority(w http.ResponseWriter, r *http.Request) {
	auth, err := s.engine.Registry().Reactivate(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}
