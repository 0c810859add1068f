package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pgbranch/internal/config"
	"pgbranch/internal/controlplane"
	"pgbranch/internal/db"
	"pgbranch/internal/meta"
	"pgbranch/internal/project"
	"pgbranch/internal/provision"
)

// MaxHistoryLimit caps how many history records one request may return
const MaxHistoryLimit = 1000

// MaxBodyBytes caps JSON request bodies
const MaxBodyBytes = 1 << 20

// Response types
type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// BranchResponse is returned when listing branches (no connection info)
type BranchResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ParentID  string `json:"parent_id,omitempty"`
	Primary   bool   `json:"primary"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ProvisionResponse is returned when provisioning a branch (includes sensitive info)
type ProvisionResponse struct {
	BranchName string `json:"branch_name"`
	BranchID   string `json:"branch_id"`
	Outcome    string `json:"outcome"`
	ConnString string `json:"connection_string"`
	Migrated   bool   `json:"migrated"`
	Error      string `json:"error,omitempty"` // Set when the branch exists but a later step failed
}

type ProvisionRequest struct {
	Name    string `json:"name"`
	Force   bool   `json:"force"`
	Migrate bool   `json:"migrate"`
}

// ConnectionRequest names a database; an empty connection string means database.url
type ConnectionRequest struct {
	ConnString string `json:"connection_string"`
}

type MigrateResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type PruneRequest struct {
	OlderThan string `json:"older_than"`
}

type PruneResponse struct {
	Count int64 `json:"count"`
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeInternalError logs the full error and returns a generic message to the client
func writeInternalError(w http.ResponseWriter, context string, err error) {
	log.Printf("ERROR [%s]: %v", context, err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(dst)
}

// writeDecodeError answers 413 for oversized bodies and 400 for anything else
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}

// upstreamMessage names the failed stage and a short cause. Remote response
// bodies stay in the log.
func upstreamMessage(err error) string {
	var remote *controlplane.RemoteError
	var failed *controlplane.OperationFailedError

	cause := "control plane unreachable"
	switch {
	case errors.As(err, &failed):
		cause = "operation failed"
	case errors.As(err, &remote):
		cause = fmt.Sprintf("control plane returned status %d", remote.StatusCode)
	}

	var stageErr *provision.StageError
	if errors.As(err, &stageErr) {
		return fmt.Sprintf("%s stage failed: %s", stageErr.Stage, cause)
	}
	return cause
}

// writeServiceError maps provisioning and control-plane failures to status codes
func writeServiceError(w http.ResponseWriter, context string, err error) {
	var redirect *controlplane.RedirectError
	var timeout *controlplane.OperationTimeoutError
	var remote *controlplane.RemoteError
	var failed *controlplane.OperationFailedError
	var transport *controlplane.TransportError

	switch {
	case errors.Is(err, provision.ErrInvalidBranchName), errors.Is(err, project.ErrNoConnectionString):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provision.ErrBranchNotFound):
		writeError(w, http.StatusNotFound, "branch not found")
	case errors.Is(err, provision.ErrPrimaryBranch), provision.IsPrecondition(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &redirect):
		log.Printf("ERROR [%s]: %v", context, err)
		writeError(w, http.StatusBadGateway, "control plane redirect refused")
	case errors.As(err, &timeout):
		log.Printf("ERROR [%s]: %v", context, err)
		writeError(w, http.StatusGatewayTimeout, "control plane operation did not finish in time")
	case errors.As(err, &failed), errors.As(err, &remote), errors.As(err, &transport):
		log.Printf("ERROR [%s]: %v", context, err)
		writeError(w, http.StatusBadGateway, upstreamMessage(err))
	default:
		writeInternalError(w, context, err)
	}
}

// Handlers
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.mgr.ListBranches(r.Context())
	if err != nil {
		writeServiceError(w, "listBranches", err)
		return
	}

	response := make([]BranchResponse, len(branches))
	for i, b := range branches {
		var createdAt string
		if !b.CreatedAt.IsZero() {
			createdAt = b.CreatedAt.Format(time.RFC3339)
		}
		response[i] = BranchResponse{
			ID:        b.ID,
			Name:      b.Name,
			ParentID:  b.ParentID,
			Primary:   b.Primary,
			CreatedAt: createdAt,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) provisionBranch(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	if err := provision.ValidateBranchName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.mgr.Provision(r.Context(), req.Name, req.Force, req.Migrate)
	if info == nil {
		writeServiceError(w, "provisionBranch", err)
		return
	}

	status := http.StatusCreated
	if info.Outcome == provision.OutcomeReused {
		status = http.StatusOK
	}

	resp := ProvisionResponse{
		BranchName: info.BranchName,
		BranchID:   info.BranchID,
		Outcome:    string(info.Outcome),
		ConnString: info.ConnectionString,
		Migrated:   info.Migrated,
	}
	// The branch exists even though migration failed
	if err != nil {
		log.Printf("ERROR [provisionBranch]: %v", err)
		resp.Error = err.Error()
	}

	writeJSON(w, status, resp)
}

func (s *Server) deleteBranch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.mgr.DeleteBranch(r.Context(), name); err != nil {
		writeServiceError(w, "deleteBranch", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeConnection accepts an empty body as "use database.url"
func decodeConnection(w http.ResponseWriter, r *http.Request) (ConnectionRequest, error) {
	var req ConnectionRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeJSON(w, r, &req)
	return req, err
}

func (s *Server) migrate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConnection(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	if err := s.mgr.Migrate(r.Context(), req.ConnString); err != nil {
		writeServiceError(w, "migrate", err)
		return
	}

	writeJSON(w, http.StatusOK, MigrateResponse{Status: "migrated", Version: db.CurrentVersion})
}

func (s *Server) checkSchema(w http.ResponseWriter, r *http.Request) {
	req, err := decodeConnection(w, r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.mgr.CheckSchema(r.Context(), req.ConnString))
}

func (s *Server) listProvisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxHistoryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := s.mgr.History(r.Context(), r.URL.Query().Get("branch"), limit)
	if err != nil {
		writeInternalError(w, "listProvisions", err)
		return
	}
	if records == nil {
		records = []meta.Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) pruneProvisions(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDecodeError(w, err)
			return
		}
		// Default to 30 days if no body provided
		req.OlderThan = "30d"
	}

	if req.OlderThan == "" {
		req.OlderThan = "30d"
	}

	duration, err := config.ParseAge(req.OlderThan)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, "invalid duration format")
		return
	}

	count, err := s.mgr.PruneHistory(r.Context(), duration)
	if err != nil {
		writeInternalError(w, "pruneProvisions", err)
		return
	}

	writeJSON(w, http.StatusOK, PruneResponse{Count: count})
}
