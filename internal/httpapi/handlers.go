package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/studyquest/studysync/internal/core"
	"github.com/studyquest/studysync/internal/idgen"
	"github.com/studyquest/studysync/internal/writeback"
)

// statusResp is the body of GET /v1/status
type statusResp struct {
	core.AppSyncStatus
	Online bool `json:"online"`
}

// mutationReq is the body of POST /v1/mutations
type mutationReq struct {
	Operation      core.OperationType     `json:"operation"`
	CollectionPath string                 `json:"collectionPath"`
	EntityID       string                 `json:"entityId"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// mutationResp reports the queued item, or Cancelled when the mutation
// removed a pending create that never reached the backend.
type mutationResp struct {
	Item      *core.MutationQueueItem `json:"item"`
	Cancelled bool                    `json:"cancelled,omitempty"`
}

// connectivityReq is the body of PUT /v1/connectivity
type connectivityReq struct {
	Online *bool `json:"online"`
}

// GetStatus handles GET /v1/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, statusResp{AppSyncStatus: s.Engine.Status(), Online: s.Engine.IsOnline()})
}

// ListMutations handles GET /v1/mutations
func (s *Server) ListMutations(w http.ResponseWriter, r *http.Request) {
	items := s.Engine.PendingMutations()
	if items == nil {
		items = []*core.MutationQueueItem{}
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// EnqueueMutation handles POST /v1/mutations
func (s *Server) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	var req mutationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON")
		return
	}

	item, err := s.Engine.Enqueue(r.Context(), req.Operation, req.CollectionPath, req.EntityID, req.Data)
	if err != nil {
		if errors.Is(err, writeback.ErrInvalidOperation) {
			writeError(w, 400, err.Error())
			return
		}
		logger.Error().Err(err).Msg("failed to enqueue mutation")
		writeError(w, 503, "failed to enqueue mutation")
		return
	}

	writeJSON(w, 202, mutationResp{Item: item, Cancelled: item == nil})
}

// Sync handles POST /v1/sync by running one commit pass.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.ProcessQueue(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to process queue")
		writeError(w, 503, "failed to process queue")
		return
	}
	writeJSON(w, 200, statusResp{AppSyncStatus: s.Engine.Status(), Online: s.Engine.IsOnline()})
}

// ListRetries handles GET /v1/retries
func (s *Server) ListRetries(w http.ResponseWriter, r *http.Request) {
	items := s.Engine.PendingRetries()
	if items == nil {
		items = []core.RetryQueueItem{}
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// ProcessRetries handles POST /v1/retries/process
func (s *Server) ProcessRetries(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.ProcessRetries(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to process retries")
		writeError(w, 503, "failed to process retries")
		return
	}
	writeJSON(w, 200, map[string]any{"pending": len(s.Engine.PendingRetries())})
}

// SetConnectivity handles PUT /v1/connectivity
func (s *Server) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, 400, `body must be {"online": true|false}`)
		return
	}

	if err := s.Engine.SetOnline(*req.Online); err != nil {
		writeError(w, 409, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"online": s.Engine.IsOnline()})
}

// GenerateIDs handles POST /v1/ids?count=N&temporary=true
func (s *Server) GenerateIDs(w http.ResponseWriter, r *http.Request) {
	count := parseLimit(r.URL.Query().Get("count"), 1, 100)
	temporary := r.URL.Query().Get("temporary") == "true"

	ids := make([]string, count)
	for i := range ids {
		if temporary {
			ids[i] = idgen.GenerateTemporary()
		} else {
			ids[i] = idgen.Generate()
		}
	}
	writeJSON(w, 200, map[string]any{"ids": ids})
}
