// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/editnori/metamapctl/internal/audit"
	"github.com/editnori/metamapctl/internal/health"
	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/state"
	ws "github.com/editnori/metamapctl/internal/websocket"
)

// Handler holds the dependencies the Monitoring API's route handlers need:
// the job registry, the State Store (for manifest stats), the Health
// Monitor (for service status), the WebSocket hub (for the event stream),
// and the audit logger (for control-plane actions).
type Handler struct {
	jobs    *JobManager
	backend state.Backend
	health  *health.Monitor
	hub     *ws.Hub
	audit   *audit.Logger
}

// NewHandler wires a Handler around its collaborators. health and audit may
// be nil (service-status and audit trail become no-ops), matching the
// "API layer is an optional attachment" design.
func NewHandler(jobs *JobManager, backend state.Backend, healthMon *health.Monitor, hub *ws.Hub, auditLogger *audit.Logger) *Handler {
	return &Handler{jobs: jobs, backend: backend, health: healthMon, hub: hub, audit: auditLogger}
}

// Healthz reports process liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	newResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// jobRecordView is the wire shape of a Job Record snapshot.
type jobRecordView struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	PercentDone   int       `json:"percent_done"`
	Total         int       `json:"total,omitempty"`
	Processed     int       `json:"processed,omitempty"`
	Failed        int       `json:"failed,omitempty"`
	FailedIDs     []string  `json:"failed_ids,omitempty"`
	ConceptsFound int       `json:"concepts_found,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func toJobRecordView(job Job) jobRecordView {
	view := jobRecordView{
		ID:          job.ID,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		EndedAt:     job.EndedAt,
		PercentDone: job.PercentDone,
		Error:       job.Err,
	}
	if job.Status != JobStatusRunning {
		view.Total = job.Result.Total
		view.Processed = job.Result.Processed
		view.Failed = job.Result.Failed
		view.FailedIDs = job.Result.FailedIDs
		view.ConceptsFound = job.Result.ConceptsFound
	}
	return view
}

// GetJob returns the Job Record snapshot for {id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.jobs.Get(id)
	rw := newResponseWriter(w, r)
	if !ok {
		rw.NotFound("no such job")
		return
	}
	rw.Success(toJobRecordView(job))
}

// GetManifestStats returns the aggregate counters from the Manifest/Snapshot.
func (h *Handler) GetManifestStats(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)
	if h.backend == nil {
		rw.Internal("state backend not available")
		return
	}
	rw.Success(h.backend.Stats())
}

// GetServices returns Service Descriptor status from the Health Monitor.
func (h *Handler) GetServices(w http.ResponseWriter, r *http.Request) {
	rw := newResponseWriter(w, r)
	if h.health == nil {
		rw.Success(map[string]health.Status{})
		return
	}
	rw.Success(h.health.Status())
}

// CancelJob sets the scheduler's stop-flag for {id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rw := newResponseWriter(w, r)
	if !h.jobs.Cancel(id) {
		rw.NotFound("no such job")
		return
	}
	h.recordAudit(r, "job.cancel", "operator requested job cancellation", map[string]interface{}{"job_id": id})
	rw.Success(map[string]string{"status": "cancelling"})
}

// RetryJob re-invokes the Retry Controller against {id}'s current failed set.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rw := newResponseWriter(w, r)
	recovered, ok := h.jobs.Retry(r.Context(), id)
	if !ok {
		rw.NotFound("no such job")
		return
	}
	h.recordAudit(r, "job.retry", "operator requested manual retry", map[string]interface{}{
		"job_id": id, "recovered_count": len(recovered),
	})
	rw.Success(map[string]interface{}{"recovered": recovered})
}

// upgrader is the WebSocket upgrader for the event stream. Origin checking
// is deliberately loose (operator-only, loopback-bound API by default); a
// reverse proxy in front of a non-loopback deployment is expected to
// enforce Origin itself.
var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// Events upgrades to a WebSocket connection and streams Progress Events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		newResponseWriter(w, r).Error(http.StatusServiceUnavailable, ErrCodeServiceDown, "event stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("api: websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// recordAudit logs a control-plane action if an audit logger is configured.
func (h *Handler) recordAudit(r *http.Request, action, description string, metadata map[string]interface{}) {
	if h.audit == nil {
		return
	}
	h.audit.LogAdminAction(r.Context(), audit.SystemActor(), audit.SourceFromRequest(r), action, description, metadata)
}
