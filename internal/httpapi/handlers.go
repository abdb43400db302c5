package httpapi

import (
	"net/http"
	"strconv"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/models"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/monitoring"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/queueerr"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// canceller is the subset of engine.Engine the cancel handler needs, kept
// as an interface so httpapi doesn't import engine (avoiding an import
// cycle risk if engine ever needs to serve its own diagnostics).
type canceller interface {
	RequestCancel(taskID int64) bool
}

// Server wires the mandatory HTTP surface of spec §6 over a Store and
// Monitor. Routes are registered with the standard library's ServeMux,
// matching the teacher's buildMux pattern.
type Server struct {
	store   *store.Store
	monitor *monitoring.Monitor
	engine  canceller
	logger  *common.Logger
	apiKey  string
}

// NewServer constructs a Server. engine may be nil if this process only
// serves reads (monitoring-only deployment).
func NewServer(s *store.Store, mon *monitoring.Monitor, eng canceller, logger *common.Logger, apiKey string) *Server {
	return &Server{store: s, monitor: mon, engine: eng, logger: logger, apiKey: apiKey}
}

// Handler builds the routed, middleware-wrapped http.Handler.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/queue/enqueue", srv.handleEnqueue)
	mux.HandleFunc("/queue/stats", srv.handleStats)
	mux.HandleFunc("/queue/stream", srv.handleStream)
	mux.HandleFunc("/queue/tasks/", srv.handleTaskRoutes)
	return applyMiddleware(mux, srv.logger, srv.apiKey)
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var one int
	if err := srv.store.DB().GetContext(r.Context(), &one, "SELECT 1"); err != nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, "store unreachable", "store_unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.EnqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	task, created, err := srv.store.Enqueue(r.Context(), req)
	if err != nil {
		writeQueueErr(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	WriteJSON(w, status, task)
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	opts := monitoring.StatsOptions{Type: r.URL.Query().Get("type")}
	stats, err := srv.monitor.QueryStats(r.Context(), opts)
	if err != nil {
		srv.logger.Error().Err(err).Msg("stats query failed")
		WriteError(w, http.StatusInternalServerError, "failed to gather stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (srv *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if srv.monitor.Hub == nil {
		WriteError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	srv.monitor.Hub.ServeWS(w, r)
}

// handleTaskRoutes dispatches under /queue/tasks/{id} and
// /queue/tasks/{id}/cancel, the only two sub-routes spec §6 defines.
func (srv *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	const prefix = "/queue/tasks/"
	if id := PathParam(r, prefix, "/cancel"); id != "" && len(r.URL.Path) > len(prefix)+len(id) {
		srv.handleCancel(w, r, id)
		return
	}
	id := PathParam(r, prefix, "")
	srv.handleGetTask(w, r, id)
}

func (srv *Server) handleGetTask(w http.ResponseWriter, r *http.Request, idParam string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := srv.store.GetTask(r.Context(), id)
	if err != nil {
		writeQueueErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (srv *Server) handleCancel(w http.ResponseWriter, r *http.Request, idParam string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	cancelled, wasLeased, err := srv.store.CancelTask(r.Context(), id)
	if err != nil {
		writeQueueErr(w, err)
		return
	}
	if wasLeased {
		signalled := false
		if srv.engine != nil {
			signalled = srv.engine.RequestCancel(id)
		}
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"cancelled": false,
			"leased":    true,
			"signalled": signalled,
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func writeQueueErr(w http.ResponseWriter, err error) {
	switch {
	case queueerr.OfKind(err, queueerr.KindNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case queueerr.OfKind(err, queueerr.KindValidation):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
