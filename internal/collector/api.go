package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/metorial/telemetry-hub/internal/alerts"
	apierrors "github.com/metorial/telemetry-hub/internal/errors"
	"github.com/metorial/telemetry-hub/internal/models"
	"github.com/metorial/telemetry-hub/internal/session"
	"golang.org/x/time/rate"
)

const maxCommandBody = 64 << 10

type APIOptions struct {
	// RateLimit is requests per second across the whole API. Zero disables
	// limiting.
	RateLimit float64
	RateBurst int
}

type API struct {
	manager *session.Manager
	journal *Journal
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewAPI builds the REST query surface. journal may be nil, in which case
// the events endpoint answers 503.
func NewAPI(manager *session.Manager, journal *Journal, logger *slog.Logger, opts APIOptions) *API {
	api := &API{
		manager: manager,
		journal: journal,
		logger:  logger,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		api.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return api
}

func (api *API) RegisterRoutes(r *mux.Router) {
	middleware := []mux.MiddlewareFunc{
		api.metricsMiddleware,
		api.requestIDMiddleware,
		api.recoveryMiddleware,
		api.rateLimitMiddleware,
		api.loggingMiddleware,
	}

	// mux skips middleware for its fallback handlers, so they are wrapped here.
	notFound := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, apierrors.ErrCodeNotFound, "route not found")
	}), middleware)
	methodNotAllowed := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, apierrors.ErrCodeMethodNotAllowed, "method not allowed")
	}), middleware)

	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = methodNotAllowed

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.NotFoundHandler = notFound
	v1.MethodNotAllowedHandler = methodNotAllowed
	v1.Use(middleware...)

	v1.HandleFunc("/hosts", api.handleHosts).Methods(http.MethodGet)
	v1.HandleFunc("/hosts/{hostId}", api.handleHost).Methods(http.MethodGet)
	v1.HandleFunc("/hosts/{hostId}/history", api.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/hosts/{hostId}/commands", api.handleCommand).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", api.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{alertId}/acknowledge", api.handleAcknowledge).Methods(http.MethodPost)
	v1.HandleFunc("/status", api.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/events", api.handleEvents).Methods(http.MethodGet)
}

func (api *API) handleHosts(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")

	hosts := []models.HostSummary{}
	for _, h := range api.manager.Hosts() {
		if group != "" && h.Group != group {
			continue
		}
		hosts = append(hosts, h.Summary())
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"hosts": hosts,
		"count": len(hosts),
	})
}

func (api *API) handleHost(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["hostId"]

	host, ok := api.manager.Host(hostID)
	if !ok {
		writeError(w, r, http.StatusNotFound, apierrors.ErrCodeNotFound, "host not found")
		return
	}

	active, acknowledged := api.manager.HostAlerts(hostID)
	respondJSON(w, http.StatusOK, map[string]any{
		"host":         host,
		"alerts":       active,
		"acknowledged": acknowledged,
	})
}

func (api *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["hostId"]

	var since *int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, "since must be epoch milliseconds")
			return
		}
		since = &v
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"hostId": hostID,
		"points": api.manager.History(hostID, since),
	})
}

func (api *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	hostID := mux.Vars(r)["hostId"]

	if _, ok := api.manager.Host(hostID); !ok {
		writeError(w, r, http.StatusNotFound, apierrors.ErrCodeNotFound, "host not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, "could not read body")
		return
	}

	var command struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &command); err != nil || command.Type == "" {
		writeError(w, r, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, "command must be a JSON object with a type")
		return
	}

	delivered := api.manager.RouteCommand(hostID, json.RawMessage(body))
	api.logger.Info("command routed", "hostId", hostID, "type", command.Type, "delivered", delivered, "requestId", requestID(r))

	respondJSON(w, http.StatusOK, map[string]any{
		"hostId":    hostID,
		"delivered": delivered,
	})
}

func (api *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var list []models.Alert
	if hostID := r.URL.Query().Get("hostId"); hostID != "" {
		list, _ = api.manager.HostAlerts(hostID)
	} else {
		list = api.manager.ActiveAlerts()
	}
	if list == nil {
		list = []models.Alert{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (api *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alertId"]

	active, err := api.manager.AcknowledgeAlert(alertID)
	if errors.Is(err, alerts.ErrAlertNotFound) {
		writeError(w, r, http.StatusNotFound, apierrors.ErrCodeNotFound, "alert not found")
		return
	}
	if err != nil {
		api.logger.Error("acknowledge failed", "alertId", alertID, "error", err)
		writeError(w, r, http.StatusInternalServerError, apierrors.ErrCodeInternal, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"alertId":      alertID,
		"activeAlerts": active,
	})
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, api.manager.Status())
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	journal := "disabled"
	if api.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := api.journal.Ping(ctx); err != nil {
			api.logger.Warn("journal unhealthy", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, apierrors.ErrCodeUnavailable, "journal unavailable")
			return
		}
		journal = "connected"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"journal": journal,
	})
}

func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if api.journal == nil {
		writeError(w, r, http.StatusServiceUnavailable, apierrors.ErrCodeUnavailable, "journal disabled")
		return
	}

	q := r.URL.Query()
	filter := JournalFilter{HostID: q.Get("hostId"), Kind: q.Get("kind")}
	if s := q.Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			writeError(w, r, http.StatusBadRequest, apierrors.ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = l
	}

	events, err := api.journal.Events(r.Context(), filter)
	if err != nil {
		api.logger.Error("journal query failed", "error", err, "requestId", requestID(r))
		writeError(w, r, http.StatusInternalServerError, apierrors.ErrCodeInternal, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type errorResponse struct {
	Code      apierrors.ErrorCode `json:"code"`
	Message   string              `json:"message"`
	RequestID string              `json:"requestId,omitempty"`
}

func chain(h http.Handler, middleware []mux.MiddlewareFunc) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code apierrors.ErrorCode, message string) {
	respondJSON(w, status, errorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode response", "error", err)
	}
}
