// Package api exposes a discovery server over HTTP, and provides the client
// used by the command line to talk to it
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/overmindtech/discovery-server/discovery"
	"github.com/overmindtech/discovery-server/tracing"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Bodies larger than this are rejected
const maxBodyBytes = 1 << 20

// DiscoveryServer is the part of *discovery.Server that is served over HTTP
type DiscoveryServer interface {
	Name() string
	Dispatch(ctx context.Context, req *discovery.DiscoveryRequest) (*discovery.DiscoveryResult, error)
	DispatchAsync(ctx context.Context, req *discovery.DiscoveryRequest) (*discovery.DiscoveryResult, error)
	RequestStatus(id uuid.UUID) (*discovery.DiscoveryResult, error)
	CancelRequest(id uuid.UUID) error
	RefreshEngineConfig(ctx context.Context, engineName string) error
	EngineReports() []discovery.EngineReport
	ListenerReport() discovery.ListenerReport
	Readiness(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// ErrorBody is returned for every request that fails with a discovery error
type ErrorBody struct {
	ErrorKind    discovery.ErrorKind `json:"errorKind,omitempty"`
	MessageID    string              `json:"messageId,omitempty"`
	Message      string              `json:"message"`
	SystemAction string              `json:"systemAction,omitempty"`
	UserAction   string              `json:"userAction,omitempty"`
}

// EnginesBody is returned when listing engines
type EnginesBody struct {
	Server   string                   `json:"server"`
	Engines  []discovery.EngineReport `json:"engines"`
	Listener discovery.ListenerReport `json:"listener"`
}

// AckBody acknowledges a refresh
type AckBody struct {
	Status string `json:"status"`
	Engine string `json:"engine"`
}

type Options struct {
	// Origins allowed to make cross-origin requests. Empty disallows all
	AllowedOrigins []string
}

type handler struct {
	server DiscoveryServer
}

// NewHandler returns the HTTP API for a discovery server:
//
//	POST   /servers/{server}/engines/{engine}/requests/{requestType}[?async=true&timeout=30s]
//	GET    /servers/{server}/requests/{requestID}
//	DELETE /servers/{server}/requests/{requestID}
//	POST   /servers/{server}/engines/{engine}/refresh
//	GET    /servers/{server}/engines
//	GET    /healthz
//	GET    /readyz
func NewHandler(server DiscoveryServer, opts Options) http.Handler {
	h := &handler{server: server}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)

	router.Handle("/healthz", healthHandler(server.HealthCheck, "healthcheck")).Methods(http.MethodGet)
	router.Handle("/readyz", healthHandler(server.Readiness, "readiness")).Methods(http.MethodGet)

	s := router.PathPrefix("/servers/{server}").Subrouter()
	s.Use(h.matchServer)
	s.HandleFunc("/engines", h.listEngines).Methods(http.MethodGet)
	s.HandleFunc("/engines/{engine}/refresh", h.refresh).Methods(http.MethodPost)
	s.HandleFunc("/engines/{engine}/requests/{requestType}", h.dispatch).Methods(http.MethodPost)
	s.HandleFunc("/requests/{requestID}", h.requestStatus).Methods(http.MethodGet)
	s.HandleFunc("/requests/{requestID}", h.cancelRequest).Methods(http.MethodDelete)

	router.Use(logRequests)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "traceparent", "tracestate", "baggage"},
	})

	return otelhttp.NewHandler(c.Handler(router), "discovery-api",
		// Health checks have their own heavily sampled spans
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
		}),
	)
}

func healthHandler(check func(context.Context) error, name string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.HealthCheckTracer().Start(r.Context(), name)
		defer span.End()

		if err := check(ctx); err != nil {
			span.SetAttributes(attribute.String("ovm.healthCheck.error", err.Error()))
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(rw, "ok")
	})
}

// logRequests names the request span after the matched route and logs the
// request once it has been handled
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + tmpl)
			}
		}

		start := time.Now()
		next.ServeHTTP(rw, r)

		log.WithContext(r.Context()).WithFields(log.Fields{
			"ovm.api.method":   r.Method,
			"ovm.api.path":     r.URL.Path,
			"ovm.api.duration": time.Since(start).String(),
		}).Trace("Handled API request")
	})
}

// matchServer only lets requests for this server through, others get a plain
// 404
func (h *handler) matchServer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["server"] != h.server.Name() {
			http.NotFound(rw, r)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.WithError(err).Error("Failed to write API response")
	}
}

// writeError writes a discovery error using the status from its catalogue
// entry. Anything else is a 500
func writeError(rw http.ResponseWriter, r *http.Request, err error) {
	var derr *discovery.Error
	if errors.As(err, &derr) {
		writeJSON(rw, derr.HTTPStatus(), ErrorBody{
			ErrorKind:    derr.Kind,
			MessageID:    derr.MessageID(),
			Message:      derr.Message(),
			SystemAction: derr.SystemAction(),
			UserAction:   derr.UserAction(),
		})
		return
	}

	log.WithContext(r.Context()).WithError(err).Error("Unexpected API error")
	writeJSON(rw, http.StatusInternalServerError, ErrorBody{Message: err.Error()})
}

func badRequest(rw http.ResponseWriter, format string, args ...any) {
	writeJSON(rw, http.StatusBadRequest, ErrorBody{Message: fmt.Sprintf(format, args...)})
}

func (h *handler) listEngines(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, EnginesBody{
		Server:   h.server.Name(),
		Engines:  h.server.EngineReports(),
		Listener: h.server.ListenerReport(),
	})
}

func (h *handler) refresh(rw http.ResponseWriter, r *http.Request) {
	engine := mux.Vars(r)["engine"]

	// Fetch failures are recorded on the engine and retried, the response
	// only says whether the engine exists
	if err := h.server.RefreshEngineConfig(r.Context(), engine); err != nil {
		writeError(rw, r, err)
		return
	}

	writeJSON(rw, http.StatusOK, AckBody{Status: "ACK", Engine: engine})
}

func (h *handler) dispatch(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	req := &discovery.DiscoveryRequest{
		ID:          uuid.New(),
		Engine:      vars["engine"],
		RequestType: vars["requestType"],
	}

	query := r.URL.Query()

	if t := query.Get("timeout"); t != "" {
		timeout, err := time.ParseDuration(t)
		if err != nil || timeout < 0 {
			badRequest(rw, "invalid timeout %q", t)
			return
		}
		req.Timeout = timeout
	}

	async := false
	if a := query.Get("async"); a != "" {
		var err error
		async, err = strconv.ParseBool(a)
		if err != nil {
			badRequest(rw, "invalid async %q", a)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		badRequest(rw, "reading body: %v", err)
		return
	}
	if len(body) > maxBodyBytes {
		writeJSON(rw, http.StatusRequestEntityTooLarge, ErrorBody{Message: "request body too large"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req.Params); err != nil {
			badRequest(rw, "request body must be a JSON object of params: %v", err)
			return
		}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("ovm.discovery.requestID", req.ID.String()),
		attribute.Bool("ovm.discovery.async", async),
	)

	if async {
		result, err := h.server.DispatchAsync(r.Context(), req)
		if err != nil {
			writeError(rw, r, err)
			return
		}

		rw.Header().Set("Location", fmt.Sprintf("/servers/%v/requests/%v", h.server.Name(), result.RequestID))
		writeJSON(rw, http.StatusAccepted, result)
		return
	}

	result, err := h.server.Dispatch(r.Context(), req)
	if err != nil {
		if result != nil {
			// The service ran and failed, the result carries the details
			var derr *discovery.Error
			status := http.StatusInternalServerError
			if errors.As(err, &derr) {
				status = derr.HTTPStatus()
			}
			writeJSON(rw, status, result)
			return
		}
		writeError(rw, r, err)
		return
	}

	writeJSON(rw, http.StatusOK, result)
}

func (h *handler) requestID(rw http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["requestID"]

	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(rw, "invalid request ID %q", raw)
		return uuid.Nil, false
	}

	return id, true
}

func (h *handler) requestStatus(rw http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(rw, r)
	if !ok {
		return
	}

	result, err := h.server.RequestStatus(id)
	if err != nil {
		writeError(rw, r, err)
		return
	}

	writeJSON(rw, http.StatusOK, result)
}

func (h *handler) cancelRequest(rw http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(rw, r)
	if !ok {
		return
	}

	if err := h.server.CancelRequest(id); err != nil {
		writeError(rw, r, err)
		return
	}

	result, err := h.server.RequestStatus(id)
	if err != nil {
		writeError(rw, r, err)
		return
	}

	writeJSON(rw, http.StatusOK, result)
}
