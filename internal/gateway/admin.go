package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func (g *Gateway) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/stream", g.handleStream).Methods(http.MethodGet)

	admin := r.NewRoute().Subrouter()
	admin.Use(requestLogging)
	admin.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	admin.HandleFunc("/subscriptions", g.handleSubscriptions).Methods(http.MethodGet)
	admin.HandleFunc("/sessions", g.handleSessions).Methods(http.MethodGet)
	admin.HandleFunc("/metrics", g.handleMetrics).Methods(http.MethodGet)
	admin.HandleFunc("/inject", g.handleInject).Methods(http.MethodPost)
	return r
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logs.Debugf("admin %s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Sessions:      len(g.sessions.Sessions()),
		Subscriptions: len(g.subs.Stats()),
	})
}

func (g *Gateway) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.subs.Stats())
}

func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.sessions.Sessions())
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.Snapshot())
}

// InjectRequest publishes operator supplied values on a live subscription.
// Identifiers are SCHEME~VALUE strings.
type InjectRequest struct {
	Identifiers []string       `json:"identifiers"`
	RuleSet     string         `json:"ruleSet"`
	Fields      map[string]any `json:"fields"`
}

type injectResponse struct {
	Topic string `json:"topic"`
}

func (g *Gateway) handleInject(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInjectBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	var req InjectRequest
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(exception.ErrInvalidArgument, "decode inject request"))
		return
	}

	bundle, err := parseBundle(req.Identifiers)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultInjectTimeout)
	defer cancel()

	spec, err := g.resolver.Resolve(ctx, bundle, strings.TrimSpace(req.RuleSet))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if err := g.subs.Inject(spec, model.Fields(req.Fields)); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, injectResponse{Topic: spec.Topic()})
}

func parseBundle(identifiers []string) (model.ExternalIDBundle, error) {
	ids := make([]model.ExternalID, 0, len(identifiers))
	for _, s := range identifiers {
		id, err := model.ParseExternalID(strings.TrimSpace(s))
		if err != nil {
			return model.ExternalIDBundle{}, err
		}
		ids = append(ids, id)
	}
	bundle := model.NewBundle(ids...)
	if bundle.IsEmpty() {
		return model.ExternalIDBundle{}, errors.Wrap(exception.ErrInvalidArgument, "no identifiers")
	}
	return bundle, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		logs.Errorf("marshal admin response, err: %+v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError answers with the status text only; the cause is logged.
func writeError(w http.ResponseWriter, status int, err error) {
	logs.Infof("admin request failed with %d, err: %+v", status, err)
	writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
}
