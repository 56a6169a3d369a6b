// Package api exposes the graph, alerts and derived analytics over REST and
// a WebSocket push feed for the React frontend, and accepts runtime policy
// rule edits and blocklist overrides.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/analytics"
	"github.com/shadowhunter/core/internal/defense"
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/shderrors"
	"github.com/shadowhunter/core/internal/websocket"
)

// version is stamped into /v1/status; bumped by hand on release.
const version = "1.0.0"

// endpointBudget is the spec's per-request ceiling before an analytics
// endpoint must time out with 504 instead of hanging.
const endpointBudget = 2 * time.Second

// GraphReader is the slice of *graph.Store the API needs for read paths.
type GraphReader interface {
	ListNodes(filter graph.NodeFilter) ([]graph.Node, error)
	ListEdges(filter graph.EdgeFilter) ([]graph.Edge, error)
}

// Mode reports whether the pipeline is fed by the live sniffer or the
// synthetic generator, surfaced on /v1/status.
type Mode string

const (
	ModeLive Mode = "live"
	ModeDemo Mode = "demo"
)

// APIServer exposes the discovery graph, policy/analytics views and the
// active-defense blocklist via REST/JSON, plus the /ws push feed.
type APIServer struct {
	mode      Mode
	graph     GraphReader
	analyzer  *analyzer.Analyzer
	responses *defense.ResponseManager
	streamer  *websocket.Streamer
	rules     *ruleStore
	startedAt time.Time
	origins   []string
	srv       *http.Server
}

// NewAPIServer wires an APIServer. origins is the CORS allow-list from
// config.ServerConfig.AllowedOrigins ("*" disables the check).
func NewAPIServer(mode Mode, g GraphReader, an *analyzer.Analyzer, responses *defense.ResponseManager, streamer *websocket.Streamer, origins []string) *APIServer {
	s := &APIServer{
		mode:      mode,
		graph:     g,
		analyzer:  an,
		responses: responses,
		streamer:  streamer,
		startedAt: time.Now(),
		origins:   origins,
	}
	s.rules = newRuleStore(an.SetPolicyRules)
	return s
}

// Router builds the mux.Router without starting a listener; exported so
// tests can exercise handlers with httptest.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	v1.HandleFunc("/discovery/nodes", s.handleNodes).Methods("GET")
	v1.HandleFunc("/discovery/edges", s.handleEdges).Methods("GET")
	v1.HandleFunc("/discovery/risk-scores", s.handleRiskScores).Methods("GET")
	v1.HandleFunc("/discovery/traffic-stats", s.handleTrafficStats).Methods("GET")

	v1.HandleFunc("/policy/alerts", s.handleAlerts).Methods("GET")
	v1.HandleFunc("/policy/timeline", s.handleTimeline).Methods("GET")
	v1.HandleFunc("/policy/profiles", s.handleProfiles).Methods("GET")
	v1.HandleFunc("/policy/sessions", s.handleSessions).Methods("GET")
	v1.HandleFunc("/policy/dlp", s.handleDLP).Methods("GET")
	v1.HandleFunc("/policy/killchain", s.handleKillChain).Methods("GET")
	v1.HandleFunc("/policy/compliance", s.handleCompliance).Methods("GET")
	v1.HandleFunc("/policy/briefing", s.handleBriefing).Methods("GET")
	v1.HandleFunc("/policy/report", s.handleReport).Methods("GET")

	v1.HandleFunc("/policy/rules", s.handleListRules).Methods("GET")
	v1.HandleFunc("/policy/rules", s.handleCreateRule).Methods("POST")
	v1.HandleFunc("/policy/rules/{id}/toggle", s.handleToggleRule).Methods("PUT")
	v1.HandleFunc("/policy/rules/{id}", s.handleDeleteRule).Methods("DELETE")

	v1.HandleFunc("/policy/blocked", s.handleBlocked).Methods("GET")
	v1.HandleFunc("/policy/unblock/{ip}", s.handleUnblock).Methods("POST")

	r.HandleFunc("/ws", s.streamer.HandleWebSocket)

	return r
}

// Start binds port and serves until the process is signaled to stop. It
// installs read/write/idle timeouts from config.ServerConfig so a slow
// client can never pin a handler goroutine indefinitely.
func (s *APIServer) Start(port int, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	log.Printf("[API] listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.origins) > 0 && s.origins[0] != "*" {
			origin = s.origins[0]
			for _, o := range s.origins {
				if o == r.Header.Get("Origin") {
					origin = o
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError reports err as kind, tagging the JSON body and the server log
// with a shared correlation id so a client-reported failure can be matched
// back to the log line that explains it. status is the HTTP code to send;
// kind only drives logging and the "kind" field — api_client/api_internal
// per spec §7's taxonomy don't map one-to-one onto every HTTP status this
// layer returns (404/409 are still client errors, just more specific ones).
func writeError(w http.ResponseWriter, status int, kind shderrors.Kind, msg string) {
	corrID := ulid.Make().String()
	log.Printf("[API] %v correlation_id=%s", shderrors.Classify(kind, errors.New(msg)), corrID)
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind), "correlation_id": corrID})
}

// snapshot builds the analytics.Snapshot shared by every derived-view
// handler. Reads the graph and alert history fresh on each call; both
// return copies taken under a read lock or a read-only transaction.
func (s *APIServer) snapshot() (analytics.Snapshot, error) {
	nodes, err := s.graph.ListNodes(graph.NodeFilter{})
	if err != nil {
		return analytics.Snapshot{}, err
	}
	edges, err := s.graph.ListEdges(graph.EdgeFilter{})
	if err != nil {
		return analytics.Snapshot{}, err
	}
	return analytics.Snapshot{
		Alerts: s.analyzer.Alerts(),
		Nodes:  nodes,
		Edges:  edges,
		Rules:  s.rules.list(),
		Now:    time.Now(),
	}, nil
}

// withBudget runs fn and 504s if it exceeds endpointBudget; analytics
// derivations are pure in-memory functions so this only guards against a
// pathologically large snapshot, not I/O.
func withBudget(w http.ResponseWriter, fn func() (interface{}, error)) {
	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		result, err = fn()
		close(done)
	}()

	select {
	case <-done:
		if err != nil {
			writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	case <-time.After(endpointBudget):
		writeError(w, http.StatusGatewayTimeout, shderrors.ApiInternal, "analytics derivation exceeded the endpoint budget")
	}
}

// --- status ---

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           s.mode,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"version":        version,
	})
}

// --- discovery ---

func (s *APIServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.graph.ListNodes(graph.NodeFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *APIServer) handleEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.graph.ListEdges(graph.EdgeFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (s *APIServer) handleRiskScores(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		scores := analytics.RiskScores(snap)
		sortRiskDesc(scores)
		return scores, nil
	})
}

func (s *APIServer) handleTrafficStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		return analytics.TrafficStatistics(snap), nil
	})
}

// --- policy / analytics ---

func (s *APIServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.analyzer.Alerts()
	const maxAlerts = 1000
	if len(alerts) > maxAlerts {
		alerts = alerts[len(alerts)-maxAlerts:]
	}
	reversed := make([]analyzer.Alert, len(alerts))
	for i, a := range alerts {
		reversed[len(alerts)-1-i] = a
	}
	writeJSON(w, http.StatusOK, reversed)
}

func (s *APIServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		buckets := analytics.Timeline(snap)
		protocols := map[string]struct{}{}
		sources := map[string]struct{}{}
		for _, e := range snap.Edges {
			protocols[e.Protocol] = struct{}{}
		}
		for _, a := range snap.Alerts {
			sources[a.SourceIP] = struct{}{}
		}
		return map[string]interface{}{
			"buckets": buckets,
			"filters": map[string]interface{}{
				"protocols": keys(protocols),
				"sources":   keys(sources),
			},
		}, nil
	})
}

func (s *APIServer) handleProfiles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) { return analytics.Profiles(snap), nil })
}

func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) { return analytics.Sessions(snap), nil })
}

func (s *APIServer) handleDLP(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		incidents := analytics.DLPIncidents(snap)
		return map[string]interface{}{
			"incidents": incidents,
			"summary":   map[string]int{"total": len(incidents)},
		}, nil
	})
}

func (s *APIServer) handleKillChain(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		chain := analytics.KillChainSummary(snap)
		return map[string]interface{}{
			"stages":           chain.StageAlertCounts,
			"total_alerts":     len(snap.Alerts),
			"active_stages":    chain.ActiveStages,
			"chain_completion": chain.ChainCompletion,
		}, nil
	})
}

func (s *APIServer) handleCompliance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		report := analytics.Compliance(snap)
		total, violations := 0, 0
		for _, f := range report.Frameworks {
			for _, c := range f.Checks {
				total++
				if c.Status == analytics.CheckFail {
					violations++
				}
			}
		}
		return map[string]interface{}{
			"frameworks":    report.Frameworks,
			"overall_score": report.Overall,
			"total_checks":  total,
			"violations":    violations,
		}, nil
	})
}

func (s *APIServer) handleBriefing(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) { return analytics.ExecutiveBriefing(snap), nil })
}

func (s *APIServer) handleReport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	withBudget(w, func() (interface{}, error) {
		return map[string]interface{}{
			"generated_at": snap.Now,
			"briefing":     analytics.ExecutiveBriefing(snap),
			"killchain":    analytics.KillChainSummary(snap),
			"compliance":   analytics.Compliance(snap),
			"risk_scores":  analytics.RiskScores(snap),
			"traffic":      analytics.TrafficStatistics(snap),
			"dlp":          analytics.DLPIncidents(snap),
		}, nil
	})
}

// --- policy rules CRUD ---

func (s *APIServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.list())
}

func (s *APIServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule detect.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, shderrors.ApiClient, "malformed policy rule body")
		return
	}
	stored, err := s.rules.create(rule)
	if err != nil {
		if errors.Is(err, errRuleConflict) {
			writeError(w, http.StatusConflict, shderrors.ApiClient, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, shderrors.ApiInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *APIServer) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stored, ok := s.rules.toggle(id)
	if !ok {
		writeError(w, http.StatusNotFound, shderrors.ApiClient, "unknown policy rule id")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *APIServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.rules.delete(id) {
		writeError(w, http.StatusNotFound, shderrors.ApiClient, "unknown policy rule id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- blocklist ---

func (s *APIServer) handleBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.responses.ListBlocked())
}

func (s *APIServer) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	s.responses.Unblock(ip)
	w.WriteHeader(http.StatusNoContent)
}

// --- small helpers ---

func sortRiskDesc(scores []analytics.NodeRisk) {
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].RiskPct > scores[j-1].RiskPct; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
