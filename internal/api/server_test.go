package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/defense"
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/intel"
	"github.com/shadowhunter/core/internal/intelligence"
	"github.com/shadowhunter/core/internal/websocket"
)

func newTestServer(t *testing.T) (*APIServer, *graph.Store) {
	t.Helper()
	store := graph.OpenMemory()
	bus := events.New(16)
	an := analyzer.New(bus, store, intel.Default(), intelligence.NewColdEngine(), nil, nil, analyzer.Config{})
	bl := defense.NewBlocklist(300, nil)
	rm := defense.NewResponseManager(bl, 3600, 95, nil)
	streamer := websocket.NewStreamer()
	return NewAPIServer(ModeDemo, store, an, rm, streamer, []string{"*"}), store
}

func TestStatusReportsModeAndVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "demo", body["mode"])
	assert.Equal(t, version, body["version"])
}

func TestRuleLifecycleCreateToggleDelete(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	body := `{"name":"block-openai","action":"block","service":"openai.com","department":"All","severity":"HIGH","enabled":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/policy/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created detect.PolicyRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// duplicate name+service is a conflict
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/policy/rules", strings.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// toggle flips enabled
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/policy/rules/"+created.ID+"/toggle", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled detect.PolicyRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.False(t, toggled.Enabled)

	// delete removes it
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/policy/rules/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/policy/rules/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnblockIsIdempotentAndReturnsNoContent(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/policy/unblock/203.0.113.9", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDiscoveryNodesReflectsGraphStore(t *testing.T) {
	s, store := newTestServer(t)
	_, err := store.UpsertNode("10.0.0.5", graph.NodeProps{Type: graph.NodeInternal})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/discovery/nodes", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var nodes []graph.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.5", nodes[0].ID)
}
