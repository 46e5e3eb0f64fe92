package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memloom/memloom"
	"github.com/memloom/memloom/pkg/config"
	"github.com/memloom/memloom/pkg/llm"
	"github.com/memloom/memloom/pkg/query"
)

func newTestServer(t *testing.T) (*Server, *memloom.Client, *llm.MockClient) {
	t.Helper()
	small := llm.NewMockClient()
	large := llm.NewMockClient()

	cfg := config.Default()
	cfg.Server.Mode = "test"

	client, err := memloom.NewClient(cfg, nil, memloom.WithLLMClients(small, large))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	s := New(cfg, client, nil)
	s.Setup()
	return s, client, small
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func stubUtterance(small *llm.MockClient, entities, relations string) {
	small.Enqueue(`{"sentiment":"neutral","strength":1.0,"hedge":"none"}`)
	small.Enqueue(entities)
	small.Enqueue(relations)
}

func seedJazz(t *testing.T, s *Server, client *memloom.Client, small *llm.MockClient) {
	t.Helper()
	stubUtterance(small,
		`{"entities":[{"name":"jazz","kind":"concept","explicit":true,"new":true}]}`,
		`{"relations":[{"source":"user","relation":"likes","target":"jazz","target_kind":"concept","temporal":"state","mechanism":"explicit"}]}`,
	)
	rec := do(t, s, http.MethodPost, "/api/v1/interactions", map[string]any{
		"session_id": "s1", "turn": 1, "channel": "chat", "text": "I really like jazz",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, client.ProcessPending(context.Background()))
}

func TestReportAndQueryOverHTTP(t *testing.T) {
	s, client, small := newTestServer(t)
	seedJazz(t, s, client, small)

	rec := do(t, s, http.MethodPost, "/api/v1/query", query.Request{
		Entities: []string{"user"},
		MaxHops:  1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sub query.Subgraph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, "likes", sub.Edges[0].Relation)
}

func TestInvalidInteractionRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/interactions", map[string]any{
		"turn": 1, "text": "no session",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h memloom.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "closed", h.Breakers["llm-small"])
}

func TestSnapshotEndpointFormats(t *testing.T) {
	s, client, small := newTestServer(t)
	seedJazz(t, s, client, small)

	rec := do(t, s, http.MethodGet, "/api/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = do(t, s, http.MethodGet, "/api/v1/snapshot?format=graphml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, rec.Body.String(), "<graphml")

	rec = do(t, s, http.MethodGet, "/api/v1/snapshot?format=dot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrectionUnknownEntityIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/corrections", map[string]any{
		"kind": "delete", "entity_ref": "nobody",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/outbound/p_x/resolve", map[string]any{
		"outcome": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliveredUnknownItemIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/outbound/p_missing/delivered", map[string]any{
		"session_id": "s1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvenanceUnknownEdgeIs404(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/edges/e_missing/provenance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
