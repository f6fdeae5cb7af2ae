package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/search"
)

// apiStore stubs the store surface the handlers touch.
type apiStore struct {
	ingest.Store

	jobs     map[int64]ingest.Job
	nextJob  int64
	policy   *ingest.Policy
	document *ingest.DocumentDetail
	lexical  []ingest.ScoredChunk
	statsErr error
}

func newAPIStore() *apiStore {
	return &apiStore{jobs: make(map[int64]ingest.Job)}
}

func (a *apiStore) CreateJob(_ context.Context, kind ingest.JobKind, params ingest.JobParams) (ingest.Job, error) {
	if err := params.Validate(kind); err != nil {
		return ingest.Job{}, err
	}
	a.nextJob++
	job := ingest.Job{ID: a.nextJob, Kind: kind, State: ingest.JobQueued, Params: params}
	a.jobs[job.ID] = job
	return job, nil
}

func (a *apiStore) GetJob(_ context.Context, jobID int64) (ingest.Job, error) {
	job, ok := a.jobs[jobID]
	if !ok {
		return ingest.Job{}, ingest.ErrNotFound
	}
	return job, nil
}

func (a *apiStore) ActivePolicy(context.Context) (ingest.Policy, error) {
	if a.policy == nil {
		return ingest.Policy{}, ingest.ErrNoActivePolicy
	}
	return *a.policy, nil
}

func (a *apiStore) SwapPolicy(_ context.Context, p ingest.Policy) (ingest.Policy, error) {
	p.ID = 1
	p.Active = true
	a.policy = &p
	return p, nil
}

func (a *apiStore) GetDocument(_ context.Context, docID int64) (ingest.DocumentDetail, error) {
	if a.document == nil || a.document.ID != docID {
		return ingest.DocumentDetail{}, ingest.ErrNotFound
	}
	return *a.document, nil
}

func (a *apiStore) SearchLexical(context.Context, string, int) ([]ingest.ScoredChunk, error) {
	return a.lexical, nil
}

func (a *apiStore) SearchSemantic(context.Context, []float32, int) ([]ingest.ScoredChunk, error) {
	return nil, nil
}

func (a *apiStore) Stats(context.Context) (ingest.IndexStats, error) {
	if a.statsErr != nil {
		return ingest.IndexStats{}, a.statsErr
	}
	return ingest.IndexStats{Sources: 1, ActiveDocuments: 2, Chunks: 30}, nil
}

type apiEmbedder struct{}

func (apiEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func (apiEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

type apiClock struct{}

func (apiClock) Now() time.Time { return time.Now() }

func newTestServer(store *apiStore, cfg Config) *httptest.Server {
	logger := zap.NewNop()
	engine := search.New(store, apiEmbedder{}, apiClock{}, time.Minute, logger)
	return httptest.NewServer(NewServer(store, engine, cfg, logger).Handler())
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { require.NoError(t, resp.Body.Close()) }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	body := decode[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestReadyz_StoreDown(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.statsErr = context.DeadlineExceeded
	srv := newTestServer(store, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	srv := newTestServer(store, Config{})
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"kind": "crawl",
		"params": map[string]any{
			"crawl": map[string]any{"seed_urls": []string{"https://example.com"}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[ingest.Job](t, resp)
	require.Equal(t, ingest.JobCrawl, job.Kind)
	require.Equal(t, ingest.JobQueued, job.State)
	require.NotZero(t, job.ID)
}

func TestSubmitJob_RejectsMismatchedParams(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	// repo params attached to a crawl job
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"kind": "crawl",
		"params": map[string]any{
			"repo": map[string]any{"path": "/srv/code"},
		},
	})
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/jobs", "application/json", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	created, err := store.CreateJob(context.Background(), ingest.JobCrawl, ingest.JobParams{
		Crawl: &ingest.CrawlParams{SeedURLs: []string{"https://example.com"}},
	})
	require.NoError(t, err)

	srv := newTestServer(store, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decode[ingest.Job](t, resp)
	require.Equal(t, created.ID, job.ID)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/404")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.lexical = []ingest.ScoredChunk{
		{ChunkID: 1, DocID: 2, URI: "https://e.com/a", Title: "A", Text: "matching text", Score: 0.5},
	}
	srv := newTestServer(store, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/search?q=matching&mode=lexical&top_k=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Query   string                `json:"query"`
		Results []ingest.SearchResult `json:"results"`
	}](t, resp)
	require.Equal(t, "matching", body.Query)
	require.Len(t, body.Results, 1)
	require.Equal(t, "matching text", body.Results[0].Snippet)
}

func TestSearchEndpoint_Validation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	for _, path := range []string{
		"/v1/search",
		"/v1/search?q=x&top_k=0",
		"/v1/search?q=x&top_k=abc",
		"/v1/search?q=x&mode=fuzzy",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestGetDocument(t *testing.T) {
	t.Parallel()

	store := newAPIStore()
	store.document = &ingest.DocumentDetail{
		Document: ingest.Document{ID: 7, ExternalID: "https://e.com/a", IsActive: true},
		Chunks:   []ingest.Chunk{{ID: 1, DocID: 7, Index: 0, Text: "body"}},
	}
	srv := newTestServer(store, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/documents/7")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[ingest.DocumentDetail](t, resp)
	require.Equal(t, int64(7), detail.ID)
	require.Len(t, detail.Chunks, 1)

	resp, err = http.Get(srv.URL + "/v1/documents/999")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPolicyRoundTrip(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/policy")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, srv.URL+"/v1/policy", map[string]any{
		"allowlist": []string{"example.com"},
		"denylist":  []string{"private.example.com"},
		"budgets":   map[string]int{"max_pages_per_job": 100, "max_depth": 2, "rate_per_domain": 30},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[ingest.Policy](t, resp)
	require.True(t, stored.Active)
	require.Equal(t, []string{"example.com"}, stored.Allowlist)

	resp, err = http.Get(srv.URL + "/v1/policy")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[ingest.Policy](t, resp)
	require.Equal(t, 100, got.Budgets.MaxPagesPerJob)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[ingest.IndexStats](t, resp)
	require.Equal(t, int64(2), st.ActiveDocuments)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(newAPIStore(), Config{APIKey: "secret"})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Probes stay open.
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
