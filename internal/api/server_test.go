package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/dispatcher"
	"github.com/JakeFAU/repo-indexer/internal/hash/sha256"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/pipeline"
	qmemory "github.com/JakeFAU/repo-indexer/internal/queue/memory"
	"github.com/JakeFAU/repo-indexer/internal/storage/memory"
)

type apiRepo struct {
	kinds map[string]ingest.ResourceKind
}

func (r apiRepo) Stat(_ context.Context, url string, _ ingest.Access) (ingest.Resource, error) {
	kind, ok := r.kinds[url]
	if !ok {
		return ingest.Resource{}, &ingest.RepositoryError{Op: "info", URL: url, Output: "svn: E170000: URL doesn't exist"}
	}
	return ingest.Resource{URL: url, Kind: kind}, nil
}

func (apiRepo) List(context.Context, string, ingest.Access) ([]ingest.Entry, error) {
	return nil, nil
}

func (apiRepo) Open(context.Context, string, ingest.Access) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

type testEnv struct {
	server  *Server
	broker  *qmemory.Broker
	docs    *memory.DocumentStore
	pdfs    *memory.BlobStore
	uploads *memory.BlobStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	broker := qmemory.NewBroker(nil, nil, nil)
	t.Cleanup(func() { _ = broker.Close() })
	env := &testEnv{
		broker:  broker,
		docs:    memory.NewDocumentStore("documents", nil),
		pdfs:    memory.NewBlobStore(),
		uploads: memory.NewBlobStore(),
	}
	repo := apiRepo{kinds: map[string]ingest.ResourceKind{
		"svn://svn.example.com/docs":          ingest.KindDirectory,
		"svn://svn.example.com/docs/plan.txt": ingest.KindFile,
	}}
	d := dispatcher.New(repo, pipeline.NewEnqueuer(broker, pipeline.DefaultQueues()), env.uploads, nil, dispatcher.Config{}, zap.NewNop())
	env.server = NewServer(Deps{
		Dispatcher: d,
		Broker:     broker,
		Documents:  env.docs,
		PDFs:       env.pdfs,
		Progress:   memory.NewProgressStore(),
	}, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seed(t *testing.T, url, content string) ingest.Document {
	t.Helper()
	doc, err := e.docs.Upsert(context.Background(), ingest.UpsertRequest{
		ID:          sha256.DocumentID(url),
		URL:         url,
		DisplayName: pipeline.DisplayName(url),
		Content:     content,
	})
	require.NoError(t, err)
	return doc
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestServer_SubmitImport_DispatchesByKind(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	body := `{"url":"svn://svn.example.com/docs","username":"alice","password":"hunter2"}`
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp dispatcher.ImportResponse
	decode(t, rec, &resp)
	require.Equal(t, ingest.KindDirectory, resp.Kind)

	job, err := env.broker.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.HandlerExplore, job.Handler)
}

func TestServer_SubmitImport_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{invalid", http.StatusBadRequest},
		{"missing url", `{"url":""}`, http.StatusBadRequest},
		{"repository failure", `{"url":"svn://svn.example.com/missing"}`, http.StatusBadGateway},
	}
	for _, tc := range cases {
		rec := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(tc.body)))
		require.Equal(t, tc.want, rec.Code, tc.name)
	}
}

func TestServer_SubmitUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("source_path", `C:\work\notes.txt`))
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("meeting notes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(t, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp dispatcher.UploadResponse
	decode(t, rec, &resp)
	require.Equal(t, sha256.DocumentID(`C:\work\notes.txt`), resp.DocumentID)
	require.Equal(t, []string{resp.Upload}, env.uploads.Names())

	job, err := env.broker.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.HandlerUpload, job.Handler)
}

func TestServer_SubmitUpload_RequiresFile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("source_path", "notes.txt"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.Equal(t, http.StatusBadRequest, env.do(t, req).Code)
}

func TestServer_ListJobs_RedactsPasswords(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	body := `{"url":"svn://svn.example.com/docs/plan.txt","username":"alice","password":"hunter2"}`
	require.Equal(t, http.StatusAccepted,
		env.do(t, httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(body))).Code)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?queue=import&status=queued", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
	var payload struct {
		Jobs []ingest.Job `json:"jobs"`
	}
	decode(t, rec, &payload)
	require.Len(t, payload.Jobs, 1)
	require.Contains(t, string(payload.Jobs[0].Args), "********")

	single := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+payload.Jobs[0].ID, nil))
	require.Equal(t, http.StatusOK, single.Code)
	require.NotContains(t, single.Body.String(), "hunter2")
}

func TestServer_Jobs_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusNotFound, env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope", nil)).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=bogus", nil)).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=0", nil)).Code)
}

func TestServer_QueueStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	body := `{"url":"svn://svn.example.com/docs/plan.txt"}`
	env.do(t, httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(body)))

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Queues []ingest.QueueStats `json:"queues"`
	}
	decode(t, rec, &payload)
	var queued int
	for _, q := range payload.Queues {
		if q.Queue == "import" {
			queued = q.Queued
		}
	}
	require.Equal(t, 1, queued)
}

func TestServer_SearchAndDocuments(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	plan := env.seed(t, "svn://svn.example.com/docs/plan.txt", "the quarterly budget plan")
	env.seed(t, "svn://svn.example.com/docs/misc.txt", "budget for the quarter")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search?q=quarterly+budget&mode=exact", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var hits struct {
		Hits []ingest.SearchHit `json:"hits"`
	}
	decode(t, rec, &hits)
	require.Len(t, hits.Hits, 1)
	require.Equal(t, plan.ID, hits.Hits[0].ID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search?mode=regex", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Documents []ingest.DocumentRef `json:"documents"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Documents, 2)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents/"+plan.ID+"?content=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "quarterly budget plan")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents/"+plan.ID, nil))
	require.NotContains(t, rec.Body.String(), "quarterly budget plan")

	require.Equal(t, http.StatusNotFound, env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents/missing", nil)).Code)
}

func TestServer_SearchDefaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	plan := env.seed(t, "svn://svn.example.com/docs/plan.txt", "the quarterly budget plan")
	env.seed(t, "svn://svn.example.com/docs/misc.txt", "budget for the quarter")
	for i := 0; i < defaultSearchLimit+5; i++ {
		env.seed(t, fmt.Sprintf("svn://svn.example.com/archive/%03d.txt", i), "archived note")
	}
	total := defaultSearchLimit + 7

	var hits struct {
		Hits []ingest.SearchHit `json:"hits"`
	}
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search?q=quarterly+budget", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &hits)
	require.Len(t, hits.Hits, 1, "mode defaults to exact")
	require.Equal(t, plan.ID, hits.Hits[0].ID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &hits)
	require.Len(t, hits.Hits, total)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search?limit=5", nil))
	decode(t, rec, &hits)
	require.Len(t, hits.Hits, 5)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/search?url=archive", nil))
	decode(t, rec, &hits)
	require.Len(t, hits.Hits, defaultSearchLimit)
}

func TestServer_DeleteDocuments(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	doc := env.seed(t, "svn://svn.example.com/docs/plan.txt", "plan")

	body := `{"ids":["` + doc.ID + `","ghost"]}`
	rec := env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/documents", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var res ingest.BulkDeleteResult
	decode(t, rec, &res)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, []ingest.DeleteError{{ID: "ghost", Reason: "not found"}}, res.Errors)

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/v1/documents", strings.NewReader(`{"ids":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StreamPDF(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	doc := env.seed(t, "svn://svn.example.com/docs/plan.docx", "plan")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents/"+doc.ID+"/pdf", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	name := doc.ID + ".pdf"
	_, err := env.pdfs.PutObject(ctx, name, "application/pdf", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	require.NoError(t, env.docs.UpdateRenderedArtifact(ctx, doc.ID, name))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents/"+doc.ID+"/pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, "%PDF-1.7", rec.Body.String())
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{APIKey: "secret"})
	require.Equal(t, http.StatusUnauthorized, env.do(t, httptest.NewRequest(http.MethodGet, "/v1/documents", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, env.do(t, req).Code)

	require.Equal(t, http.StatusOK, env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	require.Equal(t, http.StatusOK, env.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")

	failing := NewServer(Deps{Ready: func(context.Context) error { return errors.New("store down") }}, Config{}, nil)
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, errorStatus(dispatcher.ErrInvalidRequest))
	require.Equal(t, http.StatusNotFound, errorStatus(ingest.ErrNotFound))
	require.Equal(t, http.StatusBadGateway, errorStatus(&ingest.RepositoryError{Op: "list"}))
	require.Equal(t, http.StatusServiceUnavailable, errorStatus(ingest.ErrQueueClosed))
	require.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
}
