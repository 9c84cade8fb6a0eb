package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/convert"
	"github.com/JakeFAU/repo-indexer/internal/hash/sha256"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/progress"
	pubmemory "github.com/JakeFAU/repo-indexer/internal/publisher/memory"
	qmemory "github.com/JakeFAU/repo-indexer/internal/queue/memory"
	"github.com/JakeFAU/repo-indexer/internal/storage/memory"
)

type fakeRepo struct {
	listings map[string][]ingest.Entry
	files    map[string]string
	listErr  error
}

func (r *fakeRepo) Stat(_ context.Context, url string, _ ingest.Access) (ingest.Resource, error) {
	if _, ok := r.listings[url]; ok {
		return ingest.Resource{URL: url, Kind: ingest.KindDirectory}, nil
	}
	if body, ok := r.files[url]; ok {
		return ingest.Resource{URL: url, Kind: ingest.KindFile, Size: int64(len(body))}, nil
	}
	return ingest.Resource{}, &ingest.RepositoryError{Op: "info", URL: url, Output: "path not found"}
}

func (r *fakeRepo) List(_ context.Context, url string, _ ingest.Access) ([]ingest.Entry, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.listings[url], nil
}

func (r *fakeRepo) Open(_ context.Context, url string, _ ingest.Access) (io.ReadCloser, error) {
	body, ok := r.files[url]
	if !ok {
		return nil, &ingest.RepositoryError{Op: "cat", URL: url, Output: "path not found"}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type fakeConverter struct {
	err error
}

func (c fakeConverter) Classify(name string) convert.Variant {
	return convert.Classify(name)
}

func (c fakeConverter) Convert(_ context.Context, path string) (ingest.ConversionResult, error) {
	if c.err != nil {
		return ingest.ConversionResult{}, c.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.ConversionResult{}, err
	}
	return ingest.ConversionResult{Text: string(data), Kind: ingest.ContentText}, nil
}

type fakeRenderer struct {
	artifacts *memory.BlobStore
	err       error
}

func (r fakeRenderer) Render(ctx context.Context, srcPath, docID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	name := convert.ArtifactName(docID)
	if _, err := r.artifacts.PutObject(ctx, name, "application/pdf", f); err != nil {
		return "", err
	}
	return name, nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	pipeline  *Pipeline
	enqueue   *Enqueuer
	broker    *qmemory.Broker
	store     *memory.DocumentStore
	pdfs      *memory.BlobStore
	uploads   *memory.BlobStore
	publisher *pubmemory.Publisher
	events    *recorder
	scratch   string
}

func newHarness(t *testing.T, repo *fakeRepo, conv fakeConverter, renderErr error) *harness {
	t.Helper()
	h := &harness{
		broker:    qmemory.NewBroker(nil, nil, nil),
		store:     memory.NewDocumentStore("documents", nil),
		pdfs:      memory.NewBlobStore(),
		uploads:   memory.NewBlobStore(),
		publisher: pubmemory.New(),
		events:    &recorder{},
		scratch:   filepath.Join(t.TempDir(), "scratch"),
	}
	t.Cleanup(func() { _ = h.broker.Close() })
	h.enqueue = NewEnqueuer(h.broker, DefaultQueues())
	p, err := New(Config{ScratchDir: h.scratch, Topic: "indexed"}, Deps{
		Enqueuer:   h.enqueue,
		Repository: repo,
		Converter:  conv,
		Renderer:   fakeRenderer{artifacts: h.pdfs, err: renderErr},
		Store:      h.store,
		Uploads:    h.uploads,
		Publisher:  h.publisher,
		Progress:   h.events,
	})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func (h *harness) jobs(t *testing.T, queue string) []ingest.Job {
	t.Helper()
	jobs, err := h.broker.List(context.Background(), ingest.JobFilter{Queue: queue})
	require.NoError(t, err)
	return jobs
}

func (h *harness) scratchEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func argURL(t *testing.T, job ingest.Job) string {
	t.Helper()
	var args ResourceArgs
	require.NoError(t, json.Unmarshal(job.Args, &args))
	return args.URL
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)

	enq := NewEnqueuer(qmemory.NewBroker(nil, nil, nil), DefaultQueues())
	_, err = New(Config{Topic: "indexed"}, Deps{
		Enqueuer:   enq,
		Repository: &fakeRepo{},
		Converter:  fakeConverter{},
		Store:      memory.NewDocumentStore("", nil),
	})
	require.Error(t, err)

	p, err := New(Config{}, Deps{
		Enqueuer:   enq,
		Repository: &fakeRepo{},
		Converter:  fakeConverter{},
		Store:      memory.NewDocumentStore("", nil),
	})
	require.NoError(t, err)
	require.Len(t, p.Handlers(), 4)
}

func TestExploreFolderFansOut(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{listings: map[string][]ingest.Entry{
		"svn://h/root": {
			{Name: "a", Kind: ingest.KindDirectory},
			{Name: "one.txt", Kind: ingest.KindFile, Size: 3},
			{Name: "b", Kind: ingest.KindDirectory},
			{Name: "two.docx", Kind: ingest.KindFile, Size: 4},
			{Name: "three.md", Kind: ingest.KindFile, Size: 5},
		},
	}}
	h := newHarness(t, repo, fakeConverter{}, nil)
	ctx := context.Background()

	job, err := h.enqueue.Explore(ctx, "svn://h/root", ingest.Access{Username: "u"})
	require.NoError(t, err)

	res, err := h.pipeline.ExploreFolder(ctx, job)
	require.NoError(t, err)
	require.Equal(t, ingest.ExploreSummary{FolderURL: "svn://h/root", ProcessedFiles: 3, EnqueuedFolders: 2}, res)

	explores := h.jobs(t, "explore")
	require.Len(t, explores, 3)
	imports := h.jobs(t, "import")
	require.Len(t, imports, 3)

	var urls []string
	for _, j := range imports {
		require.Equal(t, HandlerImport, j.Handler)
		require.Equal(t, DefaultQueues().ImportTimeout, j.Timeout)
		urls = append(urls, argURL(t, j))
	}
	sort.Strings(urls)
	require.Equal(t, []string{"svn://h/root/one.txt", "svn://h/root/three.md", "svn://h/root/two.docx"}, urls)

	var folders []string
	for _, j := range explores {
		if j.ID != job.ID {
			folders = append(folders, argURL(t, j))
		}
	}
	sort.Strings(folders)
	require.Equal(t, []string{"svn://h/root/a", "svn://h/root/b"}, folders)
}

func TestExploreFolderListError(t *testing.T) {
	t.Parallel()

	repoErr := &ingest.RepositoryError{Op: "list", URL: "svn://h/root", Output: "E170013"}
	h := newHarness(t, &fakeRepo{listErr: repoErr}, fakeConverter{}, nil)
	job, err := h.enqueue.Explore(context.Background(), "svn://h/root", ingest.Access{})
	require.NoError(t, err)

	_, err = h.pipeline.ExploreFolder(context.Background(), job)
	var target *ingest.RepositoryError
	require.ErrorAs(t, err, &target)
	require.Len(t, h.jobs(t, "import"), 0)
}

func TestImportFileIndexesPlainText(t *testing.T) {
	t.Parallel()

	url := "svn://h/docs/notes%20v2.txt"
	h := newHarness(t, &fakeRepo{files: map[string]string{url: "hello world"}}, fakeConverter{}, nil)
	ctx := context.Background()
	job, err := h.enqueue.Import(ctx, url, ingest.Access{})
	require.NoError(t, err)

	res, err := h.pipeline.ImportFile(ctx, job)
	require.NoError(t, err)
	id := sha256.DocumentID(url)
	require.Equal(t, ImportResult{DocumentID: id, URL: url, Kind: ingest.ContentText}, res)

	doc, err := h.store.Get(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, "notes v2.txt", doc.DisplayName)
	require.Equal(t, "hello world", doc.Content)

	require.Empty(t, h.scratchEntries(t))
	require.Empty(t, h.jobs(t, "render"))
	require.Equal(t, []progress.Stage{progress.StageDocIndexed}, h.events.Stages())

	msgs := h.publisher.Topic("indexed")
	require.Len(t, msgs, 1)
	note, ok := msgs[0].(ingest.Notification)
	require.True(t, ok)
	require.Equal(t, id, note.DocumentID)
	require.Equal(t, url, note.URL)
}

func TestImportFileQueuesRenderAndKeepsScratch(t *testing.T) {
	t.Parallel()

	url := "svn://h/docs/report.docx"
	h := newHarness(t, &fakeRepo{files: map[string]string{url: "quarterly report"}}, fakeConverter{}, nil)
	ctx := context.Background()
	importJob, err := h.enqueue.Import(ctx, url, ingest.Access{})
	require.NoError(t, err)

	res, err := h.pipeline.ImportFile(ctx, importJob)
	require.NoError(t, err)
	require.True(t, res.(ImportResult).RenderQueued)

	renders := h.jobs(t, "render")
	require.Len(t, renders, 1)
	render := renders[0]
	require.Equal(t, HandlerRender, render.Handler)
	require.Equal(t, importJob.ID, render.DependsOn)
	require.Equal(t, ingest.JobDeferred, render.Status)
	require.Len(t, h.scratchEntries(t), 1)

	var args RenderArgs
	require.NoError(t, json.Unmarshal(render.Args, &args))
	require.Equal(t, sha256.DocumentID(url)+".docx", filepath.Base(args.File))
	require.FileExists(t, args.File)

	out, err := h.pipeline.RenderPDF(ctx, render)
	require.NoError(t, err)
	id := sha256.DocumentID(url)
	require.Equal(t, RenderResult{DocumentID: id, PDFName: id + ".pdf"}, out)

	doc, err := h.store.Get(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, id+".pdf", doc.RenderedArtifactName)
	require.Equal(t, []string{id + ".pdf"}, h.pdfs.Names())
	require.Empty(t, h.scratchEntries(t))
	require.Equal(t, []progress.Stage{progress.StageDocIndexed, progress.StageDocRendered}, h.events.Stages())
}

func TestImportFileFailureRemovesScratch(t *testing.T) {
	t.Parallel()

	url := "svn://h/docs/report.docx"
	convErr := &ingest.ConversionError{Target: "markdown", File: "report.docx", StatusCode: 500}
	h := newHarness(t, &fakeRepo{files: map[string]string{url: "x"}}, fakeConverter{err: convErr}, nil)
	job, err := h.enqueue.Import(context.Background(), url, ingest.Access{})
	require.NoError(t, err)

	_, err = h.pipeline.ImportFile(context.Background(), job)
	var target *ingest.ConversionError
	require.ErrorAs(t, err, &target)
	require.Empty(t, h.scratchEntries(t))
	require.Empty(t, h.jobs(t, "render"))

	missing, err := h.enqueue.Import(context.Background(), "svn://h/missing.txt", ingest.Access{})
	require.NoError(t, err)
	_, err = h.pipeline.ImportFile(context.Background(), missing)
	require.Error(t, err)
	require.Empty(t, h.scratchEntries(t))
}

func TestRenderPDFRemovesScratchOnFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeRepo{}, fakeConverter{}, errors.New("office down"))
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(h.scratch, 0o750))
	dir, err := os.MkdirTemp(h.scratch, "job-*")
	require.NoError(t, err)
	file := filepath.Join(dir, "x.docx")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	job, err := h.enqueue.Render(ctx, RenderArgs{URL: "svn://h/x.docx", ScratchDir: dir, File: file}, "")
	require.NoError(t, err)
	_, err = h.pipeline.RenderPDF(ctx, job)
	require.ErrorContains(t, err, "office down")
	require.NoDirExists(t, dir)

	outside := t.TempDir()
	job, err = h.enqueue.Render(ctx, RenderArgs{URL: "svn://h/x.docx", ScratchDir: outside, File: file}, "")
	require.NoError(t, err)
	_, err = h.pipeline.RenderPDF(ctx, job)
	require.ErrorContains(t, err, "outside")
	require.DirExists(t, outside)
}

func TestSweepScratchRemovesStaleJobDirs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeRepo{}, fakeConverter{}, nil)
	removed, err := h.pipeline.SweepScratch(time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)

	require.NoError(t, os.MkdirAll(h.scratch, 0o750))
	stale, err := os.MkdirTemp(h.scratch, "job-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stale, "orphan.docx"), []byte("x"), 0o600))
	fresh, err := os.MkdirTemp(h.scratch, "job-*")
	require.NoError(t, err)
	other := filepath.Join(h.scratch, "keep")
	require.NoError(t, os.Mkdir(other, 0o750))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err = h.pipeline.SweepScratch(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoDirExists(t, stale)
	require.DirExists(t, fresh)
	require.DirExists(t, other)
}

func TestImportUploadIndexesUnderSourcePath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeRepo{}, fakeConverter{}, nil)
	ctx := context.Background()
	source := `C:\shared\specs\design.txt`
	upload := "uploads/" + sha256.DocumentID(source) + ".txt"
	_, err := h.uploads.PutObject(ctx, upload, "text/plain", strings.NewReader("design notes"))
	require.NoError(t, err)

	job, err := h.enqueue.Upload(ctx, UploadArgs{SourcePath: source, Upload: upload})
	require.NoError(t, err)
	require.Equal(t, HandlerUpload, job.Handler)

	res, err := h.pipeline.ImportUpload(ctx, job)
	require.NoError(t, err)
	require.Equal(t, source, res.(ImportResult).URL)

	doc, err := h.store.Get(ctx, sha256.DocumentID(source), true)
	require.NoError(t, err)
	require.Equal(t, "design.txt", doc.DisplayName)
	require.Equal(t, "design notes", doc.Content)
	require.Empty(t, h.scratchEntries(t))

	missing, err := h.enqueue.Upload(ctx, UploadArgs{SourcePath: "/x/y.txt", Upload: "uploads/none.txt"})
	require.NoError(t, err)
	_, err = h.pipeline.ImportUpload(ctx, missing)
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.txt", DisplayName("svn://h/repo/a.txt"))
	require.Equal(t, "dir", DisplayName("svn://h/repo/dir/"))
	require.Equal(t, "報告.docx", DisplayName("svn://h/%E5%A0%B1%E5%91%8A.docx"))
	require.Equal(t, "b.doc", DisplayName(`D:\docs\b.doc`))
	require.Equal(t, "plain", DisplayName("plain"))
}

func TestRedactArgs(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ResourceArgs{URL: "svn://h/a", Access: ingest.Access{Username: "u", Password: "secret"}})
	require.NoError(t, err)
	out := RedactArgs(raw)
	require.NotContains(t, string(out), "secret")

	var args ResourceArgs
	require.NoError(t, json.Unmarshal(out, &args))
	require.Equal(t, "u", args.Access.Username)
	require.Equal(t, "********", args.Access.Password)

	plain := json.RawMessage(`{"source_path":"/a","upload":"u"}`)
	require.Equal(t, plain, RedactArgs(plain))
	require.Equal(t, json.RawMessage(`[1]`), RedactArgs(json.RawMessage(`[1]`)))
}
