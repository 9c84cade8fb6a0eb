package svn

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

type fakeRunner struct {
	calls  [][]string
	stdout string
	stderr string
	err    error
	stream io.ReadCloser
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func (f *fakeRunner) Stream(_ context.Context, name string, args ...string) (io.ReadCloser, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

const listOutput = `<?xml version="1.0" encoding="UTF-8"?>
<lists>
<list path="https://svn.example.com/repo/docs">
<entry kind="dir"><name>specs</name><commit revision="4"><author>a</author></commit></entry>
<entry kind="file"><name>report 2024.docx</name><size>2048</size><commit revision="7"><author>b</author></commit></entry>
<entry kind="file"><name>notes.txt</name><size>12</size><commit revision="7"><author>b</author></commit></entry>
</list>
</lists>`

func TestListParsesEntriesAndRewritesEndpoint(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{stdout: listOutput}
	client := New(Config{Binary: "/usr/bin/svn"}, runner, nil)

	entries, err := client.List(context.Background(), "https://svn.example.com/repo/docs", ingest.Access{
		Username: "alice",
		Password: "s3cret",
		Endpoint: "10.0.0.5",
	})
	require.NoError(t, err)
	require.Equal(t, []ingest.Entry{
		{Name: "specs", Kind: ingest.KindDirectory},
		{Name: "report 2024.docx", Kind: ingest.KindFile, Size: 2048},
		{Name: "notes.txt", Kind: ingest.KindFile, Size: 12},
	}, entries)

	require.Equal(t, [][]string{{
		"/usr/bin/svn", "list", "--xml", "--non-interactive", "--no-auth-cache",
		"--username", "alice", "--password", "s3cret",
		"--trust-server-cert-failures=cn-mismatch",
		"https://10.0.0.5/repo/docs",
	}}, runner.calls)
}

func TestStatKinds(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{stdout: `<info><entry kind="dir" path="docs" revision="9"><url>svn://h/docs</url></entry></info>`}
	client := New(Config{}, runner, nil)

	res, err := client.Stat(context.Background(), "svn://h/docs", ingest.Access{})
	require.NoError(t, err)
	require.Equal(t, ingest.Resource{URL: "svn://h/docs", Kind: ingest.KindDirectory}, res)
	require.Equal(t, []string{"svn", "info", "--xml", "--non-interactive", "--no-auth-cache", "svn://h/docs"}, runner.calls[0])

	runner.stdout = `<info><entry kind="file" path="a.txt"></entry></info>`
	res, err = client.Stat(context.Background(), "svn://h/docs/a.txt", ingest.Access{})
	require.NoError(t, err)
	require.Equal(t, ingest.KindFile, res.Kind)
}

func TestCommandFailureCarriesStderr(t *testing.T) {
	t.Parallel()

	base := errors.New("exit status 1")
	runner := &fakeRunner{stderr: "svn: E170000: URL 'svn://h/missing' doesn't exist", err: base}
	client := New(Config{}, runner, nil)

	_, err := client.List(context.Background(), "svn://h/missing", ingest.Access{})
	var repoErr *ingest.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.Equal(t, "list", repoErr.Op)
	require.Equal(t, "svn://h/missing", repoErr.URL)
	require.Contains(t, repoErr.Output, "E170000")
	require.ErrorIs(t, err, base)
}

func TestMalformedXML(t *testing.T) {
	t.Parallel()

	client := New(Config{}, &fakeRunner{stdout: "<lists><list>"}, nil)
	_, err := client.List(context.Background(), "svn://h/x", ingest.Access{})
	var repoErr *ingest.RepositoryError
	require.ErrorAs(t, err, &repoErr)

	client = New(Config{}, &fakeRunner{stdout: "<info></info>"}, nil)
	_, err = client.Stat(context.Background(), "svn://h/x", ingest.Access{})
	require.ErrorAs(t, err, &repoErr)
}

func TestOpenStreamsWithLogicalURLInErrors(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{stream: io.NopCloser(strings.NewReader("file body"))}
	client := New(Config{}, runner, nil)

	rc, err := client.Open(context.Background(), "svn://h/docs/a.txt", ingest.Access{Endpoint: "backup:3690"})
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "file body", string(data))
	require.Equal(t, "svn://backup:3690/docs/a.txt", runner.calls[0][len(runner.calls[0])-1])
	require.Equal(t, "cat", runner.calls[0][1])
}

func TestExecRunnerStreamSurfacesExitStatus(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rc, err := ExecRunner{}.Stream(context.Background(), "sh", "-c", "printf partial; echo 'svn: E160013: path not found' >&2; exit 1")
	require.NoError(t, err)

	data, err := io.ReadAll(&catReader{rc: rc, url: "svn://h/gone.txt"})
	require.Equal(t, "partial", string(data))
	var repoErr *ingest.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.Equal(t, "svn://h/gone.txt", repoErr.URL)
	require.Contains(t, repoErr.Output, "E160013")
	require.Error(t, rc.Close())
}

func TestExecRunnerOutput(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	stdout, _, err := ExecRunner{}.Output(context.Background(), "sh", "-c", "printf ok")
	require.NoError(t, err)
	require.Equal(t, "ok", string(stdout))

	_, stderr, err := ExecRunner{}.Output(context.Background(), "sh", "-c", "echo bad >&2; exit 2")
	require.Error(t, err)
	require.Equal(t, "bad\n", string(stderr))
}
