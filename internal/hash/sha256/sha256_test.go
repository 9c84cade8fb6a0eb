package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentIDDeterministic(t *testing.T) {
	t.Parallel()

	// sha256("hello world") = b94d27b9...cde9, rendered as unpadded base64url.
	want := "uU0nuZNNPgilLlLX2n2r-sSE7-N6U4DukIj3rOLvzek"
	require.Equal(t, want, DocumentID("hello world"))
	require.Equal(t, DocumentID("hello world"), DocumentID("hello world"))

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDocumentIDDistinctAndURLSafe(t *testing.T) {
	t.Parallel()

	urls := []string{
		"svn://repo/docs/a.docx",
		"svn://repo/docs/a.docx ",
		"svn://repo/docs/A.docx",
		"https://svn.example.com/repo/資料/報告書.xlsx",
	}
	seen := make(map[string]string, len(urls))
	for _, u := range urls {
		id := DocumentID(u)
		require.Len(t, id, 43)
		require.False(t, strings.ContainsAny(id, "+/="), "id %q is not url-safe", id)
		prev, dup := seen[id]
		require.False(t, dup, "collision between %q and %q", prev, u)
		seen[id] = u
	}
}
