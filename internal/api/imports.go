package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/repo-indexer/internal/dispatcher"
	"github.com/JakeFAU/repo-indexer/internal/ingest"
	"github.com/JakeFAU/repo-indexer/internal/metrics"
)

type importRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint"`
}

// submitImport handles POST /v1/imports.
func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	resp, err := s.dispatcher.Import(r.Context(), dispatcher.ImportRequest{
		URL: req.URL,
		Access: ingest.Access{
			Username: req.Username,
			Password: req.Password,
			Endpoint: req.Endpoint,
		},
	})
	if err != nil {
		s.fail(w, r, "submit import failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// submitUpload handles POST /v1/uploads with a multipart "file" part and a
// "source_path" field naming where the file lived on the client.
func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp files only

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck // read-only

	source := r.FormValue("source_path")
	if source == "" {
		source = header.Filename
	}
	counted := &countingReader{r: file}
	resp, err := s.dispatcher.Upload(r.Context(), dispatcher.UploadRequest{
		SourcePath: source,
		Body:       counted,
	})
	if err != nil {
		s.fail(w, r, "submit upload failed", fmt.Errorf("upload %s: %w", header.Filename, err))
		return
	}
	metrics.ObserveUpload(counted.n)
	writeJSON(w, http.StatusAccepted, resp)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err //nolint:wrapcheck // io.Reader contract
}
