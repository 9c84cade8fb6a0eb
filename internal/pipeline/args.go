package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/repo-indexer/internal/ingest"
)

// Handler names stored on submitted jobs.
const (
	HandlerExplore = "explore_folder"
	HandlerImport  = "import_file"
	HandlerRender  = "render_pdf"
	HandlerUpload  = "import_upload"
)

// ResourceArgs addresses one repository resource.
type ResourceArgs struct {
	URL    string        `json:"url"`
	Access ingest.Access `json:"access"`
}

// RenderArgs points a render job at the file its import job left behind.
type RenderArgs struct {
	URL        string `json:"url"`
	ScratchDir string `json:"scratch_dir"`
	File       string `json:"file"`
}

// UploadArgs names a retained upload and the logical path it was uploaded as.
type UploadArgs struct {
	SourcePath string `json:"source_path"`
	Upload     string `json:"upload"`
}

// ImportResult is stored as the result of import and upload jobs.
type ImportResult struct {
	DocumentID   string             `json:"document_id"`
	URL          string             `json:"url"`
	Kind         ingest.ContentKind `json:"kind"`
	RenderQueued bool               `json:"render_queued"`
}

// RenderResult is stored as the result of render jobs.
type RenderResult struct {
	DocumentID string `json:"document_id"`
	PDFName    string `json:"pdf_name"`
}

func decodeArgs(job ingest.Job, dst any) error {
	if len(job.Args) == 0 {
		return fmt.Errorf("job %s has no args", job.ID)
	}
	if err := json.Unmarshal(job.Args, dst); err != nil {
		return fmt.Errorf("decode %s args: %w", job.Handler, err)
	}
	return nil
}

// DisplayName returns the last path segment of a resource URL or uploaded path.
func DisplayName(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, `/\`)
	name := trimmed[strings.LastIndexAny(trimmed, `/\`)+1:]
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// ScratchName is the file name a resource is downloaded to: its document id
// plus the original extension.
func ScratchName(docID, name string) string {
	return docID + filepath.Ext(name)
}

// RedactArgs blanks any password carried in job args. Jobs whose args do not
// decode as an object are returned unchanged.
func RedactArgs(raw json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return raw
	}
	accessRaw, ok := fields["access"]
	if !ok {
		return raw
	}
	var access ingest.Access
	if json.Unmarshal(accessRaw, &access) != nil || access.Password == "" {
		return raw
	}
	access.Password = "********"
	redacted, err := json.Marshal(access)
	if err != nil {
		return raw
	}
	fields["access"] = redacted
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
