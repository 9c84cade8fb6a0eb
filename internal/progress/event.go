// Package progress defines the events emitted by workers and job handlers.
package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageDocIndexed  Stage = "DOC_INDEXED"
	StageDocRendered Stage = "DOC_RENDERED"
)

// Event captures a single job or document milestone.
type Event struct {
	// JobID is the broker job id.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Queue and Handler describe the job for lifecycle stages.
	Queue   string
	Handler string
	// Host is the repository host for document stages.
	Host string
	// URL is the logical resource URL; it must not contain credentials.
	URL        string
	DocumentID string
	// Kind is the content kind (text, markdown) for indexed documents.
	Kind string
	// Bytes is the size of the indexed content.
	Bytes int64
	// Dur captures job runtime or conversion latency.
	Dur time.Duration
	// Note carries low-volume context such as failure text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
		if e.Queue == "" {
			return errors.New("job events require queue")
		}
	case StageDocIndexed, StageDocRendered:
		if e.DocumentID == "" {
			return errors.New("document events require document id")
		}
		if e.Host == "" {
			return errors.New("document events require host")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// HostOf returns the host label used for per-host aggregation. Local files
// map to "local".
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "local"
	}
	return u.Hostname()
}
