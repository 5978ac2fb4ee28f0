package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// JobType tells a worker how to interpret the URL of a job.
type JobType int

// Job types handed out by the queue.
const (
	JobTypeStandard JobType = iota
	JobTypeAttachment
)

const (
	jobTypeStandardWire   = "standard"
	jobTypeAttachmentWire = "attachments"
)

// ErrUnknownJobType is returned when a wire value does not name a job type.
var ErrUnknownJobType = errors.New("unknown job type")

// String returns the wire name of the job type.
func (t JobType) String() string {
	if t == JobTypeAttachment {
		return jobTypeAttachmentWire
	}
	return jobTypeStandardWire
}

// ParseJobType maps a wire value to a JobType. An empty value is a standard job.
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", jobTypeStandardWire:
		return JobTypeStandard, nil
	case jobTypeAttachmentWire, "attachment":
		return JobTypeAttachment, nil
	default:
		return JobTypeStandard, fmt.Errorf("%w: %q", ErrUnknownJobType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t JobType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *JobType) UnmarshalText(text []byte) error {
	parsed, err := ParseJobType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Endpoint names an upstream resource collection tracked by discovery.
type Endpoint string

// Tracked endpoints, in the order discovery walks them.
const (
	EndpointDockets   Endpoint = "dockets"
	EndpointDocuments Endpoint = "documents"
	EndpointComments  Endpoint = "comments"
)

// Endpoints returns the tracked endpoints in discovery order.
func Endpoints() []Endpoint {
	return []Endpoint{EndpointDockets, EndpointDocuments, EndpointComments}
}

// ParseEndpoint validates an endpoint name.
func ParseEndpoint(s string) (Endpoint, error) {
	for _, e := range Endpoints() {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown endpoint %q", s)
}

// JobSpec is a job descriptor emitted by discovery before the queue assigns an ID.
type JobSpec struct {
	URL      string
	Type     JobType
	Endpoint Endpoint
}

// Job is a unit of fetch work. Jobs are immutable once the queue created them.
type Job struct {
	ID   string  `json:"job_id"`
	URL  string  `json:"url"`
	Type JobType `json:"job_type"`
}

// Validate checks the fields every job handed to a worker must carry.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.URL) == "" {
		return fmt.Errorf("job %s: url is required", j.ID)
	}
	return nil
}

// Poll is the outcome of asking the queue for work: either a job or nothing.
type Poll struct {
	job       Job
	available bool
}

// JobPoll wraps a job handed out by the queue.
func JobPoll(job Job) Poll {
	return Poll{job: job, available: true}
}

// NoJobAvailable is the poll outcome for an empty queue.
func NoJobAvailable() Poll {
	return Poll{}
}

// Job returns the job and whether one was available.
func (p Poll) Job() (Job, bool) {
	return p.job, p.available
}

// AttachmentTag is the multipart field name used for attachment content.
const AttachmentTag = "file"

// Attachment is one binary file fetched by an attachment job.
type Attachment struct {
	Tag     string
	Name    string
	Content []byte
}

// UniqueName returns name, or name with _<index> before its extension when used
// already holds it. The returned name is added to used.
func UniqueName(used map[string]struct{}, name string, index int) string {
	candidate := name
	for {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
		ext := path.Ext(candidate)
		candidate = strings.TrimSuffix(candidate, ext) + "_" + strconv.Itoa(index) + ext
	}
}

// JobResult is what a worker reports back for a job.
type JobResult struct {
	JobID       string          `json:"job_id"`
	ClientID    int64           `json:"client_id"`
	Payload     json.RawMessage `json:"results"`
	Directory   string          `json:"directory,omitempty"`
	Attachments []Attachment    `json:"-"`
}

// Validate checks the result before it crosses the queue boundary.
func (r JobResult) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return errors.New("result job id is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("result for job %s has no payload", r.JobID)
	}
	if r.Directory != "" && PayloadHasError(r.Payload) {
		return fmt.Errorf("result for job %s carries an error and a directory", r.JobID)
	}
	return nil
}

// Checkpoint is the resume cursor of one endpoint. A nil Cursor means "from the beginning".
type Checkpoint struct {
	Endpoint Endpoint
	Cursor   *time.Time
}

// PayloadHasError reports whether a JSON object payload carries a top-level "error" key.
func PayloadHasError(payload json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	_, ok := fields["error"]
	return ok
}

// ErrorPayload renders an error as the payload submitted in place of a result.
func ErrorPayload(err error) json.RawMessage {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	data, marshalErr := json.Marshal(map[string]string{"error": msg})
	if marshalErr != nil {
		return json.RawMessage(`{"error":"unencodable error"}`)
	}
	return data
}
