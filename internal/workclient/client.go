// Package workclient is the worker-side adapter for the work server's HTTP surface:
// client registration, job polling and result submission.
package workclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/request"
)

// Paths served by the work server.
const (
	PathClientID   = "/get_client_id"
	PathGetJob     = "/get_job"
	PathPutResults = "/put_results"
)

// ErrBadResponse marks a work server answer that does not follow the protocol.
var ErrBadResponse = errors.New("unexpected work server response")

// ResultEnvelope is the JSON body of a result submission.
type ResultEnvelope struct {
	JobID     string          `json:"job_id"`
	Results   json.RawMessage `json:"results"`
	Directory string          `json:"directory,omitempty"`
}

// Client talks to the work server through the request executor.
type Client struct {
	baseURL string
	exec    *request.Executor
	logger  *zap.Logger
}

// BaseURL builds the work server address from host and port.
func BaseURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// New constructs a Client.
func New(baseURL string, exec *request.Executor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		exec:    exec,
		logger:  logger,
	}
}

// RegisterClient asks the work server for a new client id.
func (c *Client) RegisterClient(ctx context.Context) (int64, error) {
	resp, err := c.exec.Get(ctx, c.baseURL+PathClientID)
	if err != nil {
		return 0, fmt.Errorf("get client id: %w", err)
	}
	if err := expectOK(resp); err != nil {
		return 0, fmt.Errorf("get client id: %w", err)
	}
	var body struct {
		ClientID *int64 `json:"client_id"`
	}
	if err := resp.JSON(&body); err != nil {
		return 0, fmt.Errorf("get client id: %w", err)
	}
	if body.ClientID == nil {
		return 0, fmt.Errorf("get client id: %w: missing client_id", ErrBadResponse)
	}
	return *body.ClientID, nil
}

// GetJob polls for one job. An empty queue is reported as harvest.NoJobAvailable.
func (c *Client) GetJob(ctx context.Context, clientID int64) (harvest.Poll, error) {
	resp, err := c.exec.Do(ctx, http.MethodGet, c.baseURL+PathGetJob, request.Options{
		Query: url.Values{"client_id": {strconv.FormatInt(clientID, 10)}},
	})
	if err != nil {
		return harvest.NoJobAvailable(), fmt.Errorf("get job: %w", err)
	}
	if err := expectOK(resp); err != nil {
		return harvest.NoJobAvailable(), fmt.Errorf("get job: %w", err)
	}
	return DecodeJob(resp.Body)
}

// DecodeJob parses a get_job body: {"job": {"<job_id>": "<url>", "job_type": "attachments"}}.
// A body with an "error" key or without "job" means no work is available.
func DecodeJob(body []byte) (harvest.Poll, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return harvest.NoJobAvailable(), fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	if _, ok := envelope["error"]; ok {
		return harvest.NoJobAvailable(), nil
	}
	rawJob, ok := envelope["job"]
	if !ok || string(rawJob) == "null" {
		return harvest.NoJobAvailable(), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawJob, &fields); err != nil {
		return harvest.NoJobAvailable(), fmt.Errorf("%w: job: %w", ErrBadResponse, err)
	}
	var job harvest.Job
	if rawType, ok := fields["job_type"]; ok {
		if err := json.Unmarshal(rawType, &job.Type); err != nil {
			return harvest.NoJobAvailable(), fmt.Errorf("%w: job_type: %w", ErrBadResponse, err)
		}
		delete(fields, "job_type")
	}
	if len(fields) != 1 {
		return harvest.NoJobAvailable(), fmt.Errorf("%w: expected one job entry, got %d", ErrBadResponse, len(fields))
	}
	for id, rawURL := range fields {
		job.ID = id
		if err := json.Unmarshal(rawURL, &job.URL); err != nil {
			return harvest.NoJobAvailable(), fmt.Errorf("%w: job url: %w", ErrBadResponse, err)
		}
	}
	if err := job.Validate(); err != nil {
		return harvest.NoJobAvailable(), fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return harvest.JobPoll(job), nil
}

// EncodeJob renders a job in the get_job wire format.
func EncodeJob(job harvest.Job) map[string]any {
	body := map[string]any{job.ID: job.URL}
	if job.Type == harvest.JobTypeAttachment {
		body["job_type"] = job.Type.String()
	}
	return map[string]any{"job": body}
}

// PutResults submits a job result. Attachments are sent as multipart file parts.
func (c *Client) PutResults(ctx context.Context, result harvest.JobResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("put results: %w", err)
	}
	envelope, err := json.Marshal(ResultEnvelope{
		JobID:     result.JobID,
		Results:   result.Payload,
		Directory: result.Directory,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	opts := request.Options{
		Query:       url.Values{"client_id": {strconv.FormatInt(result.ClientID, 10)}},
		Body:        envelope,
		ContentType: "application/json",
	}
	if len(result.Attachments) > 0 {
		body, contentType, err := encodeMultipart(envelope, result.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		opts.Body = body
		opts.ContentType = contentType
	}

	resp, err := c.exec.Do(ctx, http.MethodPut, c.baseURL+PathPutResults, opts)
	if err != nil {
		return fmt.Errorf("put results: %w", err)
	}
	if err := expectOK(resp); err != nil {
		return fmt.Errorf("put results: %w", err)
	}
	c.logger.Debug("result submitted",
		zap.String("job_id", result.JobID),
		zap.String("directory", result.Directory),
		zap.Int("attachments", len(result.Attachments)),
	)
	return nil
}

func encodeMultipart(envelope []byte, attachments []harvest.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("data", string(envelope)); err != nil {
		return nil, "", fmt.Errorf("write data field: %w", err)
	}
	for i, att := range attachments {
		tag := att.Tag
		if tag == "" {
			tag = harvest.AttachmentTag
		}
		name := att.Name
		if name == "" {
			name = "attachment_" + strconv.Itoa(i)
		}
		part, err := mw.CreateFormFile(tag, name)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", name, err)
		}
		if _, err := part.Write(att.Content); err != nil {
			return nil, "", fmt.Errorf("write part %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func expectOK(resp *request.Response) error {
	if resp.Rejection != nil {
		return resp.Rejection
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	return nil
}
