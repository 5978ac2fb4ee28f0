// Package workserver serves the job queue over HTTP: workers register, poll for jobs
// and submit results here. Submitted results are written to the result store and
// announced on the notification topic.
package workserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
	"github.com/ShaneHoughton/capstone2022/internal/notify"
	"github.com/ShaneHoughton/capstone2022/internal/queue"
	"github.com/ShaneHoughton/capstone2022/internal/workclient"
)

// Defaults for Config.
const (
	DefaultMaxUploadBytes = 256 << 20
	DefaultRequestTimeout = 2 * time.Minute
)

// NoJobsMessage is the error text returned by get_job when the queue is empty.
const NoJobsMessage = "No jobs available"

// errInvalidResult marks a submission that would be refused on every retry.
// It is answered with 403, which workers do not retry.
var errInvalidResult = errors.New("invalid result")

// Config tunes the server.
type Config struct {
	// Topic receives a notify.Notice per stored object. Empty disables notices.
	Topic          string
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the queue, the result store and the publisher.
type Server struct {
	router    chi.Router
	store     queue.Store
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. publisher may be nil.
func NewServer(
	store queue.Store,
	blobs harvest.BlobStore,
	publisher harvest.Publisher,
	hasher harvest.Hasher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(tracingMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Get(workclient.PathClientID, s.getClientID)
		r.Get(workclient.PathGetJob, s.getJob)
		r.Put(workclient.PathPutResults, s.putResults)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getClientID(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.RegisterClient(r.Context())
	if err != nil {
		s.logger.Error("register client failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not register client")
		return
	}
	s.logger.Info("client registered", zap.Int64("client_id", id))
	writeJSON(w, http.StatusOK, map[string]int64{"client_id": id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	poll, err := s.store.NextJob(r.Context(), clientID)
	if errors.Is(err, queue.ErrUnknownClient) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("lease job failed", zap.Int64("client_id", clientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not lease job")
		return
	}
	job, ok := poll.Job()
	if !ok {
		writeError(w, http.StatusOK, NoJobsMessage)
		return
	}
	s.logger.Debug("job leased", zap.Int64("client_id", clientID), zap.String("job_id", job.ID))
	writeJSON(w, http.StatusOK, workclient.EncodeJob(job))
}

func (s *Server) putResults(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	result, err := s.decodeResult(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errInvalidResult) {
			status = http.StatusForbidden
		}
		s.logger.Warn("result not accepted", zap.Int64("client_id", clientID), zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	result.ClientID = clientID
	logger := s.logger.With(zap.Int64("client_id", clientID), zap.String("job_id", result.JobID))

	notices, err := s.storeResult(r.Context(), result)
	if err != nil {
		logger.Error("store result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store result")
		return
	}
	if err := s.store.PutResult(r.Context(), result); err != nil {
		if errors.Is(err, queue.ErrUnknownJob) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		logger.Error("record result failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not record result")
		return
	}
	s.announce(r.Context(), logger, notices)
	logger.Info("result stored", zap.Int("objects", len(notices)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stored": len(notices)})
}

// decodeResult reads a JSON envelope or a multipart form with a "data" field and
// attachment parts.
func (s *Server) decodeResult(r *http.Request) (harvest.JobResult, error) {
	var (
		envelope    []byte
		attachments []harvest.Attachment
		err         error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		envelope, attachments, err = readMultipart(r)
	} else {
		envelope, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return harvest.JobResult{}, fmt.Errorf("%w: body exceeds %d bytes", errInvalidResult, tooLarge.Limit)
		}
		return harvest.JobResult{}, err
	}

	var body workclient.ResultEnvelope
	if err := json.Unmarshal(envelope, &body); err != nil {
		return harvest.JobResult{}, fmt.Errorf("%w: body: %w", errInvalidResult, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body.Results, &fields); err != nil {
		return harvest.JobResult{}, fmt.Errorf("%w: results must be a JSON object", errInvalidResult)
	}
	if body.Directory != "" {
		if err := checkDirectory(body.Directory); err != nil {
			return harvest.JobResult{}, fmt.Errorf("%w: %w", errInvalidResult, err)
		}
	}
	result := harvest.JobResult{
		JobID:       body.JobID,
		Payload:     body.Results,
		Directory:   body.Directory,
		Attachments: attachments,
	}
	if err := result.Validate(); err != nil {
		return harvest.JobResult{}, fmt.Errorf("%w: %w", errInvalidResult, err)
	}
	return result, nil
}

func readMultipart(r *http.Request) ([]byte, []harvest.Attachment, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: multipart body: %w", errInvalidResult, err)
	}
	var (
		envelope    []byte
		attachments []harvest.Attachment
	)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart body: %w", err)
		}
		content, err := readPart(part)
		if err != nil {
			return nil, nil, err
		}
		switch part.FormName() {
		case "data":
			envelope = content
		case harvest.AttachmentTag:
			attachments = append(attachments, harvest.Attachment{
				Tag:     harvest.AttachmentTag,
				Name:    part.FileName(),
				Content: content,
			})
		}
	}
	if envelope == nil {
		return nil, nil, fmt.Errorf(`%w: multipart body has no "data" field`, errInvalidResult)
	}
	return envelope, attachments, nil
}

func readPart(part *multipart.Part) ([]byte, error) {
	defer part.Close() //nolint:errcheck
	content, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("read part %q: %w", part.FormName(), err)
	}
	return content, nil
}

// storeResult writes the payload and attachments and returns one notice per object.
func (s *Server) storeResult(ctx context.Context, result harvest.JobResult) ([]notify.Notice, error) {
	kind, target := ResultPath(result)
	notice, err := s.put(ctx, kind, target, "application/json", result, result.Payload)
	if err != nil {
		return nil, err
	}
	notices := []notify.Notice{notice}

	names := make(map[string]struct{}, len(result.Attachments))
	for i, att := range result.Attachments {
		name := harvest.UniqueName(names, AttachmentName(att.Name, i), i)
		target := path.Join("attachments", result.JobID, name)
		notice, err := s.put(ctx, notify.KindAttachment, target, mime.TypeByExtension(path.Ext(name)), result, att.Content)
		if err != nil {
			return nil, err
		}
		notices = append(notices, notice)
	}
	return notices, nil
}

func (s *Server) put(
	ctx context.Context,
	kind string,
	target string,
	contentType string,
	result harvest.JobResult,
	data []byte,
) (notify.Notice, error) {
	digest, err := s.hasher.Hash(data)
	if err != nil {
		return notify.Notice{}, fmt.Errorf("hash %s: %w", target, err)
	}
	uri, err := s.blobs.PutObject(ctx, target, contentType, bytes.NewReader(data))
	if err != nil {
		return notify.Notice{}, fmt.Errorf("put %s: %w", target, err)
	}
	metrics.ObserveStored(kind)
	return notify.Notice{
		Kind:     kind,
		JobID:    result.JobID,
		ClientID: result.ClientID,
		Path:     target,
		URI:      uri,
		SHA256:   digest,
		Size:     len(data),
		StoredAt: s.clock.Now(),
	}, nil
}

// announce publishes notices. Failures are logged; the result is already durable.
func (s *Server) announce(ctx context.Context, logger *zap.Logger, notices []notify.Notice) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	for _, notice := range notices {
		_, err := s.publisher.Publish(ctx, s.cfg.Topic, notice)
		metrics.ObserveNotice(err)
		if err != nil {
			logger.Warn("publish notice failed", zap.String("path", notice.Path), zap.Error(err))
		}
	}
}

// ResultPath decides where a result payload is written. Results with a directory go
// there; error payloads go under errors/; attachment summaries sit next to their files.
func ResultPath(result harvest.JobResult) (kind string, target string) {
	switch {
	case result.Directory != "":
		return notify.KindResult, result.Directory
	case harvest.PayloadHasError(result.Payload):
		return notify.KindError, path.Join("errors", result.JobID+".json")
	default:
		return notify.KindResult, path.Join("attachments", result.JobID, "attachments.json")
	}
}

// AttachmentName reduces a submitted file name to a safe base name.
func AttachmentName(name string, index int) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "attachment_" + strconv.Itoa(index)
	}
	return name
}

func checkDirectory(dir string) error {
	if strings.HasPrefix(dir, "/") || strings.Contains(dir, "\\") {
		return fmt.Errorf("directory %q must be a relative path", dir)
	}
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("directory %q has an invalid segment", dir)
		}
	}
	return nil
}

func parseClientID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("client_id")
	if raw == "" {
		return 0, errors.New("client_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("client_id %q is not a valid id", raw)
	}
	return id, nil
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
