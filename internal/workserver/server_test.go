package workserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/hash/sha256"
	"github.com/ShaneHoughton/capstone2022/internal/id/uuid"
	"github.com/ShaneHoughton/capstone2022/internal/notify"
	notifymemory "github.com/ShaneHoughton/capstone2022/internal/notify/memory"
	queuememory "github.com/ShaneHoughton/capstone2022/internal/queue/memory"
	storagememory "github.com/ShaneHoughton/capstone2022/internal/storage/memory"
)

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type harness struct {
	server *Server
	queue  *queuememory.Store
	blobs  *storagememory.BlobStore
	pub    *notifymemory.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue: queuememory.New(fixedClock{}, uuid.New(), time.Hour),
		blobs: storagememory.NewBlobStore(),
		pub:   notifymemory.New(),
	}
	h.server = NewServer(h.queue, h.blobs, h.pub, sha256.New(), fixedClock{}, Config{Topic: "results"}, zap.NewNop())
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) addJob(t *testing.T, jobType harvest.JobType) (int64, harvest.Job) {
	t.Helper()
	ctx := context.Background()
	client, err := h.queue.RegisterClient(ctx)
	require.NoError(t, err)
	jobs, err := h.queue.AddJobs(ctx, []harvest.JobSpec{{URL: "https://api.regulations.gov/v4/documents/X1", Type: jobType}})
	require.NoError(t, err)
	_, err = h.queue.NextJob(ctx, client)
	require.NoError(t, err)
	return client, jobs[0]
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetClientIDAssignsSequentialIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, want := range []float64{1, 2} {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/get_client_id", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, want, decode(t, rec)["client_id"])
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	client, err := h.queue.RegisterClient(ctx)
	require.NoError(t, err)

	t.Run("missing client id", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/get_job", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown client", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/get_job?client_id=999", nil))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("empty queue", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/get_job?client_id=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, NoJobsMessage, decode(t, rec)["error"])
	})

	t.Run("attachment job", func(t *testing.T) {
		jobs, err := h.queue.AddJobs(ctx, []harvest.JobSpec{{URL: "https://u/att", Type: harvest.JobTypeAttachment}})
		require.NoError(t, err)
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/get_job?client_id=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		job := decode(t, rec)["job"].(map[string]any)
		require.Equal(t, "https://u/att", job[jobs[0].ID])
		require.Equal(t, "attachments", job["job_type"])
	})
	require.Equal(t, int64(1), client)
}

func TestPutResultsJSONStoresAtDirectory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	client, job := h.addJob(t, harvest.JobTypeStandard)
	body := `{"job_id":"` + job.ID + `","results":{"data":{"id":"X1"}},"directory":"EPA/D1/None/X1/X1.json"}`
	req := httptest.NewRequest(http.MethodPut, "/put_results?client_id=1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	obj, ok := h.blobs.Get("EPA/D1/None/X1/X1.json")
	require.True(t, ok)
	require.JSONEq(t, `{"data":{"id":"X1"}}`, string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)

	stored, ok := h.queue.Result(job.ID)
	require.True(t, ok)
	require.Equal(t, client, stored.ClientID)
	require.Equal(t, "EPA/D1/None/X1/X1.json", stored.Directory)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "results", msgs[0].Topic)
	var notice notify.Notice
	require.NoError(t, msgs[0].Decode(&notice))
	require.Equal(t, notify.KindResult, notice.Kind)
	require.Equal(t, job.ID, notice.JobID)
	require.Equal(t, "memory://EPA/D1/None/X1/X1.json", notice.URI)
	require.Len(t, notice.SHA256, 64)
	require.Equal(t, fixedNow, notice.StoredAt)
}

func TestPutResultsErrorPayloadStoredUnderErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, job := h.addJob(t, harvest.JobTypeStandard)
	body := `{"job_id":"` + job.ID + `","results":{"error":"upstream rejected"}}`
	rec := h.do(t, httptest.NewRequest(http.MethodPut, "/put_results?client_id=1", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, []string{"errors/" + job.ID + ".json"}, h.blobs.Paths())
}

func TestPutResultsMultipartStoresAttachments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, job := h.addJob(t, harvest.JobTypeAttachment)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("data", `{"job_id":"`+job.ID+`","results":{"attachments":["https://d/a.pdf","https://d/b.docx"]}}`))
	for name, content := range map[string]string{"a.pdf": "%PDF", "../b.docx": "DOCX"} {
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPut, "/put_results?client_id=1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, float64(3), decode(t, rec)["stored"])

	prefix := "attachments/" + job.ID + "/"
	require.ElementsMatch(t, []string{prefix + "a.pdf", prefix + "attachments.json", prefix + "b.docx"}, h.blobs.Paths())
	pdf, ok := h.blobs.Get(prefix + "a.pdf")
	require.True(t, ok)
	require.Equal(t, "%PDF", string(pdf.Data))
	require.Len(t, h.pub.Messages(), 3)
}

func TestPutResultsKeepsAttachmentsWithSameName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, job := h.addJob(t, harvest.JobTypeAttachment)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("data", `{"job_id":"`+job.ID+`","results":{"attachments":["https://d/1/content.pdf","https://d/2/content.pdf"]}}`))
	for _, content := range []string{"FIRST", "SECOND"} {
		part, err := mw.CreateFormFile("file", "content.pdf")
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPut, "/put_results?client_id=1", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	prefix := "attachments/" + job.ID + "/"
	first, ok := h.blobs.Get(prefix + "content.pdf")
	require.True(t, ok)
	require.Equal(t, "FIRST", string(first.Data))
	second, ok := h.blobs.Get(prefix + "content_1.pdf")
	require.True(t, ok)
	require.Equal(t, "SECOND", string(second.Data))
}

func TestPutResultsRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, job := h.addJob(t, harvest.JobTypeStandard)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"missing client", "/put_results", `{}`, http.StatusBadRequest},
		{"invalid json", "/put_results?client_id=1", `{`, http.StatusForbidden},
		{"results not object", "/put_results?client_id=1", `{"job_id":"` + job.ID + `","results":[1]}`, http.StatusForbidden},
		{"directory traversal", "/put_results?client_id=1", `{"job_id":"` + job.ID + `","results":{},"directory":"../etc/x.json"}`, http.StatusForbidden},
		{"empty directory segment", "/put_results?client_id=1", `{"job_id":"` + job.ID + `","results":{},"directory":"EPA//X1/X1.json"}`, http.StatusForbidden},
		{"missing job id", "/put_results?client_id=1", `{"results":{},"directory":"A/A.json"}`, http.StatusForbidden},
		{"unknown job", "/put_results?client_id=1", `{"job_id":"nope","results":{},"directory":"A/A.json"}`, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, httptest.NewRequest(http.MethodPut, tc.target, strings.NewReader(tc.body)))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Contains(t, decode(t, rec), "error")
		})
	}
	require.Empty(t, h.pub.Messages())
}

func TestPutResultsRefusesOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.server = NewServer(h.queue, h.blobs, h.pub, sha256.New(), fixedClock{}, Config{MaxUploadBytes: 16}, zap.NewNop())
	_, job := h.addJob(t, harvest.JobTypeStandard)

	body := `{"job_id":"` + job.ID + `","results":{"data":{"id":"X1"}},"directory":"X1/X1.json"}`
	rec := h.do(t, httptest.NewRequest(http.MethodPut, "/put_results?client_id=1", strings.NewReader(body)))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	require.Contains(t, decode(t, rec)["error"], "exceeds 16 bytes")
	require.Empty(t, h.blobs.Paths())
}

func TestAttachmentName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.pdf", AttachmentName("a.pdf", 0))
	require.Equal(t, "b.pdf", AttachmentName("../../b.pdf", 1))
	require.Equal(t, "c.pdf", AttachmentName(`C:\tmp\c.pdf`, 2))
	require.Equal(t, "attachment_3", AttachmentName("", 3))
	require.Equal(t, "attachment_4", AttachmentName("..", 4))
}
