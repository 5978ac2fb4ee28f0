package workserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/hash/sha256"
	"github.com/ShaneHoughton/capstone2022/internal/id/uuid"
	"github.com/ShaneHoughton/capstone2022/internal/identity"
	notifymemory "github.com/ShaneHoughton/capstone2022/internal/notify/memory"
	queuememory "github.com/ShaneHoughton/capstone2022/internal/queue/memory"
	"github.com/ShaneHoughton/capstone2022/internal/request"
	storagememory "github.com/ShaneHoughton/capstone2022/internal/storage/memory"
	"github.com/ShaneHoughton/capstone2022/internal/workclient"
	"github.com/ShaneHoughton/capstone2022/internal/worker"
	"github.com/ShaneHoughton/capstone2022/internal/workserver"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type countingSleeper struct{ sleeps int }

func (s *countingSleeper) Sleep(context.Context, time.Duration) error {
	s.sleeps++
	return nil
}

// TestWorkerRoundTrip drives a real worker against the work server and a fake upstream.
func TestWorkerRoundTrip(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v4/comments/EPA-1":
			assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
			_, _ = w.Write([]byte(`{"data":{"id":"EPA-1","attributes":{"agencyId":"EPA","docketId":"EPA-D1","commentOnDocumentId":null}}}`))
		case "/v4/documents/EPA-2":
			_, _ = w.Write([]byte(`{"data":{"id":"EPA-2","attributes":{"fileFormats":"[{\"fileUrl\":\"` +
				"http://" + r.Host + `/files/one.pdf\"},{\"fileUrl\":\"http://` + r.Host + `/files/two.pdf\"}]"}}}`))
		case "/files/one.pdf":
			_, _ = w.Write([]byte("ONE"))
		case "/files/two.pdf":
			_, _ = w.Write([]byte("TWO"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	queue := queuememory.New(wallClock{}, uuid.New(), time.Hour)
	blobs := storagememory.NewBlobStore()
	pub := notifymemory.New()
	server := httptest.NewServer(workserver.NewServer(queue, blobs, pub, sha256.New(), wallClock{},
		workserver.Config{Topic: "results"}, zap.NewNop()).Handler())
	t.Cleanup(server.Close)

	ctx := context.Background()
	jobs, err := queue.AddJobs(ctx, []harvest.JobSpec{
		{URL: upstream.URL + "/v4/comments/EPA-1", Type: harvest.JobTypeStandard},
		{URL: upstream.URL + "/v4/documents/EPA-2", Type: harvest.JobTypeAttachment},
	})
	require.NoError(t, err)

	sleeper := &countingSleeper{}
	exec := request.New(http.DefaultClient, sleeper, request.Config{MaxAttempts: 1}, zap.NewNop())
	client := workclient.New(server.URL, exec, zap.NewNop())
	ids := identity.NewFileStore(filepath.Join(t.TempDir(), "client.cfg"))
	w := worker.New(client, exec, sleeper, ids, worker.Config{APIKey: "secret"}, zap.NewNop())
	require.NoError(t, w.Start(ctx))
	require.Equal(t, int64(1), w.ClientID())

	for range jobs {
		outcome, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, worker.OutcomeReported, outcome)
	}
	outcome, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeNoJob, outcome)
	require.Zero(t, sleeper.sleeps)

	record, ok := blobs.Get("EPA/EPA-D1/None/EPA-1/EPA-1.json")
	require.True(t, ok)
	require.Contains(t, string(record.Data), `"EPA-1"`)

	one, ok := blobs.Get("attachments/" + jobs[1].ID + "/one.pdf")
	require.True(t, ok)
	require.Equal(t, "ONE", string(one.Data))
	two, ok := blobs.Get("attachments/" + jobs[1].ID + "/two.pdf")
	require.True(t, ok)
	require.Equal(t, "TWO", string(two.Data))

	for _, job := range jobs {
		result, ok := queue.Result(job.ID)
		require.True(t, ok, "job %s has no result", job.ID)
		require.Equal(t, int64(1), result.ClientID)
	}
	require.Len(t, pub.Messages(), 4)
}

// TestWorkerRoundTripEmptyAttribute covers a record whose path attributes cannot
// form a directory. The worker must report it as an error and move on, even with
// an executor that retries without limit.
func TestWorkerRoundTripEmptyAttribute(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"X1","attributes":{"agencyId":"","docketId":"D1"}}}`))
	}))
	t.Cleanup(upstream.Close)

	queue := queuememory.New(wallClock{}, uuid.New(), time.Hour)
	blobs := storagememory.NewBlobStore()
	server := httptest.NewServer(workserver.NewServer(queue, blobs, nil, sha256.New(), wallClock{},
		workserver.Config{}, zap.NewNop()).Handler())
	t.Cleanup(server.Close)

	ctx := context.Background()
	jobs, err := queue.AddJobs(ctx, []harvest.JobSpec{
		{URL: upstream.URL + "/v4/documents/X1", Type: harvest.JobTypeStandard},
		{URL: upstream.URL + "/v4/documents/X2", Type: harvest.JobTypeStandard},
	})
	require.NoError(t, err)

	sleeper := &countingSleeper{}
	exec := request.New(http.DefaultClient, sleeper, request.Config{}, zap.NewNop())
	client := workclient.New(server.URL, exec, zap.NewNop())
	ids := identity.NewFileStore(filepath.Join(t.TempDir(), "client.cfg"))
	w := worker.New(client, exec, sleeper, ids, worker.Config{APIKey: "secret"}, zap.NewNop())
	require.NoError(t, w.Start(ctx))

	for range jobs {
		outcome, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, worker.OutcomeReported, outcome)
	}
	require.Zero(t, sleeper.sleeps)

	for _, job := range jobs {
		result, ok := queue.Result(job.ID)
		require.True(t, ok)
		require.True(t, result.Failed)
		require.Empty(t, result.Directory)

		stored, ok := blobs.Get("errors/" + job.ID + ".json")
		require.True(t, ok)
		require.Contains(t, string(stored.Data), "malformed result")
	}
	require.NotContains(t, blobs.Paths(), "/D1/X1/X1.json")
}
