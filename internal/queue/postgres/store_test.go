package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/queue"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type listIDs struct{ ids []string }

func (l *listIDs) NewID() (string, error) {
	id := l.ids[0]
	l.ids = l.ids[1:]
	return id, nil
}

func newMockStore(t *testing.T, ids ...string) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedClock{}, &listIDs{ids: ids}, time.Minute, nil)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, fixedClock{}, &listIDs{}, 0, nil)
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_clients").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterClient(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO queue_clients").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.RegisterClient(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddJobsInsertsInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "id-1", "id-2")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue_jobs").
		WithArgs("id-1", "https://u/1", "standard", "documents", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO queue_jobs").
		WithArgs("id-2", "https://u/2", "attachments", "documents", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	jobs, err := store.AddJobs(context.Background(), []harvest.JobSpec{
		{URL: "https://u/1", Type: harvest.JobTypeStandard, Endpoint: harvest.EndpointDocuments},
		{URL: "https://u/2", Type: harvest.JobTypeAttachment, Endpoint: harvest.EndpointDocuments},
	})
	require.NoError(t, err)
	require.Equal(t, []harvest.Job{
		{ID: "id-1", URL: "https://u/1", Type: harvest.JobTypeStandard},
		{ID: "id-2", URL: "https://u/2", Type: harvest.JobTypeAttachment},
	}, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddJobsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, "id-1", "id-2")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queue_jobs").
		WithArgs("id-1", "https://u/1", "standard", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO queue_jobs").
		WithArgs("id-2", "https://u/2", "standard", "", now).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.AddJobs(context.Background(), []harvest.JobSpec{{URL: "https://u/1"}, {URL: "https://u/2"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobLeasesJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("UPDATE queue_jobs SET leased_by").
		WithArgs(int64(3), now, now.Add(-time.Minute)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "job_type"}).AddRow("id-9", "https://u/9", "attachments"))

	poll, err := store.NextJob(context.Background(), 3)
	require.NoError(t, err)
	job, ok := poll.Job()
	require.True(t, ok)
	require.Equal(t, harvest.Job{ID: "id-9", URL: "https://u/9", Type: harvest.JobTypeAttachment}, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobReportsNoJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("UPDATE queue_jobs SET leased_by").
		WithArgs(int64(3), now, now.Add(-time.Minute)).
		WillReturnError(pgx.ErrNoRows)

	poll, err := store.NextJob(context.Background(), 3)
	require.NoError(t, err)
	_, ok := poll.Job()
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextJobRejectsUnknownClient(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.NextJob(context.Background(), 99)
	require.ErrorIs(t, err, queue.ErrUnknownClient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutResultUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	payload := json.RawMessage(`{"data":{"id":"X1"}}`)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_jobs SET done").
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO queue_results").
		WithArgs("id-1", int64(2), []byte(payload), "X1/X1.json", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.PutResult(context.Background(), harvest.JobResult{
		JobID:     "id-1",
		ClientID:  2,
		Payload:   payload,
		Directory: "X1/X1.json",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutResultUnknownJobRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_jobs SET done").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.PutResult(context.Background(), harvest.JobResult{JobID: "missing", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, queue.ErrUnknownJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpoint(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT cursor FROM queue_checkpoints").
		WithArgs("dockets").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT cursor FROM queue_checkpoints").
		WithArgs("comments").
		WillReturnRows(pgxmock.NewRows([]string{"cursor"}).AddRow(now))

	cursor, err := store.GetCheckpoint(context.Background(), harvest.EndpointDockets)
	require.NoError(t, err)
	require.Nil(t, cursor)

	cursor, err = store.GetCheckpoint(context.Background(), harvest.EndpointComments)
	require.NoError(t, err)
	require.Equal(t, now, *cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetCheckpointKeepsLaterCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("GREATEST").
		WithArgs("documents", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SetCheckpoint(context.Background(), harvest.EndpointDocuments, now))
	require.NoError(t, mock.ExpectationsWereMet())
}
