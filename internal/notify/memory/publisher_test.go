package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShaneHoughton/capstone2022/internal/notify"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "results", notify.Notice{Kind: notify.KindResult, JobID: "j1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "results", notify.Notice{Kind: notify.KindAttachment, JobID: "j2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	var notice notify.Notice
	require.NoError(t, msgs[1].Decode(&notice))
	require.Equal(t, "j2", notice.JobID)
	require.Equal(t, notify.KindAttachment, notice.Kind)

	msgs[0].Topic = "modified"
	require.Equal(t, "results", pub.Messages()[0].Topic, "Messages must return a copy")
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "results", make(chan int))
	require.Error(t, err)
	require.Empty(t, New().Messages())
}
