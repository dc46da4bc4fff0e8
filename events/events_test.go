package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/incentive-ledger/ledger"
)

func TestConnect_EmptyURL(t *testing.T) {
	p, err := Connect("")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestEntryAppended(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	e := ledger.Entry{ID: 7, AccountID: "alice", Amount: -15, Reason: ledger.ReasonTransferOut, TransferID: "t-1", CreatedAt: at}

	ev := EntryAppended(e)

	assert.Equal(t, Event{
		Subject:    SubjectEntryAppended,
		AccountID:  "alice",
		Amount:     -15,
		Reason:     "TRANSFER_OUT",
		EntryID:    7,
		TransferID: "t-1",
		OccurredAt: at,
	}, ev)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, Event{Subject: SubjectDrift, AccountID: "a"}))
	require.NoError(t, r.Publish(ctx, Event{Subject: SubjectEntryAppended, AccountID: "b"}))
	require.NoError(t, r.Publish(ctx, Event{Subject: SubjectDrift, AccountID: "c"}))

	assert.Len(t, r.Events(), 3)
	drift := r.BySubject(SubjectDrift)
	require.Len(t, drift, 2)
	assert.Equal(t, "c", drift[1].AccountID)
	assert.Empty(t, r.BySubject(SubjectTransferCompleted))
}

// TestNATSPublisher runs against a real server when NATS_URL is set.
func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(SubjectTransferCompleted, ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	p, err := Connect(url)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), Event{Subject: SubjectTransferCompleted, TransferID: "t-9", Amount: 30}))

	select {
	case msg := <-ch:
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "t-9", ev.TransferID)
		assert.Equal(t, int64(30), ev.Amount)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
