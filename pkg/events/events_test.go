package events

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []Event
	err    error
}

func (s *captureSink) Write(ctx context.Context, e Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func TestBusStampsAndDelivers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(slog.Default()).WithClock(func() time.Time { return now })
	sink := &captureSink{}
	bus.Attach(sink)

	bus.Emit(context.Background(), Event{Kind: OfferCreated, KioskID: "k-1", Price: 50_000})

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, now, got.At)
	assert.Equal(t, OfferCreated, got.Kind)
}

func TestBusSurvivesFailingSink(t *testing.T) {
	bus := NewBus(slog.Default())
	failing := &captureSink{err: errors.New("boom")}
	healthy := &captureSink{}
	bus.Attach(failing)
	bus.Attach(healthy)

	bus.Emit(context.Background(), Event{Kind: ItemPurchased})
	assert.Len(t, healthy.events, 1)
}

type fakeS3 struct {
	puts []*s3.PutObjectInput
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiveBatches(t *testing.T) {
	client := &fakeS3{}
	archive := newS3Archive(client, S3ArchiveConfig{Bucket: "bucket", Prefix: "events/", BatchSize: 2, FlushRPS: 1000})

	ctx := context.Background()
	require.NoError(t, archive.Write(ctx, Event{ID: "e-1"}))
	assert.Empty(t, client.puts)

	require.NoError(t, archive.Write(ctx, Event{ID: "e-2"}))
	require.Len(t, client.puts, 1)
	assert.Contains(t, *client.puts[0].Key, "events/")
}

func TestS3ArchiveFlushPartial(t *testing.T) {
	client := &fakeS3{}
	archive := newS3Archive(client, S3ArchiveConfig{Bucket: "bucket", BatchSize: 100, FlushRPS: 1000})

	ctx := context.Background()
	require.NoError(t, archive.Write(ctx, Event{ID: "e-1"}))
	require.NoError(t, archive.Flush(ctx))
	assert.Len(t, client.puts, 1)

	// nothing buffered: flush is a no-op
	require.NoError(t, archive.Flush(ctx))
	assert.Len(t, client.puts, 1)
}
