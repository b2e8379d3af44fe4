package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zpx01/video-scraper/internal/media"
	"github.com/zpx01/video-scraper/internal/publisher"
)

const outcomesTopic = "download-outcomes"

// fakePubSub starts an in-process Pub/Sub server with the outcomes topic.
func fakePubSub(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "scraper-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(context.Background(), outcomesTopic)
	require.NoError(t, err)
	return client, srv
}

func TestPublish_OutcomesCarryFilterAttributes(t *testing.T) {
	client, srv := fakePubSub(t)
	pub := New(client)
	defer pub.Close()

	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	jobs := []media.Job{
		{ID: "a1", URL: "https://cdn.example.net/a.mp4", Status: media.JobStatusCompleted, BytesTransferred: 4096, Output: "videos/a1.mp4"},
		{ID: "b2", URL: "https://cdn.example.net/b.mp4", Status: media.JobStatusFailed, LastError: "fetch: status 404"},
	}
	for _, job := range jobs {
		id, err := pub.Publish(context.Background(), outcomesTopic, publisher.OutcomeOf(job, at))
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}
	assert.Len(t, pub.topics, 1, "topic handle is reused")

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	byJob := map[string]*pstest.Message{}
	for _, m := range msgs {
		byJob[m.Attributes["job_id"]] = m
	}
	require.Contains(t, byJob, "a1")
	require.Contains(t, byJob, "b2")
	assert.Equal(t, "completed", byJob["a1"].Attributes["status"])
	assert.Equal(t, "failed", byJob["b2"].Attributes["status"])

	var failed publisher.JobOutcome
	require.NoError(t, json.Unmarshal(byJob["b2"].Data, &failed))
	assert.Equal(t, "fetch: status 404", failed.Error)
	assert.True(t, at.Equal(failed.Timestamp))
}

func TestPublish_InjectsTraceContext(t *testing.T) {
	client, srv := fakePubSub(t)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID := trace.TraceID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 1, 2, 3, 5, 8, 13, 21},
		TraceFlags: trace.FlagsSampled,
	}))

	pub := New(client)
	defer pub.Close()
	_, err := pub.Publish(ctx, outcomesTopic, map[string]string{"note": "not a job outcome"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Attributes["traceparent"], traceID.String())
	assert.NotContains(t, msgs[0].Attributes, "job_id")
}

func TestPublish_RejectsBadInput(t *testing.T) {
	var unconfigured *Publisher
	_, err := unconfigured.Publish(context.Background(), outcomesTopic, "x")
	require.ErrorContains(t, err, "not configured")

	client, _ := fakePubSub(t)
	pub := New(client)
	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), outcomesTopic, make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
