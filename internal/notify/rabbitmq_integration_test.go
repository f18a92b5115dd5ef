//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"story-pipeline/internal/notify"
)

func TestRabbitPublisherStoryReady(t *testing.T) {
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Server startup complete")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := notify.ConnectRabbitMQ(ctx, url, 5, time.Second, zap.NewNop())
	require.NoError(t, err)

	pub, err := notify.NewRabbitPublisher(conn, "story_ready_test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	event := notify.StoryReadyEvent{
		StoryID:      uuid.New(),
		BriefID:      uuid.New(),
		RunID:        uuid.New(),
		Title:        "The Brave Little Kite",
		ReadingLevel: "early",
		QualityScore: 82,
		ValuesScore:  4,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, pub.StoryReady(ctx, event))

	consumerConn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer consumerConn.Close()
	ch, err := consumerConn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var msg amqp.Delivery
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok, err = ch.Get("story_ready_test", true)
		return err == nil && ok
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, event.StoryID.String(), msg.MessageId)
	var got notify.StoryReadyEvent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, event.StoryID, got.StoryID)
	assert.Equal(t, event.Title, got.Title)
}
