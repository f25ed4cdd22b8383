package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "test:notifications", "delivery", "c1", 50*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group must be idempotent: %v", err)
	}

	if _, err := q.Enqueue(ctx, NotificationJob{NotificationID: "n1", UserID: "u1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if msgs[0].Err != nil || job.NotificationID != "n1" || job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected message %#v", msgs[0])
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.XLen(ctx, "test:notifications").Val(); n != 0 {
		t.Fatalf("expected acked message to be deleted, stream len %d", n)
	}
}

func TestStreamQueueReportsMalformedPayload(t *testing.T) {
	_, rdb := newTestRedis(t)
	q := NewStreamQueue(rdb, "test:notifications", "delivery", "c1", 50*time.Millisecond)
	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "test:notifications", Values: map[string]any{"payload": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Err == nil {
		t.Fatalf("expected one malformed message, got %#v", msgs)
	}
}
