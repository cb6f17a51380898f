package context

import (
	"context"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	ctx := WithRecord(context.Background(), "refund", "42")
	kind, id := RecordFromContext(ctx)
	if kind != "refund" || id != "42" {
		t.Fatalf("expected refund/42, got %s/%s", kind, id)
	}

	kind, id = RecordFromContext(context.Background())
	if kind != "" || id != "" {
		t.Fatalf("expected empty record, got %s/%s", kind, id)
	}
}

func TestWithChannelIgnoresEmpty(t *testing.T) {
	ctx := WithChannel(context.Background(), "")
	if got := ChannelFromContext(ctx); got != "" {
		t.Fatalf("expected empty channel, got %q", got)
	}
	ctx = WithChannel(ctx, "wechat")
	if got := ChannelFromContext(ctx); got != "wechat" {
		t.Fatalf("expected wechat, got %q", got)
	}
}
