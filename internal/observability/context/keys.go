package context

import "context"

type contextKey string

const (
	requestIDKey contextKey = "observability_request_id"
	channelKey   contextKey = "observability_channel"
	recordKey    contextKey = "observability_record"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithChannel tags the context with the gateway channel being served.
func WithChannel(ctx context.Context, channel string) context.Context {
	if ctx == nil || channel == "" {
		return ctx
	}
	return context.WithValue(ctx, channelKey, channel)
}

func ChannelFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(channelKey).(string)
	return value
}

// WithRecord tags the context with the charge, refund or transfer being
// transitioned, e.g. kind "charge" and its id.
func WithRecord(ctx context.Context, kind, id string) context.Context {
	if ctx == nil || kind == "" || id == "" {
		return ctx
	}
	return context.WithValue(ctx, recordKey, [2]string{kind, id})
}

func RecordFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, _ := ctx.Value(recordKey).([2]string)
	return value[0], value[1]
}
