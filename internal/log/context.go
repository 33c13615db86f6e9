package log

import "context"

type ctxKey string

const (
	ctxKeyRequestID   ctxKey = "request_id"
	ctxKeyClientReqID ctxKey = "client_request_id"
	ctxKeySessionID   ctxKey = "session_id"
)

// ContextWithRequestID attaches a request id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext returns the request id previously attached, or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

// ContextWithClientRequestID attaches the caller-supplied X-Request-ID header value.
func ContextWithClientRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyClientReqID, id)
}

// ClientRequestIDFromContext returns the client-supplied request id, or "".
func ClientRequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyClientReqID).(string)
	return v
}

// ContextWithSessionID attaches a session id for log correlation.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, id)
}

// SessionIDFromContext returns the session id previously attached, or "".
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}
