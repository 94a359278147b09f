package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries a per-submission UUID on request/response calls.
const RequestIDHeader = "X-Request-ID"

// maxReplyBytes bounds a reply body. A reply carries one synthesized answer.
const maxReplyBytes = 32 << 20

const tracerName = "github.com/MrWong99/talkloop/pkg/transport"

// StartSpan starts a client span for one submission using the global tracer
// provider. The caller must end the span.
func StartSpan(ctx context.Context, name string, turn uint64, mode Mode) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("talkloop.turn_id", int64(turn)),
			attribute.String("talkloop.mode", string(mode)),
		),
	)
}

// SetAuth forwards a non-empty handshake token as a bearer credential.
func SetAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// DoReply sends req with a fresh request ID and decodes a [Reply]. Request
// failures and non-2xx statuses are KindTransport errors; an undecodable body
// is a KindPayload error. The error, if any, is recorded on span.
func DoReply(client *http.Client, req *http.Request, span trace.Span) (Reply, error) {
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)
	span.SetAttributes(attribute.String("talkloop.request_id", reqID))

	reply, err := doReply(client, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func doReply(client *http.Client, req *http.Request) (Reply, error) {
	op := "post " + req.URL.Path
	resp, err := client.Do(req)
	if err != nil {
		return Reply{}, NewError(KindTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, NewError(KindTransport, op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, NewError(KindTransport, op, fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var r Reply
	if err := sonic.Unmarshal(body, &r); err != nil {
		return Reply{}, NewError(KindPayload, op, fmt.Errorf("parse reply: %w", err))
	}
	return r, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
