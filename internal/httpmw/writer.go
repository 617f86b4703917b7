package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loveledger/edge/internal/xerrors"
)

// captureWriter records the status and byte count of a response and
// times how long writes block on the client. Slow mobile radios show
// up in that stall time, not in handler latency.
type captureWriter struct {
	http.ResponseWriter

	ctx   context.Context
	start time.Time

	status int
	bytes  int64

	wrote     bool
	firstByte time.Duration
	stalled   time.Duration
	span      trace.Span
	werr      error
}

// firstWrite marks time-to-first-byte and, when a recording span is
// active, opens a child span covering the write phase.
func (cw *captureWriter) firstWrite() {
	if cw.wrote {
		return
	}
	cw.wrote = true
	cw.firstByte = time.Since(cw.start)

	if !trace.SpanFromContext(cw.ctx).IsRecording() {
		return
	}
	cw.ctx, cw.span = otel.Tracer("loveledger/httpmw").Start(cw.ctx, "write response",
		trace.WithAttributes(attribute.Float64("http.server.first_byte_seconds", cw.firstByte.Seconds())))
}

// closeSpan finalizes the write-phase span with the response outcome.
// Safe to call when no span was ever opened.
func (cw *captureWriter) closeSpan() {
	if cw.span == nil {
		return
	}
	cw.span.SetAttributes(
		attribute.Int("http.response.status_code", cw.statusCode()),
		attribute.Int64("http.response.body.size", cw.bytes),
		attribute.Float64("http.server.write_stall_seconds", cw.stalled.Seconds()),
	)
	if cw.werr != nil {
		cw.span.RecordError(cw.werr)
		cw.span.SetStatus(codes.Error, cw.werr.Error())
	}
	cw.span.End()
}

// statusCode resolves the implicit 200 a handler gets when it writes a
// body without calling WriteHeader.
func (cw *captureWriter) statusCode() int {
	if cw.status == 0 {
		return http.StatusOK
	}
	return cw.status
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.firstWrite()
	cw.status = code
	t0 := time.Now()
	cw.ResponseWriter.WriteHeader(code)
	cw.stalled += time.Since(t0)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	cw.firstWrite()
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	t0 := time.Now()
	n, err := cw.ResponseWriter.Write(p)
	cw.stalled += time.Since(t0)
	cw.bytes += int64(n)
	if err != nil && cw.werr == nil {
		cw.werr = err
	}
	return n, err
}

func (cw *captureWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the wrapper.
func (cw *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := cw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("hijack unsupported by underlying writer")
	}
	return hj.Hijack()
}
