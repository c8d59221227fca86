package authcore

import (
	"context"
	"io"

	"github.com/MrEthical07/authcore/internal/audit"
)

// Audit types re-exported for callers supplying a sink.
type (
	AuditEvent  = audit.Event
	AuditSink   = audit.Sink
	AuditStatus = audit.Status
)

const (
	AuditSuccess = audit.StatusSuccess
	AuditFailure = audit.StatusFailure
)

// NewJSONWriterSink writes one JSON audit record per line to w.
func NewJSONWriterSink(w io.Writer) AuditSink { return audit.NewJSONWriterSink(w) }

// NewChannelSink buffers audit records in a channel, mostly for tests.
func NewChannelSink(buffer int) *audit.ChannelSink { return audit.NewChannelSink(buffer) }

// MultiSink fans records out to every sink.
func MultiSink(sinks ...AuditSink) AuditSink { return audit.MultiSink(sinks) }

// Record appends a caller-defined audit entry, for domain actions outside
// the Engine (org settings edits, member invites). Request metadata is taken
// from ctx. Failures are logged by the recorder and never returned.
func (e *Engine) Record(ctx context.Context, entry AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if entry.IP == "" {
		entry.IP = clientIPFromContext(ctx)
	}
	if entry.UserAgent == "" {
		entry.UserAgent = userAgentFromContext(ctx)
	}
	e.audit.Emit(ctx, entry)
}

// AuditDropped returns the number of audit records dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditFailed returns the number of sink writes that returned an error.
func (e *Engine) AuditFailed() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Failed()
}
