package hub

import (
	"context"
	"log/slog"

	v1 "slidehub/contracts/hub/v1"
)

// OperationSink is the document/edit persistence collaborator. The hub does
// not store edit operations itself; it orders and broadcasts them, then hands
// each accepted operation to the sink fire-and-forget.
type OperationSink interface {
	Persist(ctx context.Context, op v1.EditBroadcastBody) error
}

// NopSink discards operations. Used when no persistence collaborator is wired.
type NopSink struct{}

// Persist implements OperationSink.
func (NopSink) Persist(context.Context, v1.EditBroadcastBody) error { return nil }

// LogSink records accepted operations to the structured log. It stands in for
// a real persistence collaborator in dev deployments.
type LogSink struct {
	Log *slog.Logger
}

// Persist implements OperationSink.
func (s LogSink) Persist(_ context.Context, op v1.EditBroadcastBody) error {
	if s.Log != nil {
		s.Log.Info("doc.operation.persist",
			"document", op.DocumentID,
			"slide", op.SlideID,
			"operation", op.OperationID,
			"seq", op.Seq,
			"author", op.AuthorID,
		)
	}
	return nil
}
