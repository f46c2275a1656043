package engine

import (
	"context"
	"log/slog"

	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/pkg/api"
)

// sinkHandler delivers step-code log records to the workflow's log sink
// and echoes them through the engine logger tagged with the workflow id
type sinkHandler struct {
	ctx   context.Context
	st    store.Store
	echo  *slog.Logger
	id    api.WorkflowID
	attrs []slog.Attr
}

func newSinkHandler(
	ctx context.Context, st store.Store, echo *slog.Logger,
	id api.WorkflowID,
) *sinkHandler {
	return &sinkHandler{
		ctx:  ctx,
		st:   st,
		echo: echo,
		id:   id,
	}
}

func (h *sinkHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *sinkHandler) Handle(_ context.Context, rec slog.Record) error {
	if err := h.st.AppendLog(
		h.ctx, h.id, rec.Level.String(), rec.Message,
	); err != nil {
		return err
	}
	attrs := make([]any, 0, len(h.attrs)+1)
	attrs = append(attrs, slog.String("workflow_id", string(h.id)))
	for _, a := range h.attrs {
		attrs = append(attrs, a)
	}
	h.echo.Log(h.ctx, rec.Level, rec.Message, attrs...)
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	res := *h
	res.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &res
}

func (h *sinkHandler) WithGroup(string) slog.Handler {
	return h
}
