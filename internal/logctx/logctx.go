package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with connection and exchange attributes carried
// on the context.
type Handler struct {
	slog.Handler
}

// New wraps h. Wrapping an existing Handler is a no-op.
func New(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if ed, ok := ctx.Value(exchangeDataKey{}).(*ExchangeData); ok {
		r.AddAttrs(slog.Group("exchange",
			slog.String("id", ed.ID),
			slog.String("direction", ed.Direction),
			slog.String("kind", ed.Kind),
		))
	}

	if sd, ok := ctx.Value(sentenceDataKey{}).(*SentenceData); ok {
		r.AddAttrs(slog.Group("sentence",
			slog.String("provider", sd.ProviderID),
			slog.String("state", sd.State),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type exchangeDataKey struct{}

type ExchangeData struct {
	ID        string
	Direction string
	Kind      string
}

func WithExchangeData(ctx context.Context, data *ExchangeData) context.Context {
	return context.WithValue(ctx, exchangeDataKey{}, data)
}

type sentenceDataKey struct{}

// SentenceData is mutable: the orchestrator updates State as it advances so
// later records reflect the current stage.
type SentenceData struct {
	ProviderID string
	State      string
}

func WithSentenceData(ctx context.Context, data *SentenceData) context.Context {
	return context.WithValue(ctx, sentenceDataKey{}, data)
}
