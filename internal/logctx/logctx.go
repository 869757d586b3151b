package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with channel and request attributes carried on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("chan",
			slog.String("id", cd.ChannelID),
			slog.String("ship", cd.Ship),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.Int64("id", rd.RequestID),
			slog.String("action", rd.Action),
			slog.String("app", rd.App),
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

type channelDataKey struct{}

type ChannelData struct {
	ChannelID string
	Ship      string
}

func WithChannelData(ctx context.Context, data *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, data)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID int64
	Action    string
	App       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
