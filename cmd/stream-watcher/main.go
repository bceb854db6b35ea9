package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pandapi-streams/internal/config"
	"pandapi-streams/internal/events"
	"pandapi-streams/internal/observability"
	"pandapi-streams/internal/registry"
)

// stream-watcher joins the shared store and broadcast transport without
// serving HTTP. It keeps the shared index healed, answers sync requests
// from other contexts and logs every change to the active set.
func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting stream watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connCtx, connCancel := context.WithTimeout(ctx, 90*time.Second)
	backends, err := config.OpenBackends(connCtx, cfg)
	connCancel()
	if err != nil {
		slog.Error("failed to open backends", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backends.Close()

	reg := registry.New(backends.Store, backends.Transport,
		registry.WithPrefix(cfg.KeyPrefix),
		registry.WithSyncInterval(cfg.SyncInterval),
		registry.WithMaxAge(cfg.StreamMaxAge),
		registry.WithChatHistoryLimit(cfg.ChatHistoryLimit),
	)

	reg.On(events.StreamsUpdated, logActiveSet)
	reg.On(events.StreamCreated, func(ev events.Event) {
		slog.Info("stream created",
			slog.String("stream_id", ev.Stream.ID),
			slog.String("title", ev.Stream.Title),
			slog.String("streamer", ev.Stream.StreamerAddress))
	})
	reg.On(events.StreamEnded, func(ev events.Event) {
		slog.Info("stream ended", slog.String("stream_id", ev.StreamID))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := reg.Run(ctx); err != nil {
			slog.Error("registry stopped with error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("stream watcher is ready", slog.String("window_id", reg.WindowID()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reg.Refresh()
			continue
		}
		break
	}

	slog.Info("shutting down stream watcher")
	cancel()
	<-done
	slog.Info("stream watcher stopped")
}

func logActiveSet(ev events.Event) {
	ids := make([]string, len(ev.Streams))
	viewers := 0
	for i, s := range ev.Streams {
		ids[i] = s.ID
		viewers += s.ViewerCount
	}
	slog.Info("active streams changed",
		slog.Int("count", len(ev.Streams)),
		slog.Int("viewers", viewers),
		slog.Any("stream_ids", ids))
}
