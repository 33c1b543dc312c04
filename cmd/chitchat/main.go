package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"chitchat-client/internal/channel"
	"chitchat-client/internal/chat"
	"chitchat-client/internal/config"
	"chitchat-client/internal/logging"
	"chitchat-client/internal/relay"
	"chitchat-client/internal/store"
	"chitchat-client/internal/syncer"
)

// messageBus is the combined channel surface the client runs on, regardless
// of transport.
type messageBus interface {
	channel.Bus
	channel.Queue
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("log init error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("starting",
		"instanceId", cfg.InstanceID,
		"database", store.RedactedDatabaseURL(cfg.DatabaseURL),
		"callRingTimeout", cfg.CallRingTimeout.String(),
	)

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	var bus messageBus
	if cfg.RelayURL != "" {
		bus, err = relay.Dial(ctx, cfg.RelayURL, cfg.InstanceID, logger)
		if err != nil {
			logger.Error("relay dial failed", "relayUrl", cfg.RelayURL, "error", err)
			os.Exit(1)
		}
		logger.Info("channel transport: relay", "relayUrl", cfg.RelayURL)
	} else {
		bus, err = channel.NewDBBus(ctx, st, cfg.InstanceID, cfg.ChannelPollInterval, logger)
		if err != nil {
			logger.Error("channel watcher start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("channel transport: database poll", "pollInterval", cfg.ChannelPollInterval.String())
	}

	svc := chat.NewService(st, bus, logger)
	conversations, err := svc.Conversations(ctx)
	if err != nil {
		logger.Error("initial conversation read failed", "error", err)
	} else {
		logger.Info("conversations loaded", "count", len(conversations))
	}

	var coord *syncer.Coordinator
	if cfg.UserID != "" {
		coord = syncer.New(st, bus, cfg.UserID, logger)
		coord.OnConversations(func(rows []store.ConversationRow) {
			logger.Info("conversations refreshed", "count", len(rows))
		})
		coord.OnMessages(func(conversationID string, messages []store.MessageRow) {
			logger.Info("messages refreshed", "conversationId", conversationID, "count", len(messages))
		})
		if err := coord.Start(); err != nil {
			logger.Error("sync coordinator start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("sync coordinator listening", "userId", cfg.UserID)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if coord != nil {
		if err := coord.Close(); err != nil {
			logger.Error("sync coordinator close error", "error", err)
		}
	}
	if err := bus.Close(); err != nil {
		logger.Error("channel close error", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("db close error", "error", err)
	}

	logger.Info("stopped")
}
