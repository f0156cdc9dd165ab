package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"tabsense/features/ask"
	"tabsense/features/jobs"
	"tabsense/features/pages"
	"tabsense/internal/adapter/gemini"
	"tabsense/internal/config"
	"tabsense/internal/contentcache"
	"tabsense/internal/embed"
	"tabsense/internal/intent"
	"tabsense/internal/jobstate"
	"tabsense/internal/logger"
	"tabsense/internal/middleware"
	"tabsense/internal/pushchannel"
	"tabsense/internal/retrieval"
	"tabsense/internal/telemetry"

	"github.com/nsqio/go-nsq"
)

func main() {
	// Initialize structured logger
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. NSQ Producer
	nsqCfg := nsq.NewConfig()
	nsqProducer, err := nsq.NewProducer(cfg.NSQDHost, nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ producer", "error", err)
		os.Exit(1)
	}
	defer nsqProducer.Stop()

	// NSQ creates topics lazily on publish, but dashboards querying lookupd
	// see 404s until then, so pre-create via nsqd's HTTP API (port 4151).
	topicURL := fmt.Sprintf("http://%s:4151/topic/create?topic=%s", "nsqd", config.TopicEvents)
	if host, _, err := net.SplitHostPort(cfg.NSQDHost); err == nil && host != "" {
		topicURL = fmt.Sprintf("http://%s:4151/topic/create?topic=%s", host, config.TopicEvents)
	}
	go func() {
		time.Sleep(2 * time.Second)
		resp, err := http.Post(topicURL, "application/json", nil)
		if err != nil {
			slog.Warn("failed to pre-create events topic", "error", err, "url", topicURL)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == 200 {
			slog.Info("events topic pre-created successfully")
		}
	}()

	// 3. Adapters
	geminiEmbedder := gemini.NewEmbedder(cfg.GeminiAPIKey)
	defer geminiEmbedder.Close()

	serviceClient := embed.NewClient(cfg.EmbedServiceURL)

	// 4. Push Channel & Job State
	channel := pushchannel.NewManager(pushchannel.Config{
		URL:         cfg.PushChannelURL(),
		BaseDelay:   cfg.ReconnectBaseDelay(),
		MaxAttempts: cfg.ReconnectMaxAttempts,
		QueueSize:   cfg.EventQueueSize,
	})

	store := jobstate.NewStore()
	channel.Subscribe(func(ev pushchannel.Event) {
		switch ev.Type {
		case pushchannel.TypeConnected, pushchannel.TypeDisconnected:
			return
		}
		update, err := jobstate.Normalize(ev.Payload)
		if err != nil {
			slog.Warn("unparseable status payload", "type", ev.Type, "error", err)
			return
		}
		switch ev.Type {
		case pushchannel.TypeJobStarted:
			store.ApplyStarted(update)
		case pushchannel.TypeJobComplete:
			store.ApplyComplete(update)
		default:
			store.ApplyStatusUpdate(update)
		}
	})

	hub := telemetry.NewHub()
	channel.SetSink(hub)

	if err := channel.Connect(context.Background()); err != nil {
		// Poll path keeps jobs correct without push; the manager retries.
		slog.Warn("push channel unavailable at startup", "error", err)
	}

	// Periodic full refresh reconciles anything the event stream missed.
	go func() {
		ticker := time.NewTicker(cfg.SnapshotInterval())
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			snapshot, err := serviceClient.Jobs(ctx, 0, "")
			cancel()
			if err != nil {
				slog.Warn("job snapshot refresh failed", "error", err)
				continue
			}
			store.LoadSnapshot(snapshot)
		}
	}()

	// 5. Services
	events := telemetry.Multi(telemetry.NewPublisher(nsqProducer, cfg.EventTopic), hub)

	embedService := embed.NewService(serviceClient, channel, geminiEmbedder, events, embed.Config{
		TaskTimeout:  cfg.TaskTimeout(),
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.BatchSize,
	})
	defer embedService.Close()

	cache := contentcache.New(nil, embedService, events, contentcache.Config{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.CacheMaxEntries,
	})

	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	intentFilter := intent.NewFilter(geminiEmbedder)
	retrievalService := retrieval.NewService(cache, geminiEmbedder, intentFilter, queryLogger)

	// Feature handlers
	askHandler := ask.NewHandler(retrievalService)
	pagesHandler := pages.NewHandler(cache)
	jobsHandler := jobs.NewHandler(serviceClient, store)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	http.Handle("POST /ask", middleware.CorrelationID(enableCORS(askHandler.Ask)))

	http.Handle("POST /pages", middleware.CorrelationID(enableCORS(pagesHandler.Capture)))
	http.Handle("DELETE /pages/{tabID}", middleware.CorrelationID(enableCORS(pagesHandler.Forget)))
	http.Handle("DELETE /pages", middleware.CorrelationID(enableCORS(pagesHandler.ForgetAll)))

	http.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobsHandler.List)))
	http.Handle("GET /jobs/count", middleware.CorrelationID(enableCORS(jobsHandler.Count)))
	http.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobsHandler.Get)))
	http.Handle("DELETE /jobs/{id}", middleware.CorrelationID(enableCORS(jobsHandler.Delete)))
	http.Handle("GET /queue", middleware.CorrelationID(enableCORS(jobsHandler.Queue)))

	http.Handle("GET /events", middleware.CorrelationID(enableCORS(hub.ServeHTTP)))

	// 6. Start Server
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	slog.Info("server starting", "port", cfg.ServerPort)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.ServerPort), nil); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
