package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrsingh-rishi/ziya-twin/config"
	"github.com/mrsingh-rishi/ziya-twin/llm"
	"github.com/mrsingh-rishi/ziya-twin/metrics"
	"github.com/mrsingh-rishi/ziya-twin/model"
	"github.com/mrsingh-rishi/ziya-twin/pipeline"
	"github.com/mrsingh-rishi/ziya-twin/server"
	"github.com/mrsingh-rishi/ziya-twin/stt"
	"github.com/mrsingh-rishi/ziya-twin/telemetry"
	"github.com/mrsingh-rishi/ziya-twin/tts"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}

	m := metrics.New()
	runner, err := buildPipeline(cfg, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("build pipeline")
	}

	srv := server.New(cfg.Server, runner, logger, m)
	go func() {
		if err := srv.Listen(cfg.Server.Addr()); err != nil {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	if err := srv.Shutdown(10 * time.Second); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
}

func buildPipeline(cfg config.Config, logger *logrus.Logger, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	transcriber, err := stt.NewAssemblyAIClient(stt.Options{
		APIKey:          cfg.STT.APIKey,
		BaseURL:         cfg.STT.BaseURL,
		PollInitial:     cfg.STT.PollInitial,
		PollMaxInterval: cfg.STT.PollMaxInterval,
		PollMaxWait:     cfg.STT.PollMaxWait,
		HTTPClient:      httpClient,
		Logger:          logger,
		OnPoll:          func(s model.JobStatus) { m.ObservePoll(string(s)) },
	})
	if err != nil {
		return nil, err
	}

	responder, err := llm.NewOpenRouterClient(llm.Options{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Referer:    cfg.LLM.Referer,
		Title:      cfg.LLM.Title,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	synthesizer, err := tts.NewElevenLabsClient(tts.Options{
		APIKey:     cfg.TTS.APIKey,
		BaseURL:    cfg.TTS.BaseURL,
		VoiceID:    cfg.TTS.VoiceID,
		ModelID:    cfg.TTS.ModelID,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.New(transcriber, responder, synthesizer,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(m),
	), nil
}
