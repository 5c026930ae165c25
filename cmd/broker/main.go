// Command broker is the process entrypoint (spec §6, PACKAGE LAYOUT): loads
// configuration, wires logging/metrics, constructs the Google
// recognizer/translate/synthesize engine clients, serves the speaker and
// listener websocket endpoints, and shuts down within the bounded deadline
// of spec §5 on SIGINT/SIGTERM.
//
// The provider-selection and .env-loading idiom is carried over from the
// teacher's cmd/agent/main.go, generalized from a single local STT/LLM/TTS
// choice to this system's fixed Google engine set (spec §6.3 names Google
// Speech/TextToSpeech and Gemini as the concrete engines behind the opaque
// RPC contracts).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vertaler/s2sbroker/internal/broker"
	"github.com/vertaler/s2sbroker/internal/config"
	"github.com/vertaler/s2sbroker/internal/logging"
	"github.com/vertaler/s2sbroker/internal/observe"
	"github.com/vertaler/s2sbroker/internal/recognizer"
	"github.com/vertaler/s2sbroker/internal/synthesizesvc"
	"github.com/vertaler/s2sbroker/internal/translatesvc"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file layered under env vars")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("broker: load config: %v", err)
	}

	var logger logging.Logger
	var syncLog func() error
	if cfg.Server.LogLevel == "debug" {
		logger, syncLog, err = logging.NewDevelopment()
	} else {
		logger, syncLog, err = logging.NewProduction()
	}
	if err != nil {
		log.Fatalf("broker: init logger: %v", err)
	}
	defer syncLog()

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		logger.Error("broker: init metrics provider failed", "err", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	metrics := observe.DefaultMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engines, closeEngines, err := buildEngines(ctx, cfg, logger)
	if err != nil {
		logger.Error("broker: build provider engines failed", "err", err)
		os.Exit(1)
	}
	defer closeEngines()

	b := broker.New(ctx, cfg, logger, metrics, engines)

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      b.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.Server.MetricsPort), Handler: metricsMux}

	go func() {
		logger.Info("broker: api server listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("broker: api server failed", "err", err)
		}
	}()
	go func() {
		logger.Info("broker: metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("broker: metrics server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("broker: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broker: stream shutdown did not complete cleanly", "err", err)
	}
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("broker: shutdown complete")
}

// buildEngines constructs the Google Speech/TextToSpeech/Gemini clients
// named in spec §6.3 and SPEC_FULL.md's DOMAIN STACK table.
func buildEngines(ctx context.Context, cfg config.Config, logger logging.Logger) (broker.Engines, func(), error) {
	logger.Info("broker: connecting speech recognition engine")
	googleEngine, err := recognizer.NewGoogleEngine(ctx)
	if err != nil {
		return broker.Engines{}, nil, err
	}

	geminiKey := os.Getenv("GEMINI_API_KEY")
	translateModel := os.Getenv("GEMINI_TRANSLATE_MODEL")
	if translateModel == "" {
		translateModel = "gemini-2.0-flash"
	}
	logger.Info("broker: connecting translation engine", "model", translateModel, "source", cfg.Translate.SourceLang, "target", cfg.Translate.TargetLang)
	translator, err := translatesvc.NewGeminiTranslator(ctx, geminiKey, translateModel, "")
	if err != nil {
		googleEngine.Close()
		return broker.Engines{}, nil, err
	}

	logger.Info("broker: connecting speech synthesis engine", "voice", cfg.TTS.VoiceName)
	synth, err := synthesizesvc.NewGoogleSynthesizer(ctx)
	if err != nil {
		googleEngine.Close()
		translator.Close()
		return broker.Engines{}, nil, err
	}

	closeFn := func() {
		googleEngine.Close()
		translator.Close()
		synth.Close()
	}

	return broker.Engines{
		Recognizer: googleEngine,
		OneShot:    googleEngine,
		Translator: translator,
		Synth:      synth,
	}, closeFn, nil
}
