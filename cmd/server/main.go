// Package main runs the portfolio optimization engine's HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/portfolio-engine/internal/api"
	"github.com/atlas-desktop/portfolio-engine/internal/orchestrator"
	"github.com/atlas-desktop/portfolio-engine/internal/workers"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Optional config file (yaml)")
	host := flag.String("host", "localhost", "Server host")
	port := flag.Int("port", 8080, "Server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	v := viper.New()
	v.SetDefault("host", *host)
	v.SetDefault("port", *port)
	v.SetDefault("log_level", *logLevel)
	v.SetDefault("regime.adapt", true)
	v.SetDefault("forecasts.enabled", false)
	v.SetDefault("anomalies.scan", true)
	v.SetDefault("workers.num", 0) // 0 means NumCPU
	v.SetEnvPrefix("PORTFOLIO_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			panic(err)
		}
	}

	logger := setupLogger(v.GetString("log_level"))
	defer logger.Sync()

	logger.Info("starting portfolio engine",
		zap.String("host", v.GetString("host")),
		zap.Int("port", v.GetInt("port")),
		zap.Bool("regime_adapt", v.GetBool("regime.adapt")),
		zap.Bool("forecasts", v.GetBool("forecasts.enabled")),
	)

	engineConfig := orchestrator.DefaultConfig()
	engineConfig.AdaptToRegime = v.GetBool("regime.adapt")
	engineConfig.RunForecasts = v.GetBool("forecasts.enabled")
	engineConfig.ScanAnomalies = v.GetBool("anomalies.scan")
	engine := orchestrator.New(logger, engineConfig)

	poolConfig := workers.DefaultPoolConfig("api")
	if n := v.GetInt("workers.num"); n > 0 {
		poolConfig.NumWorkers = n
	}
	pool := workers.NewPool(logger, poolConfig)

	serverConfig := api.DefaultConfig()
	serverConfig.Host = v.GetString("host")
	serverConfig.Port = v.GetInt("port")
	server := api.NewServer(logger, serverConfig, engine, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("server stopped", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
