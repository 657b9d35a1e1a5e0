package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aaronvark/o2/message"
	"github.com/aaronvark/o2/process"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("o2")
	v.AutomaticEnv()
	v.SetDefault("bind-address", "0.0.0.0")
	v.SetDefault("log-level", "info")

	ensemble := os.Getenv("O2_ENSEMBLE")
	if ensemble == "" {
		ensemble = "demo"
	}

	cfg, err := process.FromViper(v, ensemble)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, err := process.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := process.NewMetrics(registry)

	p, err := process.New(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("failed to initialize process")
	}
	defer p.Finish()

	if _, err := p.AddService("demo"); err != nil {
		logger.Fatal("failed to add service")
	}
	p.AddMethod("/demo/ping", "i", true, true, true, func(_ *message.Message, argv []message.Arg, _ interface{}) {
		logger.Info("ping", zap.Int32("value", argv[0].I))
	}, nil)

	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go http.ListenAndServe(":9100", nil)

	go p.Run(200)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	p.Stop()
}
