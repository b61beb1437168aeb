package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gddisney/Katamari/internal/dbm"
	"github.com/gddisney/Katamari/internal/mq"
	"github.com/gddisney/Katamari/pkg/config"
	"github.com/gddisney/Katamari/pkg/logger"
)

var (
	cfgPath     string
	bindAddr    string
	dbPath      string
	staleWindow string
)

var rootCmd = &cobra.Command{
	Use:   "katamari-mq",
	Short: "Katamari work dispatcher server",
	Long: "Accepts worker websocket connections, tracks workload through " +
		"heartbeats and dispatches pipeline shards and lambda invocations.",
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&dbPath, "database", "", "Registry database path (overrides config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.MQ.BindAddr = bindAddr
	}
	if dbPath != "" {
		cfg.Store.Database = dbPath
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	db, err := dbm.Open(cfg.Store.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	server := mq.NewServer(mq.ServerOptions{
		BindAddr:    cfg.MQ.BindAddr,
		StaleWindow: cfg.MQ.StaleWindow,
		Store:       db,
	})
	defer server.Close()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.BindAddr)
			if err := http.ListenAndServe(cfg.Metrics.BindAddr, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
