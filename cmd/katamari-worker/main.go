package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gddisney/Katamari/internal/dbm"
	"github.com/gddisney/Katamari/internal/mq"
	"github.com/gddisney/Katamari/pkg/config"
	"github.com/gddisney/Katamari/pkg/logger"
)

var (
	cfgPath   string
	serverURL string
	workerID  string
	dbPath    string
	poolSize  int
)

var rootCmd = &cobra.Command{
	Use:   "katamari-worker",
	Short: "Katamari dispatcher worker",
	Long: "Connects to a katamari-mq server, heartbeats its workload and " +
		"executes the pipeline shards and lambda invocations it is handed.",
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "Dispatcher websocket URL (overrides config)")
	rootCmd.Flags().StringVar(&workerID, "id", "", "Worker id (default: random)")
	rootCmd.Flags().StringVar(&dbPath, "database", "worker.db", "Local shard database path")
	rootCmd.Flags().IntVar(&poolSize, "pool", 4, "Concurrent job executions")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.MQ.ServerURL = serverURL
	}
	if workerID == "" {
		workerID = cfg.MQ.WorkerID
	}
	if workerID == "" {
		workerID = "worker_" + uuid.NewString()
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	db, err := dbm.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconnect with a flat backoff until shut down.
	for {
		worker, err := mq.NewWorker(mq.WorkerOptions{
			ServerURL:         cfg.MQ.ServerURL,
			WorkerID:          workerID,
			HeartbeatInterval: cfg.MQ.HeartbeatInterval,
			PoolSize:          poolSize,
			Store:             db,
		})
		if err != nil {
			return err
		}

		err = worker.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("worker shutting down")
			return nil
		}
		logger.Warn("connection lost, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
