package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"

	"github.com/gddisney/Katamari/internal/dbm"
	"github.com/gddisney/Katamari/internal/pipeline"
	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
)

// PipelineHandler processes one data shard of a pipeline on a worker.
type PipelineHandler func(ctx context.Context, pipelineID string, jobs []any, data []any) error

// WorkerOptions configures a dispatcher worker.
type WorkerOptions struct {
	ServerURL         string
	WorkerID          string
	HeartbeatInterval time.Duration
	PoolSize          int       // concurrent job executions, default 4
	Store             *dbm.DBM  // local shard storage, optional
}

// Worker connects to a dispatcher server, heartbeats its workload and
// executes the pipeline shards and lambda invocations it is handed.
type Worker struct {
	opts     WorkerOptions
	db       *dbm.DBM
	pool     *ants.Pool
	workload atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn

	onPipeline PipelineHandler

	mu      sync.Mutex
	lambdas map[string]*pipeline.LambdaFunction
}

// NewWorker creates a worker. Jobs run on a fixed goroutine pool so a slow
// shard cannot starve the read loop.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.WorkerID == "" {
		return nil, kerr.Protocol("worker id is required", nil)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, kerr.IO("failed to create worker pool", err)
	}
	w := &Worker{
		opts:    opts,
		db:      opts.Store,
		pool:    pool,
		lambdas: map[string]*pipeline.LambdaFunction{},
	}
	w.onPipeline = w.storeShard
	return w, nil
}

// OnPipeline replaces the default shard handler.
func (w *Worker) OnPipeline(h PipelineHandler) { w.onPipeline = h }

// RegisterLambda makes a function invocable by dispatched lambda frames.
func (w *Worker) RegisterLambda(f *pipeline.LambdaFunction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lambdas[f.Name] = f
}

// Workload returns the number of jobs currently queued or running.
func (w *Worker) Workload() int { return int(w.workload.Load()) }

// Run connects to the server, registers and processes frames until ctx is
// cancelled or the connection drops.
func (w *Worker) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.opts.ServerURL, nil)
	if err != nil {
		return kerr.IO("failed to connect to "+w.opts.ServerURL, err)
	}
	w.conn = conn
	defer conn.Close()
	defer w.pool.Release()

	if err := w.send(RegisterFrame{WorkerID: w.opts.WorkerID}); err != nil {
		return err
	}
	logger.Info("mq: worker connected", "worker_id", w.opts.WorkerID, "server", w.opts.ServerURL)

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go w.heartbeatLoop(heartbeatDone)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return kerr.IO("connection to server lost", err)
		}
		w.handleFrame(ctx, raw)
	}
}

func (w *Worker) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame := HeartbeatFrame{WorkerID: w.opts.WorkerID, Workload: w.Workload()}
			if err := w.send(frame); err != nil {
				logger.Warn("mq: heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (w *Worker) handleFrame(ctx context.Context, raw json.RawMessage) {
	kind, _ := classify(raw)
	switch kind {
	case KindPipeline:
		var frame PipelineFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("mq: malformed pipeline frame", "error", err)
			return
		}
		w.submit(frame.PipelineID, func() error {
			return w.onPipeline(ctx, frame.PipelineID, frame.Jobs, frame.Data)
		})
	case KindLambda:
		var frame LambdaFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("mq: malformed lambda frame", "error", err)
			return
		}
		w.submit(frame.FunctionName, func() error {
			return w.invokeLambda(ctx, frame)
		})
	case KindShard:
		var frame ShardFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("mq: malformed shard frame", "error", err)
			return
		}
		w.submit(frame.JobID, func() error {
			return w.processShard(ctx, frame)
		})
	default:
		logger.Warn("mq: dropping unrecognized frame", "worker_id", w.opts.WorkerID)
	}
}

// submit queues a job on the pool, tracks workload and reports completion.
func (w *Worker) submit(jobID string, job func() error) {
	w.workload.Add(1)
	err := w.pool.Submit(func() {
		defer w.workload.Add(-1)
		if err := job(); err != nil {
			logger.Error("mq: job failed", "job_id", jobID, "error", err)
		}
		if err := w.send(CompletionFrame{JobCompleted: jobID}); err != nil {
			logger.Warn("mq: completion send failed", "job_id", jobID, "error", err)
		}
	})
	if err != nil {
		w.workload.Add(-1)
		logger.Error("mq: pool rejected job", "job_id", jobID, "error", err)
	}
}

// storeShard is the default pipeline handler: persist the shard locally so a
// later job can pick it up.
func (w *Worker) storeShard(_ context.Context, pipelineID string, jobs []any, data []any) error {
	if w.db == nil {
		logger.Info("mq: received shard with no local store, dropping",
			"pipeline_id", pipelineID, "items", len(data))
		return nil
	}
	key := fmt.Sprintf("shard_%s_%s", pipelineID, w.opts.WorkerID)
	return w.db.Set(key, map[string]any{
		"pipeline_id": pipelineID,
		"jobs":        jobs,
		"shard_data":  data,
	})
}

func (w *Worker) invokeLambda(ctx context.Context, frame LambdaFrame) error {
	w.mu.Lock()
	f, ok := w.lambdas[frame.FunctionName]
	w.mu.Unlock()
	if !ok {
		return kerr.NotFound("function " + frame.FunctionName + " not registered")
	}
	if frame.TimeoutSeconds > 0 {
		f.TimeoutSeconds = frame.TimeoutSeconds
	}
	for k, v := range frame.Environment {
		f.Environment[k] = v
	}
	return f.Invoke(ctx, frame.Environment)
}

// processShard loads a persisted shard by key and runs it through the
// pipeline handler.
func (w *Worker) processShard(ctx context.Context, frame ShardFrame) error {
	if w.db == nil {
		return kerr.NotFound("no local store to resolve shard " + frame.ShardKey)
	}
	value, err := w.db.Get(frame.ShardKey)
	if err != nil {
		return err
	}
	record, ok := value.(map[string]any)
	if !ok {
		return kerr.Protocol("shard record has unexpected shape", nil)
	}
	data, _ := record["shard_data"].([]any)
	return w.onPipeline(ctx, frame.JobID, nil, data)
}

func (w *Worker) send(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		return kerr.IO("websocket write failed", err)
	}
	return nil
}
