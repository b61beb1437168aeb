package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gddisney/Katamari/internal/dbm"
	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
	"github.com/gddisney/Katamari/pkg/metrics"
)

// heartbeatBurst caps how many heartbeats a worker may send per second
// before the server starts dropping them.
const heartbeatBurst = 10

// workerState is the server-side view of one connected worker.
type workerState struct {
	conn          *websocket.Conn
	sendMu        sync.Mutex
	workload      int
	lastHeartbeat time.Time
	registeredAt  time.Time
	limiter       *rate.Limiter
}

func (w *workerState) send(v any) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.conn.WriteJSON(v)
}

// Server accepts worker connections, tracks their workload through heartbeats
// and dispatches pipeline shards and lambda invocations to the least loaded.
type Server struct {
	bindAddr    string
	staleWindow time.Duration
	db          *dbm.DBM
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	workers map[string]*workerState

	done chan struct{}
}

// ServerOptions configures a dispatcher server.
type ServerOptions struct {
	BindAddr    string
	StaleWindow time.Duration // 0 disables the stale-worker reaper
	Store       *dbm.DBM      // persists worker registry and data shards
}

// NewServer creates a dispatcher server. The store is required; the registry
// and every dispatched shard are persisted through it.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		bindAddr:    opts.BindAddr,
		staleWindow: opts.StaleWindow,
		db:          opts.Store,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		workers:     map[string]*workerState{},
		done:        make(chan struct{}),
	}
	if s.staleWindow > 0 {
		go s.reapStale()
	}
	return s
}

// Handler returns the websocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleConnection)
}

// Run serves the websocket endpoint at /ws until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Handler())

	srv := &http.Server{Addr: s.bindAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mq: server listening", "addr", s.bindAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return kerr.IO("mq server failed", err)
	}
	return nil
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("mq: websocket upgrade failed", "error", err)
		return
	}

	// The first frame must identify the worker.
	var reg RegisterFrame
	if err := conn.ReadJSON(&reg); err != nil || reg.WorkerID == "" {
		logger.Error("mq: rejecting connection without worker id", "error", err)
		conn.Close()
		return
	}

	s.register(reg.WorkerID, conn)
	defer s.deregister(reg.WorkerID)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			logger.Info("mq: worker disconnected", "worker_id", reg.WorkerID, "error", err)
			return
		}
		s.handleFrame(reg.WorkerID, raw)
	}
}

func (s *Server) handleFrame(workerID string, raw json.RawMessage) {
	kind, p := classify(raw)
	switch kind {
	case "heartbeat":
		s.heartbeat(workerID, *p.Workload)
	case "completion":
		s.complete(workerID, *p.JobCompleted)
	default:
		logger.Warn("mq: dropping malformed frame",
			"worker_id", workerID, "error", kerr.Protocol("unrecognized frame", nil))
	}
}

func (s *Server) register(workerID string, conn *websocket.Conn) {
	now := time.Now()
	s.mu.Lock()
	s.workers[workerID] = &workerState{
		conn:          conn,
		lastHeartbeat: now,
		registeredAt:  now,
		limiter:       rate.NewLimiter(rate.Limit(heartbeatBurst), heartbeatBurst),
	}
	count := len(s.workers)
	s.mu.Unlock()

	metrics.LiveWorkers.Set(float64(count))
	s.persistWorker(workerID, 0, now, now)
	logger.Info("mq: worker registered", "worker_id", workerID, "live", count)
}

// persistWorker snapshots a worker record through the store.
func (s *Server) persistWorker(workerID string, workload int, lastHeartbeat, registeredAt time.Time) {
	if s.db == nil {
		return
	}
	if err := s.db.Set("worker_"+workerID, map[string]any{
		"worker_id":      workerID,
		"workload":       workload,
		"last_heartbeat": lastHeartbeat.UTC().Format(time.RFC3339Nano),
		"registered_at":  registeredAt.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		logger.Error("mq: failed to persist worker record", "worker_id", workerID, "error", err)
	}
}

func (s *Server) deregister(workerID string) {
	s.mu.Lock()
	state, ok := s.workers[workerID]
	delete(s.workers, workerID)
	count := len(s.workers)
	s.mu.Unlock()
	if !ok {
		return
	}

	state.conn.Close()
	metrics.LiveWorkers.Set(float64(count))
	if s.db != nil {
		if err := s.db.Delete("worker_" + workerID); err != nil && !kerr.IsNotFound(err) {
			logger.Error("mq: failed to remove worker record", "worker_id", workerID, "error", err)
		}
	}
	logger.Info("mq: worker deregistered", "worker_id", workerID, "live", count)
}

func (s *Server) heartbeat(workerID string, workload int) {
	now := time.Now()
	s.mu.Lock()
	state, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !state.limiter.Allow() {
		s.mu.Unlock()
		logger.Warn("mq: heartbeat rate exceeded, dropping", "worker_id", workerID)
		return
	}
	state.workload = workload
	state.lastHeartbeat = now
	registeredAt := state.registeredAt
	s.mu.Unlock()

	s.persistWorker(workerID, workload, now, registeredAt)
	logger.Debug("mq: heartbeat", "worker_id", workerID, "workload", workload)
}

func (s *Server) complete(workerID, jobID string) {
	s.mu.Lock()
	if state, ok := s.workers[workerID]; ok && state.workload > 0 {
		state.workload--
	}
	s.mu.Unlock()
	logger.Info("mq: job completed", "worker_id", workerID, "job_id", jobID)
}

// snapshotLoads returns the current registry as assignment input.
func (s *Server) snapshotLoads() []workerLoad {
	s.mu.Lock()
	defer s.mu.Unlock()
	loads := make([]workerLoad, 0, len(s.workers))
	for id, state := range s.workers {
		loads = append(loads, workerLoad{ID: id, Workload: state.workload})
	}
	return loads
}

// Workers returns the ids of currently registered workers.
func (s *Server) Workers() []string {
	loads := s.snapshotLoads()
	ids := make([]string, len(loads))
	for i, l := range loads {
		ids[i] = l.ID
	}
	return ids
}

// DispatchPipeline shards data across all live workers and persists each
// shard before pointing its worker at it with a {job_id, shard_key} frame.
// Workers with less load get earlier shards.
func (s *Server) DispatchPipeline(pipelineID string, jobs []any, data []any) error {
	loads := s.snapshotLoads()
	if len(loads) == 0 {
		return kerr.Protocol("no workers available for pipeline "+pipelineID, nil)
	}

	shards := shardData(data, len(loads))
	assigned := assignShards(len(shards), loads)

	for i, shard := range shards {
		workerID := assigned[i]
		shardKey := fmt.Sprintf("shard_%s_%d", pipelineID, i)
		if s.db != nil {
			if err := s.db.Set(shardKey, map[string]any{
				"shard_data":  shard,
				"assigned_to": workerID,
			}); err != nil {
				return kerr.IO("failed to persist "+shardKey, err)
			}
		}

		frame := ShardFrame{Type: KindShard, JobID: pipelineID, ShardKey: shardKey}
		if err := s.sendTo(workerID, frame); err != nil {
			return err
		}
		s.bumpWorkload(workerID)
		metrics.DispatchedJobs.WithLabelValues(KindShard).Inc()
		logger.Info("mq: shard dispatched",
			"pipeline_id", pipelineID, "shard", shardKey, "worker_id", workerID,
			"items", len(shard), "jobs", len(jobs))
	}
	return nil
}

// DispatchLambda sends a lambda invocation to the least loaded worker.
func (s *Server) DispatchLambda(frame LambdaFrame) error {
	loads := s.snapshotLoads()
	if len(loads) == 0 {
		return kerr.Protocol("no workers available for lambda "+frame.FunctionName, nil)
	}
	frame.Type = KindLambda
	target := orderByWorkload(loads)[0].ID

	if err := s.sendTo(target, frame); err != nil {
		return err
	}
	s.bumpWorkload(target)
	metrics.DispatchedJobs.WithLabelValues(KindLambda).Inc()
	logger.Info("mq: lambda dispatched", "function", frame.FunctionName, "worker_id", target)
	return nil
}

func (s *Server) sendTo(workerID string, frame any) error {
	s.mu.Lock()
	state, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return kerr.NotFound("worker " + workerID + " not registered")
	}
	if err := state.send(frame); err != nil {
		return kerr.IO("failed to send frame to "+workerID, err)
	}
	return nil
}

func (s *Server) bumpWorkload(workerID string) {
	s.mu.Lock()
	if state, ok := s.workers[workerID]; ok {
		state.workload++
	}
	s.mu.Unlock()
}

// reapStale deregisters workers whose last heartbeat is older than the stale
// window. It only forgets them; in-flight work is not reassigned.
func (s *Server) reapStale() {
	ticker := time.NewTicker(s.staleWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.staleWindow)
			var stale []string
			s.mu.Lock()
			for id, state := range s.workers {
				if state.lastHeartbeat.Before(cutoff) {
					stale = append(stale, id)
				}
			}
			s.mu.Unlock()
			for _, id := range stale {
				logger.Warn("mq: reaping stale worker", "worker_id", id)
				s.deregister(id)
			}
		}
	}
}

// Close stops the reaper and disconnects every worker.
func (s *Server) Close() {
	close(s.done)
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.deregister(id)
	}
}
