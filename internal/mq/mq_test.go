package mq

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gddisney/Katamari/internal/dbm"
)

func TestShardDataEven(t *testing.T) {
	data := []any{1, 2, 3, 4, 5, 6, 7, 8, 9}
	shards := shardData(data, 3)
	if len(shards) != 3 {
		t.Fatalf("Expected 3 shards, got %d", len(shards))
	}
	for i, want := range [][]any{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}} {
		if len(shards[i]) != 3 {
			t.Fatalf("Shard %d has %d items", i, len(shards[i]))
		}
		for j := range want {
			if shards[i][j] != want[j] {
				t.Errorf("Shard %d = %v, want %v", i, shards[i], want)
			}
		}
	}
}

func TestShardDataRemainder(t *testing.T) {
	shards := shardData([]any{1, 2, 3, 4, 5, 6, 7}, 3)
	if len(shards[0]) != 2 || len(shards[1]) != 2 || len(shards[2]) != 3 {
		t.Errorf("Last shard should absorb the remainder, got %v", shards)
	}
}

func TestShardDataMoreWorkersThanItems(t *testing.T) {
	shards := shardData([]any{1, 2}, 4)
	if len(shards) != 4 {
		t.Fatalf("Expected 4 shards, got %d", len(shards))
	}
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != 2 {
		t.Errorf("Items lost or duplicated across shards: %v", shards)
	}
}

func TestAssignShardsByWorkload(t *testing.T) {
	workers := []workerLoad{
		{ID: "w1", Workload: 2},
		{ID: "w2", Workload: 0},
		{ID: "w3", Workload: 1},
	}
	assigned := assignShards(3, workers)
	want := []string{"w2", "w3", "w1"}
	for i := range want {
		if assigned[i] != want[i] {
			t.Errorf("Shard %d assigned to %s, want %s", i, assigned[i], want[i])
		}
	}
}

func TestAssignShardsWrapsRoundRobin(t *testing.T) {
	workers := []workerLoad{{ID: "a", Workload: 0}, {ID: "b", Workload: 1}}
	assigned := assignShards(5, workers)
	want := []string{"a", "b", "a", "b", "a"}
	for i := range want {
		if assigned[i] != want[i] {
			t.Errorf("Shard %d assigned to %s, want %s", i, assigned[i], want[i])
		}
	}
}

func TestClassifyFrames(t *testing.T) {
	cases := []struct {
		raw  string
		kind string
	}{
		{`{"worker_id":"w1","workload":3}`, "heartbeat"},
		{`{"job_completed":"job-9"}`, "completion"},
		{`{"type":"pipeline","pipeline_id":"p"}`, KindPipeline},
		{`{"type":"lambda","function_name":"f"}`, KindLambda},
		{`{"type":"shard","job_id":"j","shard_key":"k"}`, KindShard},
		{`{"hello":"world"}`, ""},
		{`not json`, ""},
	}
	for _, c := range cases {
		kind, _ := classify(json.RawMessage(c.raw))
		if kind != c.kind {
			t.Errorf("classify(%s) = %q, want %q", c.raw, kind, c.kind)
		}
	}
}

// dialWorker connects a raw websocket client to the test server and registers.
func dialWorker(t *testing.T, url, workerID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(RegisterFrame{WorkerID: workerID}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return conn
}

func waitForWorkers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.Workers()) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d registered workers, have %v", n, s.Workers())
}

func newTestStore(t *testing.T) *dbm.DBM {
	t.Helper()
	db, err := dbm.Open(filepath.Join(t.TempDir(), "mq.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitForWorkload(t *testing.T, s *Server, workerID string, workload int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, l := range s.snapshotLoads() {
			if l.ID == workerID && l.Workload == workload {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Worker %s never reached workload %d: %v", workerID, workload, s.snapshotLoads())
}

func TestServerRegistrationAndDispatch(t *testing.T) {
	s := NewServer(ServerOptions{})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialWorker(t, url, "w1")
	waitForWorkers(t, s, 1)

	if err := s.DispatchLambda(LambdaFrame{FunctionName: "greet"}); err != nil {
		t.Fatalf("DispatchLambda failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame LambdaFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Worker never received the frame: %v", err)
	}
	if frame.Type != KindLambda || frame.FunctionName != "greet" {
		t.Errorf("Unexpected frame: %+v", frame)
	}
}

func TestServerLambdaGoesToLeastLoaded(t *testing.T) {
	s := NewServer(ServerOptions{})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	busy := dialWorker(t, url, "busy")
	idle := dialWorker(t, url, "idle")
	waitForWorkers(t, s, 2)

	busy.WriteJSON(HeartbeatFrame{WorkerID: "busy", Workload: 5})
	idle.WriteJSON(HeartbeatFrame{WorkerID: "idle", Workload: 0})
	waitForWorkload(t, s, "busy", 5)
	waitForWorkload(t, s, "idle", 0)

	if err := s.DispatchLambda(LambdaFrame{FunctionName: "f"}); err != nil {
		t.Fatalf("DispatchLambda failed: %v", err)
	}

	idle.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame LambdaFrame
	if err := idle.ReadJSON(&frame); err != nil {
		t.Fatalf("Least loaded worker never received the frame: %v", err)
	}
	if frame.FunctionName != "f" {
		t.Errorf("Unexpected frame: %+v", frame)
	}
}

func TestServerCompletionDecrementsWorkload(t *testing.T) {
	s := NewServer(ServerOptions{})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialWorker(t, url, "w1")
	waitForWorkers(t, s, 1)

	if err := s.DispatchLambda(LambdaFrame{FunctionName: "f"}); err != nil {
		t.Fatalf("DispatchLambda failed: %v", err)
	}
	if loads := s.snapshotLoads(); loads[0].Workload != 1 {
		t.Fatalf("Dispatch should bump workload, got %v", loads)
	}

	conn.WriteJSON(CompletionFrame{JobCompleted: "f"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.snapshotLoads()[0].Workload == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("Completion should drop workload back to 0, got %v", s.snapshotLoads())
}

func TestServerRejectsDispatchWithoutWorkers(t *testing.T) {
	s := NewServer(ServerOptions{})
	defer s.Close()

	if err := s.DispatchLambda(LambdaFrame{FunctionName: "f"}); err == nil {
		t.Error("Expected an error with no registered workers")
	}
	if err := s.DispatchPipeline("p", nil, []any{1}); err == nil {
		t.Error("Expected an error with no registered workers")
	}
}

func TestHeartbeatPersistsWorkerRecord(t *testing.T) {
	db := newTestStore(t)
	s := NewServer(ServerOptions{Store: db})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialWorker(t, url, "w1")
	waitForWorkers(t, s, 1)

	conn.WriteJSON(HeartbeatFrame{WorkerID: "w1", Workload: 3})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := db.Get("worker_w1")
		if err == nil {
			record := raw.(map[string]any)
			if record["workload"] == float64(3) {
				if hb, _ := record["last_heartbeat"].(string); hb == "" {
					t.Error("Persisted record is missing last_heartbeat")
				}
				if reg, _ := record["registered_at"].(string); reg == "" {
					t.Error("Persisted record is missing registered_at")
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Heartbeat was never persisted through the store")
}

func TestPipelineDispatchPersistsAndPointsWorkers(t *testing.T) {
	db := newTestStore(t)
	s := NewServer(ServerOptions{Store: db})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	w1 := dialWorker(t, url, "w1")
	w2 := dialWorker(t, url, "w2")
	w3 := dialWorker(t, url, "w3")
	waitForWorkers(t, s, 3)

	w1.WriteJSON(HeartbeatFrame{WorkerID: "w1", Workload: 2})
	w3.WriteJSON(HeartbeatFrame{WorkerID: "w3", Workload: 1})
	waitForWorkload(t, s, "w1", 2)
	waitForWorkload(t, s, "w3", 1)

	data := []any{1, 2, 3, 4, 5, 6, 7, 8, 9}
	if err := s.DispatchPipeline("job1", nil, data); err != nil {
		t.Fatalf("DispatchPipeline failed: %v", err)
	}

	// Least loaded worker takes the first shard; each worker is pointed at
	// its shard by key rather than receiving the data inline.
	expect := map[string]struct {
		conn *websocket.Conn
		key  string
	}{
		"w2": {w2, "shard_job1_0"},
		"w3": {w3, "shard_job1_1"},
		"w1": {w1, "shard_job1_2"},
	}
	for id, want := range expect {
		want.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame ShardFrame
		if err := want.conn.ReadJSON(&frame); err != nil {
			t.Fatalf("Worker %s never received its shard frame: %v", id, err)
		}
		if frame.Type != KindShard || frame.JobID != "job1" || frame.ShardKey != want.key {
			t.Errorf("Worker %s got frame %+v, want shard key %s", id, frame, want.key)
		}
	}

	persisted := map[string]struct {
		assignedTo string
		first      float64
	}{
		"shard_job1_0": {"w2", 1},
		"shard_job1_1": {"w3", 4},
		"shard_job1_2": {"w1", 7},
	}
	for key, want := range persisted {
		raw, err := db.Get(key)
		if err != nil {
			t.Fatalf("Shard %s was not persisted: %v", key, err)
		}
		record := raw.(map[string]any)
		if record["assigned_to"] != want.assignedTo {
			t.Errorf("Shard %s assigned to %v, want %s", key, record["assigned_to"], want.assignedTo)
		}
		shard, _ := record["shard_data"].([]any)
		if len(shard) != 3 || shard[0] != want.first {
			t.Errorf("Shard %s data = %v, want 3 items starting at %v", key, shard, want.first)
		}
	}
}

func TestWorkerProcessShard(t *testing.T) {
	db := newTestStore(t)
	if err := db.Set("shard_p_0", map[string]any{
		"shard_data":  []any{1, 2, 3},
		"assigned_to": "w1",
	}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	w, err := NewWorker(WorkerOptions{WorkerID: "w1", Store: db})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	var got []any
	w.OnPipeline(func(ctx context.Context, pipelineID string, jobs []any, data []any) error {
		if pipelineID != "p" {
			t.Errorf("Unexpected pipeline id %q", pipelineID)
		}
		got = data
		return nil
	})

	if err := w.processShard(context.Background(), ShardFrame{JobID: "p", ShardKey: "shard_p_0"}); err != nil {
		t.Fatalf("processShard failed: %v", err)
	}
	if len(got) != 3 || got[0] != float64(1) {
		t.Errorf("Unexpected shard data: %v", got)
	}

	if err := w.processShard(context.Background(), ShardFrame{JobID: "p", ShardKey: "missing"}); err == nil {
		t.Error("Expected an error for a missing shard key")
	}
}

func TestServerDeregistersOnDisconnect(t *testing.T) {
	s := NewServer(ServerOptions{})
	defer s.Close()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialWorker(t, url, "w1")
	waitForWorkers(t, s, 1)

	conn.Close()
	waitForWorkers(t, s, 0)
}
