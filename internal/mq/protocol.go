// Package mq implements the websocket work dispatcher: a server that tracks
// worker registration, heartbeats and workload, shards pipeline data across
// workers and dispatches lambda invocations, plus the worker client side.
package mq

import "encoding/json"

// Work frame kinds sent from server to worker.
const (
	KindPipeline = "pipeline"
	KindLambda   = "lambda"
	KindShard    = "shard"
)

// RegisterFrame is the first frame a worker sends after connecting.
type RegisterFrame struct {
	WorkerID string `json:"worker_id"`
}

// HeartbeatFrame reports a worker's current workload.
type HeartbeatFrame struct {
	WorkerID string `json:"worker_id"`
	Workload int    `json:"workload"`
}

// CompletionFrame reports a finished job by id.
type CompletionFrame struct {
	JobCompleted string `json:"job_completed"`
}

// PipelineFrame carries a pipeline's job list plus the data shard assigned to
// the receiving worker.
type PipelineFrame struct {
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id"`
	Jobs       []any  `json:"jobs"`
	Data       []any  `json:"data"`
}

// LambdaFrame asks a worker to invoke a named function.
type LambdaFrame struct {
	Type           string            `json:"type"`
	FunctionName   string            `json:"function_name"`
	Environment    map[string]string `json:"environment"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MemoryLimitMB  int               `json:"memory_limit"`
}

// ShardFrame points a worker at a persisted data shard by key.
type ShardFrame struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	ShardKey string `json:"shard_key"`
}

// probe carries just enough of any frame to classify it.
type probe struct {
	Type         string  `json:"type"`
	WorkerID     string  `json:"worker_id"`
	Workload     *int    `json:"workload"`
	JobCompleted *string `json:"job_completed"`
}

// classify names the frame a raw message holds: "heartbeat", "completion",
// one of the work kinds, or "" when the frame matches nothing.
func classify(raw json.RawMessage) (string, probe) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", p
	}
	switch {
	case p.Type != "":
		return p.Type, p
	case p.JobCompleted != nil:
		return "completion", p
	case p.WorkerID != "" && p.Workload != nil:
		return "heartbeat", p
	}
	return "", p
}
