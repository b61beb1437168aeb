package mq

import "sort"

// shardData splits data into count contiguous shards. Each shard gets
// len(data)/count items and the last shard absorbs the remainder.
func shardData(data []any, count int) [][]any {
	if count <= 0 {
		return nil
	}
	size := len(data) / count
	if size == 0 {
		size = 1
	}
	shards := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		if start >= len(data) {
			shards = append(shards, nil)
			continue
		}
		end := start + size
		if i == count-1 || end > len(data) {
			end = len(data)
		}
		shards = append(shards, data[start:end])
	}
	return shards
}

// workerLoad pairs a worker id with its current workload for assignment.
type workerLoad struct {
	ID       string
	Workload int
}

// orderByWorkload sorts ascending by workload, breaking ties by id so
// assignment is deterministic.
func orderByWorkload(workers []workerLoad) []workerLoad {
	ordered := make([]workerLoad, len(workers))
	copy(ordered, workers)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Workload != ordered[j].Workload {
			return ordered[i].Workload < ordered[j].Workload
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// assignShards maps shard index to worker id, least-loaded workers first and
// wrapping round-robin when there are more shards than workers.
func assignShards(shardCount int, workers []workerLoad) []string {
	if len(workers) == 0 {
		return nil
	}
	ordered := orderByWorkload(workers)
	assigned := make([]string, shardCount)
	for i := 0; i < shardCount; i++ {
		assigned[i] = ordered[i%len(ordered)].ID
	}
	return assigned
}
