package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for requests and the job pipeline.
// In-memory only; counters reset on restart.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsSubmitted = make(map[string]int64)
	jobsFinished  = make(map[jobKey]int64)

	stageMsSum   = make(map[string]int64)
	stageMsCount = make(map[string]int64)
	stageRetries = make(map[string]int64)

	retentionJobsDeleted int64
	broadcastDropped     int64
	queueDepth           int64

	jobCounts func() map[string]int
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type jobKey struct {
	Status string
	Kind   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobSubmitted counts an accepted submission for a model.
func RecordJobSubmitted(model string) {
	mu.Lock()
	defer mu.Unlock()
	jobsSubmitted[model]++
}

// RecordJobFinished counts a job reaching a terminal status. kind is the
// error kind for failed jobs and empty otherwise.
func RecordJobFinished(status, kind string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinished[jobKey{Status: status, Kind: kind}]++
}

// RecordStageDuration records the wall time of one stage attempt.
func RecordStageDuration(stage string, ms int64) {
	mu.Lock()
	defer mu.Unlock()
	stageMsSum[stage] += ms
	stageMsCount[stage]++
}

// RecordStageRetry counts a retried stage attempt.
func RecordStageRetry(stage string) {
	mu.Lock()
	defer mu.Unlock()
	stageRetries[stage]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// RecordBroadcastDrop counts an event dropped from a slow subscriber.
func RecordBroadcastDrop() {
	mu.Lock()
	defer mu.Unlock()
	broadcastDropped++
}

// SetQueueDepth records the number of jobs waiting for the dispatcher.
func SetQueueDepth(n int) {
	mu.Lock()
	defer mu.Unlock()
	queueDepth = int64(n)
}

// SetJobCounter registers the source of the jobs-by-status gauge. It is
// read on every Export.
func SetJobCounter(fn func() map[string]int) {
	mu.Lock()
	defer mu.Unlock()
	jobCounts = fn
}

// Export returns Prometheus-style metrics text.
func Export() string {
	// Read job counts before taking mu; the source has its own lock.
	mu.RLock()
	countFn := jobCounts
	mu.RUnlock()
	var counts map[string]int
	if countFn != nil {
		counts = countFn()
	}

	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP murmur_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE murmur_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "murmur_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP murmur_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE murmur_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP murmur_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE murmur_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "murmur_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "murmur_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP murmur_jobs_submitted_total Jobs accepted for transcription by model\n")
	b.WriteString("# TYPE murmur_jobs_submitted_total counter\n")
	for _, m := range sortedKeys(jobsSubmitted) {
		fmt.Fprintf(&b, "murmur_jobs_submitted_total{model=\"%s\"} %d\n", m, jobsSubmitted[m])
	}

	b.WriteString("# HELP murmur_jobs_finished_total Jobs reaching a terminal status\n")
	b.WriteString("# TYPE murmur_jobs_finished_total counter\n")
	var jobKeys []jobKey
	for k := range jobsFinished {
		jobKeys = append(jobKeys, k)
	}
	sort.Slice(jobKeys, func(i, j int) bool {
		if jobKeys[i].Status != jobKeys[j].Status {
			return jobKeys[i].Status < jobKeys[j].Status
		}
		return jobKeys[i].Kind < jobKeys[j].Kind
	})
	for _, k := range jobKeys {
		fmt.Fprintf(&b, "murmur_jobs_finished_total{status=\"%s\",kind=\"%s\"} %d\n",
			k.Status, k.Kind, jobsFinished[k])
	}

	b.WriteString("# HELP murmur_stage_duration_ms_sum Total stage duration in milliseconds\n")
	b.WriteString("# TYPE murmur_stage_duration_ms_sum counter\n")
	b.WriteString("# HELP murmur_stage_duration_ms_count Stage attempt count for duration metric\n")
	b.WriteString("# TYPE murmur_stage_duration_ms_count counter\n")
	for _, s := range sortedKeys(stageMsSum) {
		fmt.Fprintf(&b, "murmur_stage_duration_ms_sum{stage=\"%s\"} %d\n", s, stageMsSum[s])
		fmt.Fprintf(&b, "murmur_stage_duration_ms_count{stage=\"%s\"} %d\n", s, stageMsCount[s])
	}

	b.WriteString("# HELP murmur_stage_retries_total Stage attempts retried after a transient failure\n")
	b.WriteString("# TYPE murmur_stage_retries_total counter\n")
	for _, s := range sortedKeys(stageRetries) {
		fmt.Fprintf(&b, "murmur_stage_retries_total{stage=\"%s\"} %d\n", s, stageRetries[s])
	}

	b.WriteString("# HELP murmur_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE murmur_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "murmur_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	b.WriteString("# HELP murmur_broadcast_events_dropped_total Progress events dropped for slow subscribers\n")
	b.WriteString("# TYPE murmur_broadcast_events_dropped_total counter\n")
	fmt.Fprintf(&b, "murmur_broadcast_events_dropped_total %d\n", broadcastDropped)

	b.WriteString("# HELP murmur_queue_depth Jobs waiting for the dispatcher\n")
	b.WriteString("# TYPE murmur_queue_depth gauge\n")
	fmt.Fprintf(&b, "murmur_queue_depth %d\n", queueDepth)

	if countFn != nil {
		b.WriteString("# HELP murmur_jobs Jobs currently held, by status\n")
		b.WriteString("# TYPE murmur_jobs gauge\n")
		statuses := make([]string, 0, len(counts))
		for st := range counts {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			fmt.Fprintf(&b, "murmur_jobs{status=\"%s\"} %d\n", st, counts[st])
		}
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
