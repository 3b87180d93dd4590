package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// director switches, source liveness, bridge operations, relay sessions and
// fan-out throughput. Writers coordinate through a RWMutex; the gauges use
// atomics so hot paths avoid the lock.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	switchEvents    map[string]uint64
	departureEvents map[string]uint64
	bridgeAttempts  map[string]uint64
	bridgeFailures  map[string]uint64
	bridgeHealth    map[string]float64
	bridgeState     map[string]string
	fanoutMessages  map[string]uint64
	fanoutDelivered map[string]uint64
	heartbeats      atomic.Uint64
	activeSources   atomic.Int64
	relaySessions   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		switchEvents:    make(map[string]uint64),
		departureEvents: make(map[string]uint64),
		bridgeAttempts:  make(map[string]uint64),
		bridgeFailures:  make(map[string]uint64),
		bridgeHealth:    make(map[string]float64),
		bridgeState:     make(map[string]string),
		fanoutMessages:  make(map[string]uint64),
		fanoutDelivered: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSwitch records the outcome of a director selection attempt
// (e.g. "committed", "rejected_role", "rejected_unavailable").
func (r *Recorder) ObserveSwitch(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.switchEvents[normalized]++
	r.mu.Unlock()
}

// ObserveHeartbeat counts one received liveness heartbeat.
func (r *Recorder) ObserveHeartbeat() {
	r.heartbeats.Add(1)
}

// ObserveDeparture records a source departure keyed by reason.
func (r *Recorder) ObserveDeparture(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.departureEvents[normalized]++
	r.mu.Unlock()
}

// SourceJoined increments the active source gauge.
func (r *Recorder) SourceJoined() {
	r.activeSources.Add(1)
}

// SourceLeft decrements the active source gauge, guarding against negative
// counts when updates race.
func (r *Recorder) SourceLeft() {
	r.decrementGauge(&r.activeSources)
}

// ActiveSources exposes the current gauge of joined, non-departed sources.
func (r *Recorder) ActiveSources() int64 {
	return r.activeSources.Load()
}

// ObserveBridgeAttempt records a bridge operation attempt keyed by operation
// name (e.g. "start", "update_layout", "stop").
func (r *Recorder) ObserveBridgeAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.bridgeAttempts[op]++
	r.mu.Unlock()
}

// ObserveBridgeFailure records a failed bridge operation keyed by operation
// name. The caller should also record the attempt separately.
func (r *Recorder) ObserveBridgeFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.bridgeFailures[op]++
	r.mu.Unlock()
}

// SetBridgeHealth stores the health reported by a bridge dependency
// (1=ok, 0=disabled, -1=degraded).
func (r *Recorder) SetBridgeHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.bridgeHealth[normalizedService] = value
	r.bridgeState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// BridgeCounts returns copies of bridge attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) BridgeCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.bridgeAttempts))
	for k, v := range r.bridgeAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.bridgeFailures))
	for k, v := range r.bridgeFailures {
		failures[k] = v
	}
	return attempts, failures
}

// RelaySessionStarted increments the streaming ingest session gauge.
func (r *Recorder) RelaySessionStarted() {
	r.relaySessions.Add(1)
}

// RelaySessionEnded decrements the streaming ingest session gauge.
func (r *Recorder) RelaySessionEnded() {
	r.decrementGauge(&r.relaySessions)
}

// RelaySessions exposes the current number of streaming ingest sessions.
func (r *Recorder) RelaySessions() int64 {
	return r.relaySessions.Load()
}

// ObserveFanout records one control message broadcast and how many
// subscribers actually received it.
func (r *Recorder) ObserveFanout(messageType string, delivered int) {
	normalized := normalizeName(messageType)
	r.mu.Lock()
	r.fanoutMessages[normalized]++
	if delivered > 0 {
		r.fanoutDelivered[normalized] += uint64(delivered)
	}
	r.mu.Unlock()
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.switchEvents = make(map[string]uint64)
	r.departureEvents = make(map[string]uint64)
	r.bridgeAttempts = make(map[string]uint64)
	r.bridgeFailures = make(map[string]uint64)
	r.bridgeHealth = make(map[string]float64)
	r.bridgeState = make(map[string]string)
	r.fanoutMessages = make(map[string]uint64)
	r.fanoutDelivered = make(map[string]uint64)
	r.heartbeats.Store(0)
	r.activeSources.Store(0)
	r.relaySessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets so
// scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	switchEvents := sortedKeys(r.switchEvents)
	departureEvents := sortedKeys(r.departureEvents)
	bridgeOps := r.sortedBridgeOperations()
	bridgeServices := sortedFloatKeys(r.bridgeHealth)
	fanoutTypes := r.sortedFanoutTypes()

	fmt.Fprintln(w, "# HELP sportscast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE sportscast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sportscast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP sportscast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE sportscast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sportscast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP sportscast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE sportscast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sportscast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP sportscast_switch_events_total Director selection attempts by outcome")
	fmt.Fprintln(w, "# TYPE sportscast_switch_events_total counter")
	for _, event := range switchEvents {
		fmt.Fprintf(w, "sportscast_switch_events_total{outcome=\"%s\"} %d\n", event, r.switchEvents[event])
	}

	fmt.Fprintln(w, "# HELP sportscast_heartbeats_total Liveness heartbeats received")
	fmt.Fprintln(w, "# TYPE sportscast_heartbeats_total counter")
	fmt.Fprintf(w, "sportscast_heartbeats_total %d\n", r.heartbeats.Load())

	fmt.Fprintln(w, "# HELP sportscast_departures_total Source departures by reason")
	fmt.Fprintln(w, "# TYPE sportscast_departures_total counter")
	for _, event := range departureEvents {
		fmt.Fprintf(w, "sportscast_departures_total{reason=\"%s\"} %d\n", event, r.departureEvents[event])
	}

	fmt.Fprintln(w, "# HELP sportscast_active_sources Current number of joined sources")
	fmt.Fprintln(w, "# TYPE sportscast_active_sources gauge")
	fmt.Fprintf(w, "sportscast_active_sources %d\n", r.activeSources.Load())

	fmt.Fprintln(w, "# HELP sportscast_bridge_health Health reported by bridge dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE sportscast_bridge_health gauge")
	for _, service := range bridgeServices {
		fmt.Fprintf(w, "sportscast_bridge_health{service=\"%s\",status=\"%s\"} %f\n", service, r.bridgeState[service], r.bridgeHealth[service])
	}

	fmt.Fprintln(w, "# HELP sportscast_bridge_attempts_total Bridge operations attempted by action")
	fmt.Fprintln(w, "# TYPE sportscast_bridge_attempts_total counter")
	for _, op := range bridgeOps {
		fmt.Fprintf(w, "sportscast_bridge_attempts_total{operation=\"%s\"} %d\n", op, r.bridgeAttempts[op])
	}

	fmt.Fprintln(w, "# HELP sportscast_bridge_failures_total Bridge operation failures by action")
	fmt.Fprintln(w, "# TYPE sportscast_bridge_failures_total counter")
	for _, op := range bridgeOps {
		fmt.Fprintf(w, "sportscast_bridge_failures_total{operation=\"%s\"} %d\n", op, r.bridgeFailures[op])
	}

	fmt.Fprintln(w, "# HELP sportscast_relay_sessions Current number of streaming ingest sessions")
	fmt.Fprintln(w, "# TYPE sportscast_relay_sessions gauge")
	fmt.Fprintf(w, "sportscast_relay_sessions %d\n", r.relaySessions.Load())

	fmt.Fprintln(w, "# HELP sportscast_fanout_messages_total Control messages broadcast by type")
	fmt.Fprintln(w, "# TYPE sportscast_fanout_messages_total counter")
	for _, event := range fanoutTypes {
		fmt.Fprintf(w, "sportscast_fanout_messages_total{type=\"%s\"} %d\n", event, r.fanoutMessages[event])
	}

	fmt.Fprintln(w, "# HELP sportscast_fanout_deliveries_total Control message deliveries to subscribers by type")
	fmt.Fprintln(w, "# TYPE sportscast_fanout_deliveries_total counter")
	for _, event := range fanoutTypes {
		fmt.Fprintf(w, "sportscast_fanout_deliveries_total{type=\"%s\"} %d\n", event, r.fanoutDelivered[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBridgeOperations() []string {
	seen := make(map[string]struct{}, len(r.bridgeAttempts)+len(r.bridgeFailures))
	for op := range r.bridgeAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.bridgeFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedFanoutTypes() []string {
	seen := make(map[string]struct{}, len(r.fanoutMessages)+len(r.fanoutDelivered))
	for event := range r.fanoutMessages {
		seen[event] = struct{}{}
	}
	for event := range r.fanoutDelivered {
		seen[event] = struct{}{}
	}
	events := make([]string, 0, len(seen))
	for event := range seen {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveSwitch records a selection outcome on the default recorder.
func ObserveSwitch(outcome string) {
	defaultRecorder.ObserveSwitch(outcome)
}

// ObserveHeartbeat counts a heartbeat on the default recorder.
func ObserveHeartbeat() {
	defaultRecorder.ObserveHeartbeat()
}

// ObserveDeparture records a departure on the default recorder.
func ObserveDeparture(reason string) {
	defaultRecorder.ObserveDeparture(reason)
}

// SetBridgeHealth updates bridge health on the default recorder.
func SetBridgeHealth(service, status string) {
	defaultRecorder.SetBridgeHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
