package metrics

import (
	"net/http"
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Exporter accumulates counters and serves them in Prometheus text format.
type Exporter struct {
	mu sync.Mutex
	// requests counts completed inpainting requests by model and outcome.
	requests map[[2]string]uint64
	// switches counts model switches by outcome.
	switches map[string]uint64
	// invokeSeconds accumulates total inpainting wall time.
	invokeSeconds float64
	// invokeCount counts inpainting passes.
	invokeCount uint64
}

// Request outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Switch outcomes.
const (
	SwitchOutcomeSuccess  = "success"
	SwitchOutcomeRejected = "rejected"
	SwitchOutcomeRolled   = "rolled_back"
	SwitchOutcomeFatal    = "rollback_failed"
)

// NewExporter creates an empty exporter.
func NewExporter() *Exporter {
	return &Exporter{
		requests: make(map[[2]string]uint64),
		switches: make(map[string]uint64),
	}
}

// CountRequest records one completed inpainting request.
func (e *Exporter) CountRequest(model, outcome string, seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests[[2]string{model, outcome}]++
	e.invokeSeconds += seconds
	e.invokeCount++
}

// CountSwitch records one model switch attempt.
func (e *Exporter) CountSwitch(outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.switches[outcome]++
}

// families renders the counter state as Prometheus metric families.
func (e *Exporter) families() []*dto.MetricFamily {
	e.mu.Lock()
	defer e.mu.Unlock()

	requests := &dto.MetricFamily{
		Name: proto.String("inpaint_requests_total"),
		Help: proto.String("Completed inpainting requests by model and outcome."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	keys := make([][2]string, 0, len(e.requests))
	for key := range e.requests {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, key := range keys {
		requests.Metric = append(requests.Metric, &dto.Metric{
			Label: []*dto.LabelPair{
				{Name: proto.String("model"), Value: proto.String(key[0])},
				{Name: proto.String("outcome"), Value: proto.String(key[1])},
			},
			Counter: &dto.Counter{Value: proto.Float64(float64(e.requests[key]))},
		})
	}

	switches := &dto.MetricFamily{
		Name: proto.String("inpaint_model_switches_total"),
		Help: proto.String("Model switch attempts by outcome."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	outcomes := make([]string, 0, len(e.switches))
	for outcome := range e.switches {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		switches.Metric = append(switches.Metric, &dto.Metric{
			Label: []*dto.LabelPair{
				{Name: proto.String("outcome"), Value: proto.String(outcome)},
			},
			Counter: &dto.Counter{Value: proto.Float64(float64(e.switches[outcome]))},
		})
	}

	seconds := &dto.MetricFamily{
		Name: proto.String("inpaint_invoke_seconds_total"),
		Help: proto.String("Total wall time spent in inpainting passes."),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(e.invokeSeconds)}},
		},
	}
	count := &dto.MetricFamily{
		Name: proto.String("inpaint_invokes_total"),
		Help: proto.String("Total inpainting passes."),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(float64(e.invokeCount))}},
		},
	}

	return []*dto.MetricFamily{requests, switches, seconds, count}
}

// ServeHTTP serves the metrics in Prometheus text exposition format.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	encoder := expfmt.NewEncoder(w, format)
	for _, family := range e.families() {
		if len(family.Metric) == 0 {
			continue
		}
		if err := encoder.Encode(family); err != nil {
			return
		}
	}
}
