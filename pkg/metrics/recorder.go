// Package metrics records inpainting request activity: a bounded
// per-model log of recent requests for debugging, and Prometheus counters
// exposed in text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// recordsPerModel bounds the per-model request log.
const recordsPerModel = 10

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

func (rr *responseRecorder) WriteHeader(statusCode int) {
	rr.statusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

// RequestRecord is one recorded inpainting request. Response bodies are
// binary image data, so only their size is kept.
type RequestRecord struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Request       string    `json:"request"`
	Timestamp     time.Time `json:"timestamp"`
	StatusCode    int       `json:"status_code"`
	ResponseBytes int       `json:"response_bytes"`
	DurationMS    int64     `json:"duration_ms"`
}

// InpaintRecorder keeps the last few request/response pairs per model.
type InpaintRecorder struct {
	log     logging.Logger
	records map[string][]*RequestRecord
	m       sync.RWMutex
}

// NewInpaintRecorder creates an empty recorder.
func NewInpaintRecorder(log logging.Logger) *InpaintRecorder {
	return &InpaintRecorder{
		log:     log,
		records: make(map[string][]*RequestRecord),
	}
}

// RecordRequest logs an incoming request and returns the record id to pass to
// RecordResponse. body is the request's reconciliation envelope, not the
// image payload.
func (r *InpaintRecorder) RecordRequest(model string, req *http.Request, body []byte) string {
	r.m.Lock()
	defer r.m.Unlock()

	recordID := fmt.Sprintf("%s_%d", model, time.Now().UnixNano())
	record := &RequestRecord{
		ID:        recordID,
		Model:     model,
		Method:    req.Method,
		URL:       req.URL.Path,
		Request:   string(body),
		Timestamp: time.Now(),
	}

	r.records[model] = append(r.records[model], record)
	if len(r.records[model]) > recordsPerModel {
		r.records[model] = r.records[model][1:]
	}
	return recordID
}

// NewResponseRecorder wraps w so that the response status and size can be
// captured for RecordResponse.
func (r *InpaintRecorder) NewResponseRecorder(w http.ResponseWriter) http.ResponseWriter {
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// RecordResponse completes the record identified by id with the response
// outcome. rw must be a writer returned by NewResponseRecorder.
func (r *InpaintRecorder) RecordResponse(id, model string, rw http.ResponseWriter) {
	rr, ok := rw.(*responseRecorder)
	if !ok {
		return
	}

	r.m.Lock()
	defer r.m.Unlock()

	records, exists := r.records[model]
	if !exists {
		r.log.Errorf("Model %s not found in records - %d", model, rr.statusCode)
		return
	}
	for _, record := range records {
		if record.ID == id {
			record.StatusCode = rr.statusCode
			record.ResponseBytes = rr.bytes
			record.DurationMS = time.Since(record.Timestamp).Milliseconds()
			return
		}
	}
	r.log.Errorf("Matching request (id=%s) not found for model %s - %d", id, model, rr.statusCode)
}

// GetRecords returns the recorded requests for one model, most recent last.
func (r *InpaintRecorder) GetRecords(model string) []*RequestRecord {
	r.m.RLock()
	defer r.m.RUnlock()
	out := make([]*RequestRecord, len(r.records[model]))
	copy(out, r.records[model])
	return out
}

// GetRecordsHandler serves the request log as JSON, optionally filtered by
// the "model" query parameter.
func (r *InpaintRecorder) GetRecordsHandler(w http.ResponseWriter, req *http.Request) {
	r.m.RLock()
	defer r.m.RUnlock()

	var payload any
	if model := req.URL.Query().Get("model"); model != "" {
		payload = r.records[model]
	} else {
		payload = r.records
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.log.Errorf("Failed to encode request records: %v", err)
	}
}
