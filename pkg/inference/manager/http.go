package manager

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/inpaint-labs/inpaint-runner/pkg/inference"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
	"github.com/inpaint-labs/inpaint-runner/pkg/metrics"
)

// HTTPHandler exposes the manager over HTTP. The manager itself is not safe
// for concurrent use, so every state-touching route funnels through the
// manager's guard; a second concurrent request gets 503 rather than queueing
// behind a multi-minute model load.
type HTTPHandler struct {
	// log is the associated logger.
	log logging.Logger
	// manager is the underlying lifecycle manager.
	manager *Manager
	// recorder logs recent requests per model. May be nil.
	recorder *metrics.InpaintRecorder
	// exporter accumulates Prometheus counters. May be nil.
	exporter *metrics.Exporter
	// router dispatches requests.
	router *http.ServeMux
}

// NewHTTPHandler creates an HTTP layer over the manager.
func NewHTTPHandler(log logging.Logger, m *Manager, recorder *metrics.InpaintRecorder, exporter *metrics.Exporter) *HTTPHandler {
	h := &HTTPHandler{
		log:      log,
		manager:  m,
		recorder: recorder,
		exporter: exporter,
		router:   http.NewServeMux(),
	}
	h.router.HandleFunc("POST /inpaint", h.handleInpaint)
	h.router.HandleFunc("POST /models/switch", h.handleSwitch)
	h.router.HandleFunc("GET /status", h.handleStatus)
	if recorder != nil {
		h.router.HandleFunc("GET /inpaint/requests", recorder.GetRecordsHandler)
	}
	return h
}

// GetRoutes returns the routes the handler serves.
func (h *HTTPHandler) GetRoutes() []string {
	routes := []string{
		"POST /inpaint",
		"POST /models/switch",
		"GET /status",
	}
	if h.recorder != nil {
		routes = append(routes, "GET /inpaint/requests")
	}
	return routes
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// acquire takes the manager guard without blocking. It returns false after
// writing a 503 when another request holds the manager.
func (h *HTTPHandler) acquire(w http.ResponseWriter) bool {
	select {
	case h.manager.guard <- struct{}{}:
		return true
	default:
		http.Error(w, "manager is busy with another request", http.StatusServiceUnavailable)
		return false
	}
}

func (h *HTTPHandler) release() {
	<-h.manager.guard
}

// inpaintPayload is the wire form of an inpainting request: the
// reconciliation envelope plus base64-encoded image and mask.
type inpaintPayload struct {
	inference.InpaintRequest
	Image string `json:"image"`
	Mask  string `json:"mask"`
}

func (h *HTTPHandler) handleInpaint(w http.ResponseWriter, r *http.Request) {
	if !h.acquire(w) {
		return
	}
	defer h.release()

	var payload inpaintPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	img, err := decodeImage(payload.Image)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid image: %v", err), http.StatusBadRequest)
		return
	}
	mask, err := decodeMask(payload.Mask)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid mask: %v", err), http.StatusBadRequest)
		return
	}

	model := h.manager.Model()
	var recordID string
	if h.recorder != nil {
		envelope, _ := json.Marshal(payload.InpaintRequest)
		recordID = h.recorder.RecordRequest(model, r, envelope)
		w = h.recorder.NewResponseRecorder(w)
		defer func() { h.recorder.RecordResponse(recordID, model, w) }()
	}

	started := time.Now()
	result, err := h.manager.Invoke(r.Context(), img, mask, &payload.InpaintRequest)
	if h.exporter != nil {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
		}
		h.exporter.CountRequest(model, outcome, time.Since(started).Seconds())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The dimension headers describe the payload, which the pipeline may have
	// resized relative to the input.
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Image-Width", strconv.Itoa(result.Width))
	w.Header().Set("X-Image-Height", strconv.Itoa(result.Height))
	if _, err := w.Write(result.BGR); err != nil {
		h.log.Warnf("Error writing inpaint response: %v", err)
	}
}

type switchPayload struct {
	Model string `json:"model"`
}

func (h *HTTPHandler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if !h.acquire(w) {
		return
	}
	defer h.release()

	var payload switchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if payload.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	err := h.manager.Switch(r.Context(), payload.Model)
	if h.exporter != nil {
		h.exporter.CountSwitch(switchOutcome(err))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func switchOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.SwitchOutcomeSuccess
	case errors.Is(err, inference.ErrUnsupportedModel):
		return metrics.SwitchOutcomeRejected
	default:
		var rollback *RollbackError
		if errors.As(err, &rollback) {
			return metrics.SwitchOutcomeFatal
		}
		return metrics.SwitchOutcomeRolled
	}
}

// statusResponse is the wire form of GET /status.
type statusResponse struct {
	Model             string `json:"model"`
	Backend           string `json:"backend"`
	Device            string `json:"device"`
	ControlNetEnabled bool   `json:"controlnet_enabled"`
	ControlNetMethod  string `json:"controlnet_method,omitempty"`
	LoraState         string `json:"lora_state"`
	Failed            bool   `json:"failed"`
	Error             string `json:"error,omitempty"`
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if !h.acquire(w) {
		return
	}
	defer h.release()

	m := h.manager
	status := statusResponse{
		Model:  m.Model(),
		Device: string(m.activeDevice),
		Failed: m.Failed(),
	}
	status.ControlNetEnabled, status.ControlNetMethod = m.ControlNetState()
	if m.backend != nil {
		status.Backend = m.backend.Name()
		status.LoraState = m.backend.LoraState().String()
	}
	if m.fatal != nil {
		status.Error = m.fatal.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.log.Errorf("Failed to encode status: %v", err)
	}
}

// writeError maps manager errors to HTTP statuses: unknown models are 404,
// a latched fatal state is 500 with a replacement hint, everything else 500.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inference.ErrUnsupportedModel):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrManagerFailed):
		http.Error(w, err.Error()+" (restart the runner to recover)", http.StatusInternalServerError)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// decodeImage decodes a base64-encoded PNG or JPEG.
func decodeImage(data string) (image.Image, error) {
	if data == "" {
		return nil, errors.New("missing image data")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

// decodeMask decodes a base64-encoded mask image to single-channel form.
func decodeMask(data string) (*image.Gray, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray, nil
}
