package manager

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inpaint-labs/inpaint-runner/pkg/metrics"
)

func encodePNG(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestHandler(t *testing.T) (*HTTPHandler, *Manager) {
	t.Helper()
	m, _ := newTestManager(t, Config{})
	recorder := metrics.NewInpaintRecorder(testLogger())
	exporter := metrics.NewExporter()
	return NewHTTPHandler(testLogger(), m, recorder, exporter), m
}

func TestHandleInpaint(t *testing.T) {
	handler, _ := newTestHandler(t)

	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	body, err := json.Marshal(map[string]any{
		"image":  encodePNG(t, img),
		"mask":   encodePNG(t, mask),
		"prompt": "a cat",
	})
	if err != nil {
		t.Fatal(err)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/inpaint", bytes.NewReader(body)))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
	// The mock backend produces one RGB(10,20,30) pixel in BGR layout; the
	// dimension headers must describe this 1x1 payload, not the 2x2 input.
	if recorder.Header().Get("X-Image-Width") != "1" {
		t.Errorf("unexpected width header %q", recorder.Header().Get("X-Image-Width"))
	}
	if recorder.Header().Get("X-Image-Height") != "1" {
		t.Errorf("unexpected height header %q", recorder.Header().Get("X-Image-Height"))
	}
	if got := recorder.Body.Bytes(); len(got) != 3 || got[0] != 30 {
		t.Errorf("unexpected body %v", got)
	}
}

func TestHandleInpaintBadBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/inpaint", strings.NewReader("not json")))
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", recorder.Code)
	}
}

func TestHandleSwitchUnknownModelIs404(t *testing.T) {
	handler, _ := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/models/switch",
		strings.NewReader(`{"model":"no-such-model"}`)))
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestHandleSwitchSuccess(t *testing.T) {
	handler, m := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/models/switch",
		strings.NewReader(`{"model":"sdxl-inpainting.safetensors"}`)))
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if m.Model() != "sdxl-inpainting.safetensors" {
		t.Errorf("active model is %s", m.Model())
	}
}

func TestHandleStatus(t *testing.T) {
	handler, m := newTestHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status statusResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Model != m.Model() {
		t.Errorf("status model %q, active model %q", status.Model, m.Model())
	}
	if status.Failed {
		t.Error("fresh manager reported as failed")
	}
}

func TestBusyGuardReturns503(t *testing.T) {
	handler, m := newTestHandler(t)

	// Occupy the manager as an in-flight request would.
	m.guard <- struct{}{}
	defer func() { <-m.guard }()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while busy, got %d", recorder.Code)
	}
}
