package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log.WithField("component", "metrics-test")
}

func TestRecorderRoundTrip(t *testing.T) {
	recorder := NewInpaintRecorder(testLogger())

	req := httptest.NewRequest(http.MethodPost, "/inpaint", nil)
	id := recorder.RecordRequest("sd-v1-5", req, []byte(`{"prompt":"a cat"}`))

	rw := recorder.NewResponseRecorder(httptest.NewRecorder())
	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write([]byte("bgr-bytes")); err != nil {
		t.Fatal(err)
	}
	recorder.RecordResponse(id, "sd-v1-5", rw)

	records := recorder.GetRecords("sd-v1-5")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	record := records[0]
	if record.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", record.StatusCode)
	}
	if record.ResponseBytes != len("bgr-bytes") {
		t.Errorf("expected %d response bytes, got %d", len("bgr-bytes"), record.ResponseBytes)
	}
	if record.Request != `{"prompt":"a cat"}` {
		t.Errorf("unexpected recorded request: %s", record.Request)
	}
}

func TestRecorderBounded(t *testing.T) {
	recorder := NewInpaintRecorder(testLogger())
	req := httptest.NewRequest(http.MethodPost, "/inpaint", nil)

	for i := 0; i < recordsPerModel+5; i++ {
		recorder.RecordRequest("sd-v1-5", req, nil)
	}
	if got := len(recorder.GetRecords("sd-v1-5")); got != recordsPerModel {
		t.Errorf("expected log bounded at %d records, got %d", recordsPerModel, got)
	}
}

func TestExporterExposition(t *testing.T) {
	exporter := NewExporter()
	exporter.CountRequest("sd-v1-5", OutcomeSuccess, 1.5)
	exporter.CountRequest("sd-v1-5", OutcomeError, 0.1)
	exporter.CountSwitch(SwitchOutcomeSuccess)

	recorder := httptest.NewRecorder()
	exporter.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := recorder.Body.String()
	for _, expected := range []string{
		`inpaint_requests_total{model="sd-v1-5",outcome="error"} 1`,
		`inpaint_requests_total{model="sd-v1-5",outcome="success"} 1`,
		`inpaint_model_switches_total{outcome="success"} 1`,
		`inpaint_invoke_seconds_total 1.6`,
		`inpaint_invokes_total 2`,
	} {
		if !strings.Contains(body, expected) {
			t.Errorf("exposition missing %q:\n%s", expected, body)
		}
	}
}
