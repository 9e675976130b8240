package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.DebugLevel)

	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/schedule", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["error"] == "" {
		t.Error("missing error message")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.InfoLevel)

	handler := RequestLogger(zap.New(core), "/metrics")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/metrics", "/schedule", "/missing"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := buf.String()
	if strings.Contains(out, `"path":"/metrics"`) {
		t.Error("quiet path logged at info level")
	}
	if !strings.Contains(out, `"path":"/schedule"`) {
		t.Error("request not logged")
	}
	if !strings.Contains(out, `"status":404`) || !strings.Contains(out, "request rejected") {
		t.Errorf("rejected request not logged as warning: %s", out)
	}
}
