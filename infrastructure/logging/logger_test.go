package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
		level   string
		format  string
	}{
		{"json logger", "trustwrapper-gateway", "info", "json"},
		{"text logger", "trustwrapper-gateway", "debug", "text"},
		{"invalid level falls back to info", "trustwrapper-gateway", "not-a-level", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service, tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("service = %v, want %v", logger.service, tt.service)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("gateway", "info", "json")
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-req-1")
	ctx = WithRequestID(ctx, "req-1")

	entry := logger.WithContext(ctx)
	if entry == nil {
		t.Fatal("WithContext() returned nil")
	}
	if entry.Data["service"] != "gateway" {
		t.Errorf("service field = %v, want gateway", entry.Data["service"])
	}
	if entry.Data["trace_id"] != "trace-req-1" {
		t.Errorf("trace_id field = %v, want trace-req-1", entry.Data["trace_id"])
	}
	if entry.Data["request_id"] != "req-1" {
		t.Errorf("request_id field = %v, want req-1", entry.Data["request_id"])
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	logger := New("gateway", "info", "json")
	entry := logger.WithTraceID("trace-req-1")

	if entry.Data["trace_id"] != "trace-req-1" {
		t.Errorf("trace_id = %v, want trace-req-1", entry.Data["trace_id"])
	}
	if entry.Data["service"] != "gateway" {
		t.Errorf("service = %v, want gateway", entry.Data["service"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("gateway", "info", "json")
	fields := map[string]interface{}{
		"risk_grade": "low",
		"confidence": 0.92,
	}

	entry := logger.WithFields(fields)

	if entry.Data["risk_grade"] != "low" {
		t.Errorf("risk_grade = %v, want low", entry.Data["risk_grade"])
	}
	if entry.Data["confidence"] != 0.92 {
		t.Errorf("confidence = %v, want 0.92", entry.Data["confidence"])
	}
	if entry.Data["service"] != "gateway" {
		t.Errorf("service = %v, want gateway", entry.Data["service"])
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("gateway", "info", "json")
	err := errors.New("oracle timeout")

	entry := logger.WithError(err)

	if entry.Data["error"] != "oracle timeout" {
		t.Errorf("error = %v, want oracle timeout", entry.Data["error"])
	}
}

func TestLogger_SetOutput(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}

	logger.SetOutput(buf)
	logger.Logger.Info("gateway started")

	if buf.Len() == 0 {
		t.Error("SetOutput() did not redirect output")
	}
}

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID() returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID() returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "trace-req-1"

	ctx = WithTraceID(ctx, traceID)
	got := GetTraceID(ctx)

	if got != traceID {
		t.Errorf("GetTraceID() = %v, want %v", got, traceID)
	}
}

func TestGetTraceID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "with trace ID",
			ctx:  WithTraceID(context.Background(), "trace-req-1"),
			want: "trace-req-1",
		},
		{
			name: "without trace ID",
			ctx:  context.Background(),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetTraceID(tt.ctx); got != tt.want {
				t.Errorf("GetTraceID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "req-42"

	ctx = WithRequestID(ctx, requestID)
	got := GetRequestID(ctx)

	if got != requestID {
		t.Errorf("GetRequestID() = %v, want %v", got, requestID)
	}
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "with request ID",
			ctx:  WithRequestID(context.Background(), "req-42"),
			want: "req-42",
		},
		{
			name: "without request ID",
			ctx:  context.Background(),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetRequestID(tt.ctx); got != tt.want {
				t.Errorf("GetRequestID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithService(t *testing.T) {
	ctx := context.Background()
	service := "trustwrapper-gateway"

	ctx = WithService(ctx, service)
	got := GetService(ctx)

	if got != service {
		t.Errorf("GetService() = %v, want %v", got, service)
	}
}

func TestGetService(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "with service",
			ctx:  WithService(context.Background(), "trustwrapper-gateway"),
			want: "trustwrapper-gateway",
		},
		{
			name: "without service",
			ctx:  context.Background(),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetService(tt.ctx); got != tt.want {
				t.Errorf("GetService() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogger_LogOracleFetch(t *testing.T) {
	logger := New("gateway", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogOracleFetch(ctx, "binance", 15*time.Millisecond, nil)
	if buf.Len() == 0 {
		t.Error("LogOracleFetch() did not write log for success")
	}
	if !contains(buf.String(), "binance") {
		t.Error("output should contain the oracle source name")
	}

	buf.Reset()
	logger.LogOracleFetch(ctx, "binance", 15*time.Millisecond, errors.New("timeout"))
	if buf.Len() == 0 {
		t.Error("LogOracleFetch() did not write log for error")
	}
	if !contains(buf.String(), "timeout") {
		t.Error("output should contain the failure reason")
	}
}

func TestLogger_LogOracleConsensus(t *testing.T) {
	logger := New("gateway", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	t.Run("normal classification logs at debug", func(t *testing.T) {
		buf.Reset()
		logger.LogOracleConsensus(ctx, "BTC/USDT", 3, 0.97, "normal", 4*time.Millisecond)
		if !contains(buf.String(), "BTC/USDT") {
			t.Error("output should contain the pair")
		}
		if !contains(buf.String(), `"level":"debug"`) {
			t.Error("expected debug level in normal consensus output")
		}
	})

	t.Run("manipulation classification logs a warning", func(t *testing.T) {
		buf.Reset()
		logger.LogOracleConsensus(ctx, "BTC/USDT", 3, 0.4, "suspected_manipulation", 4*time.Millisecond)
		if !contains(buf.String(), "warning") {
			t.Error("expected warning level in degraded consensus output")
		}
	})
}

func TestLogger_LogVerification(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	logger.LogVerification(ctx, "req-1", "trading_decision", "verified", 12*time.Millisecond)

	if buf.Len() == 0 {
		t.Error("LogVerification() did not write log")
	}
	if !contains(buf.String(), "verified") {
		t.Error("output should contain the result status")
	}
}

func TestLogger_LogCacheLookup(t *testing.T) {
	logger := New("gateway", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	logger.LogCacheLookup(ctx, "fp-abc123", true)

	if buf.Len() == 0 {
		t.Error("LogCacheLookup() did not write log")
	}
	if !contains(buf.String(), "fp-abc123") {
		t.Error("output should contain the fingerprint")
	}
}

func TestLogger_LogAttestation(t *testing.T) {
	logger := New("gateway", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()

	logger.LogAttestation(ctx, "req-1", nil)
	if buf.Len() == 0 {
		t.Error("LogAttestation() did not write log for success")
	}

	buf.Reset()
	logger.LogAttestation(ctx, "req-1", errors.New("salt exhausted"))
	if !contains(buf.String(), "salt exhausted") {
		t.Error("output should contain the failure reason")
	}
}

func TestLogger_Info(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	fields := map[string]interface{}{"risk_grade": "low"}

	logger.Info(ctx, "verification complete", fields)

	if buf.Len() == 0 {
		t.Error("Info() did not write log")
	}
}

func TestLogger_Error(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	err := errors.New("oracle manipulation detected")
	fields := map[string]interface{}{"pair": "BTC/USDT"}

	logger.Error(ctx, "verification failed", err, fields)

	if buf.Len() == 0 {
		t.Error("Error() did not write log")
	}
}

func TestLogger_Warn(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	fields := map[string]interface{}{"oracle_health": 0.4}

	logger.Warn(ctx, "oracle health degraded", fields)

	if buf.Len() == 0 {
		t.Error("Warn() did not write log")
	}
}

func TestLogger_Debug(t *testing.T) {
	logger := New("gateway", "debug", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	ctx := context.Background()
	fields := map[string]interface{}{"fingerprint": "fp-abc123"}

	logger.Debug(ctx, "cache miss", fields)

	if buf.Len() == 0 {
		t.Error("Debug() did not write log")
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logLevel logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("gateway", tt.level, "json")
			if logger.Logger.Level != tt.logLevel {
				t.Errorf("Level = %v, want %v", logger.Logger.Level, tt.logLevel)
			}
		})
	}
}

func TestLogger_JSONFormatter(t *testing.T) {
	logger := New("gateway", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("verification completed")

	output := buf.String()
	if output == "" {
		t.Error("JSON formatter did not produce output")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"`)) {
		t.Error("Output does not appear to be JSON")
	}
}

func TestLogger_TextFormatter(t *testing.T) {
	logger := New("gateway", "info", "text")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	logger.Logger.Info("verification completed")

	if buf.Len() == 0 {
		t.Error("Text formatter did not produce output")
	}
}

func contains(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}
