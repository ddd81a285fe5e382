package logging

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewFromEnv(t *testing.T) {
	savedLevel := os.Getenv("LOG_LEVEL")
	savedFormat := os.Getenv("LOG_FORMAT")
	defer func() {
		if savedLevel != "" {
			os.Setenv("LOG_LEVEL", savedLevel)
		} else {
			os.Unsetenv("LOG_LEVEL")
		}
		if savedFormat != "" {
			os.Setenv("LOG_FORMAT", savedFormat)
		} else {
			os.Unsetenv("LOG_FORMAT")
		}
	}()

	t.Run("defaults when env not set", func(t *testing.T) {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("LOG_FORMAT")

		logger := NewFromEnv("trustwrapper-gateway")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
		if logger.Logger.Level.String() != "info" {
			t.Errorf("level = %v, want info", logger.Logger.Level)
		}
	})

	t.Run("custom level and format", func(t *testing.T) {
		os.Setenv("LOG_LEVEL", "debug")
		os.Setenv("LOG_FORMAT", "text")

		logger := NewFromEnv("trustwrapper-gateway")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
		if logger.Logger.Level.String() != "debug" {
			t.Errorf("level = %v, want debug", logger.Logger.Level)
		}
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		os.Setenv("LOG_LEVEL", "  warn  ")
		os.Setenv("LOG_FORMAT", "  json  ")

		logger := NewFromEnv("trustwrapper-gateway")
		if logger == nil {
			t.Fatal("NewFromEnv() returned nil")
		}
		if logger.Logger.Level.String() != "warning" {
			t.Errorf("level = %v, want warning", logger.Logger.Level)
		}
	})
}

func TestLoggerWithContextIncludesTraceAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gateway", "info", "json")
	logger.SetOutput(&buf)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-99")
	ctx = WithRequestID(ctx, "req-99")

	logger.WithContext(ctx).Info("cache lookup")

	output := buf.String()
	if !strings.Contains(output, "trace-99") {
		t.Error("output should contain trace ID")
	}
	if !strings.Contains(output, "req-99") {
		t.Error("output should contain request ID")
	}
}

func TestWithFieldsNil(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gateway", "info", "json")
	logger.SetOutput(&buf)

	entry := logger.WithFields(nil)
	entry.Info("verification started")

	output := buf.String()
	if !strings.Contains(output, "gateway") {
		t.Error("output should contain service name")
	}
}

func TestLogOracleConsensusInsufficientSources(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gateway", "debug", "json")
	logger.SetOutput(&buf)

	ctx := context.Background()
	logger.LogOracleConsensus(ctx, "ETH/USDT", 1, 0.2, "insufficient_sources", 2*time.Millisecond)

	output := buf.String()
	if !strings.Contains(output, "ETH/USDT") {
		t.Error("output should contain the pair")
	}
	if !strings.Contains(output, "insufficient_sources") {
		t.Error("output should contain the classification")
	}
}

func TestLogCacheLookupMiss(t *testing.T) {
	var buf bytes.Buffer
	logger := New("gateway", "debug", "json")
	logger.SetOutput(&buf)

	ctx := context.Background()
	logger.LogCacheLookup(ctx, "fp-deadbeef", false)

	output := buf.String()
	if !strings.Contains(output, "fp-deadbeef") {
		t.Error("output should contain the fingerprint")
	}
	if !strings.Contains(output, `"hit":false`) {
		t.Error("output should record a cache miss")
	}
}

func TestGetRequestIDWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), RequestIDKey, 42)
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID() = %v, want empty string for non-string value", got)
	}
}
