package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNew_WritesJSONLinesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(Config{Level: "info", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hello", zap.String("k", "v"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output to be written")
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "not-a-level", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatal("expected a usable logger even with an invalid level string")
	}
}

func TestWithContext_AttachesSessionAndRequestIDFields(t *testing.T) {
	l, err := New(Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.WithValue(context.Background(), SessionIDKey, "sess_1")
	ctx = context.WithValue(ctx, RequestIDKey, "req_1")

	child := l.WithContext(ctx)
	if child == l {
		t.Fatal("expected WithContext to return a distinct child logger when values are present")
	}
}

func TestWithContext_NoValuesReturnsSameLogger(t *testing.T) {
	l, err := New(Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := l.WithContext(context.Background()); got != l {
		t.Fatal("expected WithContext with no attached values to return the receiver unchanged")
	}
}

func TestSetDefaultAndDefault_RoundTrip(t *testing.T) {
	l, err := New(Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	SetDefault(l)
	if Default() != l {
		t.Fatal("expected Default() to return the logger passed to SetDefault")
	}
}

func TestWithError_AttachesErrorField(t *testing.T) {
	l, err := New(Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := l.WithError(context.DeadlineExceeded)
	if child == l {
		t.Fatal("expected WithError to return a distinct child logger")
	}
}
