package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func textLogger(level slog.Level) (*SlogLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewText(&buf, level), &buf
}

func TestSlogLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(Logger)
		level string
	}{
		{"debug", func(l Logger) { l.Debug(context.Background(), "poll", "state", "idle") }, "DEBUG"},
		{"info", func(l Logger) { l.Info(context.Background(), "poll", "state", "idle") }, "INFO"},
		{"warn", func(l Logger) { l.Warn(context.Background(), "poll", "state", "idle") }, "WARN"},
		{"error", func(l Logger) { l.Error(context.Background(), "poll", "state", "idle") }, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := textLogger(slog.LevelDebug)
			tt.log(l)
			assert.Contains(t, buf.String(), "level="+tt.level)
			assert.Contains(t, buf.String(), "msg=poll")
			assert.Contains(t, buf.String(), "state=idle")
		})
	}
}

func TestSlogLogger_FiltersBelowLevel(t *testing.T) {
	l, buf := textLogger(slog.LevelWarn)
	l.Info(context.Background(), "saved")
	l.Warn(context.Background(), "save queued")

	assert.NotContains(t, buf.String(), "msg=saved")
	assert.Contains(t, buf.String(), `msg="save queued"`)
}

func TestSlogLogger_With(t *testing.T) {
	l, buf := textLogger(slog.LevelInfo)
	l.With("family_id", "fam-A").With("provider", "local").Info(context.Background(), "saved", "bytes", 12)

	for _, want := range []string{"family_id=fam-A", "provider=local", "bytes=12"} {
		assert.Contains(t, buf.String(), want)
	}
}

func TestSlogLogger_ContextAttributes(t *testing.T) {
	l, buf := textLogger(slog.LevelInfo)

	ctx := ContextWith(context.Background(), "request_id", "r1")
	ctx = ContextWith(ctx, "family_id", "fam-A")
	l.Info(ctx, "lookup", "status", 200)

	out := buf.String()
	assert.Contains(t, out, "request_id=r1")
	assert.Contains(t, out, "family_id=fam-A")
	assert.Contains(t, out, "status=200")

	buf.Reset()
	l.Info(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestContextWith_DoesNotAliasParent(t *testing.T) {
	base := ContextWith(context.Background(), "a", 1)
	left := ContextWith(base, "b", 2)
	right := ContextWith(base, "c", 3)

	assert.Equal(t, []any{"a", 1}, fromContext(base))
	assert.Equal(t, []any{"a", 1, "b", 2}, fromContext(left))
	assert.Equal(t, []any{"a", 1, "c", 3}, fromContext(right))
	assert.Same(t, base, ContextWith(base))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, slog.LevelInfo)

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "saved", "bytes", 512)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"saved"`)
	assert.Contains(t, buf.String(), `"bytes":512`)
}

func TestNop(t *testing.T) {
	var l Logger = Nop()
	assert.NotPanics(t, func() {
		l.With("k", "v").Info(context.Background(), "ignored")
		l.Error(context.Background(), "ignored")
	})
}
