package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLevel(%q) error = %v, want error %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"model":"rna"`},
		{"text", "model=rna"},
		{"pretty", "model=rna"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, "info", tt.format)
		if err != nil {
			t.Fatalf("Setup(%s): %v", tt.format, err)
		}
		log.Debug("hidden")
		log.Info("loaded", "model", "rna")
		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("%s: debug record written at info level: %s", tt.format, out)
		}
		if !strings.Contains(out, "loaded") || !strings.Contains(out, tt.want) {
			t.Errorf("%s: output %q lacks %q", tt.format, out, tt.want)
		}
	}
	if _, err := Setup(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
	if _, err := Setup(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestEnabled(t *testing.T) {
	t.Parallel()
	log := JSON(&bytes.Buffer{}, slog.LevelWarn)
	if log.Enabled(slog.LevelInfo) || !log.Enabled(slog.LevelError) {
		t.Fatal("Enabled does not follow the handler level")
	}
	if Discard().Enabled(slog.LevelError) {
		t.Fatal("Discard should not enable any level")
	}
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "loader").WithGroup("tensor")
	log.Info("copied", "name", "norm_f.weight")
	out := buf.String()
	for _, want := range []string{`"component":"loader"`, `"tensor":{"name":"norm_f.weight"}`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s lacks %s", out, want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from ctx")
	if !strings.Contains(buf.String(), "from ctx") {
		t.Fatalf("logger not recovered from context: %q", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestPrettyHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.With("run", 1).WithGroup("cache").Debug("allocated", "layers", 24, "dtype", "bf16", "note", "two words")

	out := buf.String()
	for _, want := range []string{"DEBUG", "allocated", "run=1", "cache.layers=24", "cache.dtype=bf16", `cache.note="two words"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q lacks %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"simple":    false,
		"":          false,
		"has space": true,
		"a=b":       true,
		`q"uote`:    true,
		"tab\there": true,
	} {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", in, got, want)
		}
	}
}
