package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func resetLogger() {
	mu.Lock()
	defer mu.Unlock()
	root, helpers = nil, nil
	level.SetLevel(zapcore.InfoLevel)
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"empty format is json", "warn", "", zapcore.WarnLevel, false},
		{"json error", "error", "json", zapcore.ErrorLevel, false},
		{"invalid level", "invalid", "json", 0, true},
		{"invalid format", "info", "logfmt", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if L() != nop {
					t.Error("failed Init must leave the no-op logger in place")
				}
				return
			}
			if GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestInit_FirstCallWins(t *testing.T) {
	resetLogger()

	if err := Init("warn", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	first := L()
	if err := Init("debug", "console"); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	if L() != first {
		t.Error("second Init replaced the logger")
	}
	if GetLevel() != zapcore.WarnLevel {
		t.Errorf("GetLevel() = %v, want WarnLevel", GetLevel())
	}
}

func TestSetLevel(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		name      string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"to debug", "debug", zapcore.DebugLevel, false},
		{"to error", "error", zapcore.ErrorLevel, false},
		{"back to info", "info", zapcore.InfoLevel, false},
		{"invalid", "bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
				return
			}
			if !tt.wantErr && GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestNopBeforeInit(t *testing.T) {
	resetLogger()

	if L() != nop {
		t.Fatal("L() before Init is not the no-op logger")
	}
	// Must not panic.
	Info("dropped")
	Named("gate").Warn("dropped")
	if err := Sync(); err != nil {
		t.Errorf("Sync() before Init error = %v", err)
	}
}

func TestNamedFollowsLevel(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	saga := Named("saga")
	if saga.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug enabled at info level")
	}
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel() error = %v", err)
	}
	if !saga.Core().Enabled(zapcore.DebugLevel) {
		t.Error("existing component logger did not follow SetLevel")
	}

	Debug("test debug")
	Info("test info")
	Warn("test warn")
	Error("test error")
}

func TestLevelHandler(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	handler := LevelHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"error"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	if GetLevel() != zapcore.ErrorLevel {
		t.Errorf("GetLevel() = %v, want ErrorLevel", GetLevel())
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/log/level", nil))
	if !strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("GET body = %s, want level error", w.Body.String())
	}
}
