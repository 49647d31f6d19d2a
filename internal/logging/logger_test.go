// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, closer := NewLogger("info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, closer := NewLogger("debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormat(t *testing.T) {
	// Formato desconhecido deve cair no default (JSON)
	logger, closer := NewLogger("info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
		closer.Close()
	}
}

func TestNewLogger_WritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "server.log")

	logger, closer := NewLogger("info", "json", logFile)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}

	logger.Info("hello from file logger", "key", "value")
	if err := closer.Close(); err != nil {
		t.Fatalf("closing log file: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from file logger") {
		t.Errorf("log file missing entry, got: %q", string(data))
	}
	if !strings.Contains(string(data), `"key":"value"`) {
		t.Errorf("log file missing attribute, got: %q", string(data))
	}
}

func TestNewLogger_BadFilePathFallsBackToStdout(t *testing.T) {
	// Diretório inexistente: loga o warning e segue só com stdout
	logger, closer := NewLogger("info", "json", filepath.Join(t.TempDir(), "missing", "server.log"))
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("still works without file")
}
