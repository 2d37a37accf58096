package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/omeyang/gatekit/pkg/guard/xguard"
)

const testConfig = `
policies:
  - class: auth:signin
    limit: 3
    window: 30s
    fail_mode: closed
  - class: default
    limit: 50
    window: 1m
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCreateApp(t *testing.T) {
	app := createApp()
	if app.Name != "xguardctl" {
		t.Errorf("Name = %q", app.Name)
	}

	wantCommands := []string{"validate", "inspect", "reset", "unlock"}
	for _, name := range wantCommands {
		found := false
		for _, cmd := range app.Commands {
			if cmd.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q missing", name)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfigFile(t, testConfig)
		err := createApp().Run(context.Background(), []string{"xguardctl", "-c", path, "validate"})
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	})

	t.Run("missing config flag", func(t *testing.T) {
		err := createApp().Run(context.Background(), []string{"xguardctl", "validate"})
		var usageErr *usageError
		if !errors.As(err, &usageErr) {
			t.Errorf("err = %v, want usageError", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		path := writeConfigFile(t, "policies:\n  - class: default\n    limit: -5\n    window: 1m\n")
		err := createApp().Run(context.Background(), []string{"xguardctl", "-c", path, "validate"})
		if !errors.Is(err, xguard.ErrInvalidPolicy) {
			t.Errorf("err = %v, want ErrInvalidPolicy", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		err := createApp().Run(context.Background(), []string{"xguardctl", "-c", "/nonexistent/guard.yaml", "validate"})
		if err == nil {
			t.Error("expected read error")
		}
	})
}

func TestKeyCommandArgValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"inspect no args", []string{"xguardctl", "inspect"}, "三个参数"},
		{"inspect too few", []string{"xguardctl", "inspect", "ip", "203.0.113.7"}, "三个参数"},
		{"reset too many", []string{"xguardctl", "reset", "ip", "203.0.113.7", "auth:signin", "extra"}, "三个参数"},
		{"unlock bad scope", []string{"xguardctl", "unlock", "tenant", "t1", "auth:signin"}, "scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := createApp().Run(context.Background(), tt.args)
			var usageErr *usageError
			if !errors.As(err, &usageErr) {
				t.Fatalf("err = %v, want usageError", err)
			}
			if !strings.Contains(usageErr.Error(), tt.want) {
				t.Errorf("message %q does not mention %q", usageErr.Error(), tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr by default", func(t *testing.T) {
		if newLogger("") == nil {
			t.Error("expected a logger")
		}
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "guardctl.log")
		logger := newLogger(path)
		logger.Info("probe")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("log file not created: %v", err)
		}
	})
}
