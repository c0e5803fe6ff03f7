package cmd_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
)

func TestPromptForConfirmation(t *testing.T) {
	// Helper to mock stdin/stdout and run the function
	mockPrompt := func(input string, prompt string, defaultYes bool) (bool, string) {
		// Pipe for stdin
		rIn, wIn, _ := os.Pipe()
		// Pipe for stdout
		rOut, wOut, _ := os.Pipe()

		// Save original stdin/stdout
		origStdin := os.Stdin
		origStdout := os.Stdout
		defer func() {
			os.Stdin = origStdin
			os.Stdout = origStdout
		}()

		// Redirect
		os.Stdin = rIn
		os.Stdout = wOut

		// Write input
		go func() {
			_, _ = wIn.WriteString(input)
			_ = wIn.Close()
		}()

		// Run the function
		result := cmd.PromptForConfirmation(prompt, defaultYes)

		// Close writer to read output
		_ = wOut.Close()
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)

		return result, buf.String()
	}

	tests := []struct {
		name       string
		input      string
		prompt     string
		defaultYes bool
		want       bool
		wantPrompt string
	}{
		{"Explicit Yes", "y\n", "Continue?", false, true, "Continue? [y/N]: "},
		{"Explicit No", "n\n", "Continue?", true, false, "Continue? [Y/n]: "},
		{"Default Yes (Empty)", "\n", "Sure?", true, true, "Sure? [Y/n]: "},
		{"Default No (Empty)", "\n", "Sure?", false, false, "Sure? [y/N]: "},
		{"Case Insensitive", "YES\n", "Go?", false, true, "Go? [y/N]: "},
		{"Whitespace Handling", "   y   \n", "Clean?", false, true, "Clean? [y/N]: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, output := mockPrompt(tt.input, tt.prompt, tt.defaultYes)
			if got != tt.want {
				t.Errorf("promptForConfirmation() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(output, tt.wantPrompt) {
				t.Errorf("Output = %q, want substring %q", output, tt.wantPrompt)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	t.Run("Writes Config File", func(t *testing.T) {
		base := t.TempDir()
		source := filepath.Join(base, "src")
		if err := os.Mkdir(source, 0755); err != nil {
			t.Fatal(err)
		}
		configPath := filepath.Join(base, config.ConfigFileName)

		flagMap := map[string]interface{}{
			"config":   configPath,
			"source":   source,
			"replica":  filepath.Join(base, "dst"),
			"log-file": filepath.Join(base, "mirror.log"),
			"interval": 15,
			"force":    true,
		}
		if err := cmd.RunInit(context.Background(), flagMap); err != nil {
			t.Fatalf("RunInit failed: %v", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			t.Fatalf("generated config could not be loaded: %v", err)
		}
		if cfg.Source != source || cfg.Mirror.IntervalSeconds != 15 {
			t.Errorf("unexpected generated config: source=%q interval=%d", cfg.Source, cfg.Mirror.IntervalSeconds)
		}
	})

	t.Run("Keeps Existing Settings", func(t *testing.T) {
		base := t.TempDir()
		configPath := filepath.Join(base, config.ConfigFileName)
		existing := config.NewDefault()
		existing.Source = t.TempDir()
		existing.Replica = filepath.Join(base, "dst")
		existing.LogFile = filepath.Join(base, "mirror.log")
		existing.Mirror.RetryCount = 9
		if err := config.Generate(existing, configPath); err != nil {
			t.Fatal(err)
		}

		flagMap := map[string]interface{}{"config": configPath, "flatten": true, "force": true}
		if err := cmd.RunInit(context.Background(), flagMap); err != nil {
			t.Fatalf("RunInit failed: %v", err)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Mirror.RetryCount != 9 || !cfg.Mirror.Flatten {
			t.Errorf("expected retry count 9 and flatten, got %d and %v", cfg.Mirror.RetryCount, cfg.Mirror.Flatten)
		}
	})

	t.Run("Dry Run Writes Nothing", func(t *testing.T) {
		base := t.TempDir()
		configPath := filepath.Join(base, config.ConfigFileName)
		flagMap := map[string]interface{}{
			"config":   configPath,
			"source":   t.TempDir(),
			"replica":  filepath.Join(base, "dst"),
			"log-file": filepath.Join(base, "mirror.log"),
			"dry-run":  true,
		}
		if err := cmd.RunInit(context.Background(), flagMap); err != nil {
			t.Fatalf("RunInit failed: %v", err)
		}
		if _, err := os.Stat(configPath); !os.IsNotExist(err) {
			t.Error("expected no config file after dry run")
		}
	})

	t.Run("Missing Source", func(t *testing.T) {
		flagMap := map[string]interface{}{
			"config": filepath.Join(t.TempDir(), config.ConfigFileName),
			"force":  true,
		}
		err := cmd.RunInit(context.Background(), flagMap)
		if !errors.Is(err, cmd.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestRunVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := cmd.RunVersion(&buf, buildinfo.Name, "1.2.3"); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), buildinfo.Name+" version 1.2.3\n"; got != want {
		t.Errorf("RunVersion() wrote %q, want %q", got, want)
	}
}
