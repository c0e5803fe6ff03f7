package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunInit handles the logic for the 'init' command: it writes a configuration file
// built from the existing file (or the defaults) and the given flags.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	configPath := flagparse.DefaultConfigPath
	if p, ok := flagMap["config"].(string); ok && p != "" {
		configPath = p
	}
	force, _ := flagMap["force"].(bool)
	dryRun, _ := flagMap["dry-run"].(bool)

	if _, err := os.Stat(configPath); err == nil && !force && !dryRun {
		fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
		fmt.Printf("Settings given as flags will replace the ones in the file.\n")
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
	}

	// Settings of an existing file are kept; config.Load returns the defaults if there is none.
	baseConfig, err := config.Load(configPath)
	if err != nil {
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	runConfig := config.MergeConfigWithFlags(baseConfig, flagMap)
	if err := runConfig.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Configuration is valid. No file written.", "path", configPath)
		return nil
	}
	if err := config.Generate(runConfig, configPath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
