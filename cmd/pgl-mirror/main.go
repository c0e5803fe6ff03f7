package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if flagparse.IsHelp(err) {
			return nil
		}
		return fmt.Errorf("%w: %w", cmd.ErrInvalidConfig, err)
	}

	switch command {
	case flagparse.None:
		// Usage was printed.
		return nil
	case flagparse.Version:
		return cmd.RunVersion(os.Stdout, buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Run:
		return cmd.RunMirror(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

// exitCode maps the result of run onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func main() {
	// SIGINT and SIGTERM stop the mirror after the tick in progress.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:])
	if err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		if errors.Is(err, cmd.ErrInvalidConfig) {
			flagparse.PrintUsage(os.Stderr)
		}
	}
	stop()
	os.Exit(exitCode(err))
}
