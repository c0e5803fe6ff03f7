package flagparse

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// ErrHelp is returned when the user asked for help and usage was printed.
var ErrHelp = flag.ErrHelp

// ErrNoCommand is returned for an empty argument list.
var ErrNoCommand = errors.New("no command or source and replica given")

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "pgl-mirror.config.json"

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Config   *string

	// Shared: Run / Init
	Source           *string
	Replica          *string
	LogFile          *string
	LogArchive       *string
	Interval         *int
	Flatten          *bool
	RetryCount       *int
	RetryWait        *int
	BufferSizeKB     *int
	CopyWorkers      *int
	UserExcludeFiles *string
	UserExcludeDirs  *string
	FailFast         *bool
	Metrics          *bool
	MetricsAddr      *string
	ProgressSeconds  *int

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Config = fs.String("config", DefaultConfigPath, "Path of the configuration file.")
}

func registerMirrorFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to mirror from. (Required)")
	f.Replica = fs.String("replica", "", "Replica directory to mirror into. (Required)")
	f.LogFile = fs.String("log-file", "", "Path of the log file. (Required)")
	f.LogArchive = fs.String("log-archive", "gz", "How to keep the previous log file: 'none', 'gz', or 'zst'.")
	f.Interval = fs.Int("interval", 5, "Seconds to sleep between two synchronization passes.")
	f.Flatten = fs.Bool("flatten", false, "Place every entry directly below the replica root instead of mirroring its relative path.")

	f.RetryCount = fs.Int("retry-count", 3, "Number of retries for failed file copies.")
	f.RetryWait = fs.Int("retry-wait", 1, "Seconds to wait between retries.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 256, "Size of the I/O buffer in kilobytes for file copies.")
	f.CopyWorkers = fs.Int("copy-workers", 4, "Number of worker goroutines copying files of a new directory.")

	f.UserExcludeFiles = fs.String("user-exclude-files", "", "Comma-separated list of case-insensitive file names to exclude (supports glob patterns).")
	f.UserExcludeDirs = fs.String("user-exclude-dirs", "", "Comma-separated list of case-insensitive directory names to exclude (supports glob patterns).")

	f.FailFast = fs.Bool("fail-fast", false, "Stop mirroring on the first failed synchronization pass.")
	f.Metrics = fs.Bool("metrics", false, "Enable file-counting metrics and periodic progress logging.")
	f.MetricsAddr = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. ':9090').")
	f.ProgressSeconds = fs.Int("progress-seconds", 300, "Seconds between progress summaries when metrics are enabled.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init accepts all mirror flags so they end up in the generated config.
	registerMirrorFlags(fs, f)
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// the map of flags the user set explicitly. The configuration file path is always part
// of the map under "config".
//
// An empty args yields ErrNoCommand; the caller prints usage and fails.
//
// Besides the subcommands, the positional form
//
//	<source> <replica> <interval> <logfile>
//
// is accepted and treated as the run command.
func Parse(args []string) (Command, map[string]interface{}, error) {
	if len(args) == 0 {
		return None, nil, ErrNoCommand
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs.Output())
		return None, nil, nil
	}

	if len(args) == 4 && !strings.HasPrefix(args[0], "-") {
		if _, err := ParseCommand(cmdStr); err != nil {
			flagMap, err := positionalToMap(args)
			return Run, flagMap, err
		}
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)

	switch command {
	case Run:
		registerGlobalFlags(fs, f)
		registerMirrorFlags(fs, f)
		fs.Usage = func() {
			printSubcommandUsage(command, "Mirror the source directory into the replica until interrupted.", fs)
		}

	case Init:
		registerGlobalFlags(fs, f)
		registerInitFlags(fs, f)
		fs.Usage = func() {
			printSubcommandUsage(command, "Write a configuration file from the defaults and the given flags.", fs)
		}

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return command, nil, fmt.Errorf("unexpected arguments for %s: %s", command, strings.Join(fs.Args(), " "))
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

// positionalToMap maps the four positional arguments onto the run flags.
func positionalToMap(args []string) (map[string]interface{}, error) {
	interval, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q: must be a whole number of seconds", args[2])
	}
	return map[string]interface{}{
		"config":   DefaultConfigPath,
		"source":   args[0],
		"replica":  args[1],
		"interval": interval,
		"log-file": args[3],
	}, nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Only flags set by the user are recorded, so they selectively override the
	// configuration file.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	// The config path is needed even when left at its default.
	flagMap["config"] = *f.Config

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "replica", f.Replica)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "interval", f.Interval)
	addIfUsed(flagMap, usedFlags, "flatten", f.Flatten)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "retry-wait", f.RetryWait)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "copy-workers", f.CopyWorkers)
	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "metrics-addr", f.MetricsAddr)
	addIfUsed(flagMap, usedFlags, "progress-seconds", f.ProgressSeconds)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	addParsedIfUsed(flagMap, usedFlags, "user-exclude-files", f.UserExcludeFiles, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "user-exclude-dirs", f.UserExcludeDirs, ParseExcludeList)

	if f.LogArchive != nil && usedFlags["log-archive"] {
		format, err := plog.ParseArchiveFormat(*f.LogArchive)
		if err != nil {
			return nil, err
		}
		flagMap["log-archive"] = format
	}

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// IsHelp reports whether err only signals that usage was requested.
func IsHelp(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}

// PrintUsage prints the main help message to w, or to stderr if w is nil.
func PrintUsage(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	printTopLevelUsage(w)
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(w io.Writer) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(w, "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(w, "A simple one-way directory mirror.\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [flags]\n", execName)
	fmt.Fprintf(w, "       %s <source> <replica> <interval> <logfile>\n\n", execName)
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  run         Mirror the source into the replica until interrupted\n")
	fmt.Fprintf(w, "  init        Write a configuration file\n")
	fmt.Fprintf(w, "  version     Print the application version\n")
	fmt.Fprintf(w, "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A simple one-way directory mirror.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of file or directory patterns.
// Single (') and double (") quotes group items containing commas or spaces and are
// removed. Backslashes are literal characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			} else {
				// A different quote inside a quoted section is literal.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
