package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vilshansen/synapse-go/config"
	"github.com/vilshansen/synapse-go/constants"
	"github.com/vilshansen/synapse-go/synerr"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// app carries what every command needs. Tests replace the streams and
// the passkey prompt.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// interactive reports whether stderr is a terminal, which enables
	// the progress line and passkey prompts.
	interactive bool

	// readPasskey prompts for a passkey without echo.
	readPasskey func(prompt string) ([]byte, error)

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(exitFailure)
		}
	}()

	a := &app{
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: term.IsTerminal(int(os.Stderr.Fd())),
		readPasskey: readPasskeyFromTerminal,
	}
	os.Exit(a.run(os.Args[1:]))
}

func (a *app) run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(a.stderr, constants.HelpText)
		return exitUsage
	}

	var err error
	switch args[0] {
	case "forge":
		err = a.forge(args[1:])
	case "unmask":
		err = a.unmask(args[1:])
	case "inspect":
		err = a.inspect(args[1:])
	case "token":
		err = a.token(args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, constants.HelpText)
		return exitOK
	default:
		fmt.Fprintf(a.stderr, "unknown command %q\n", args[0])
		fmt.Fprint(a.stderr, constants.HelpText)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.Is(err, synerr.ErrUsage), errors.Is(err, errUsage):
		fmt.Fprintln(a.stderr, errorStyle.Render("Error:"), err)
		return exitUsage
	default:
		fmt.Fprintln(a.stderr, errorStyle.Render("Error:"), err)
		return exitFailure
	}
}

// errUsage marks command-line mistakes detected by the CLI itself.
var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// flagSet returns a flag set with the options shared by every command.
func (a *app) flagSet(name string) (*pflag.FlagSet, *string, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	configPath := fs.String("config", "", "YAML configuration file (default $"+config.EnvVar+")")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	return fs, configPath, logLevel
}

// setup loads and validates the configuration and builds the logger.
// Flag values, when set, override the file.
func (a *app) setup(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg, a.interactive)
	return nil
}

func readPasskeyFromTerminal(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, usageError("no passkey given and stdin is not a terminal; use -p or --token")
	}
	fmt.Fprint(os.Stderr, prompt)
	passkey, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("error reading passkey: %w", err)
	}
	return passkey, nil
}
