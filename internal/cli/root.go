// Package cli implements the wsintercept command-line interface using cobra.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// ExitError carries a specific process exit code alongside a wrapped error,
// so Execute's caller can propagate it without inspecting error strings.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCodeError wraps err in an ExitError carrying code. Returns nil if err is nil.
func ExitCodeError(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Err: err, Code: code}
}

// ExitCodeOf returns the process exit code associated with err: the code
// carried by an ExitError anywhere in its chain, 1 for any other non-nil
// error, or 0 for nil.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wsintercept",
		Short: "WebSocket interception core for an HTTP(S) mocking proxy",
		Long: `wsintercept terminates RFC 6455 WebSocket handshakes on behalf of an
intercepting HTTP(S) proxy and wires each accepted connection to a rule-driven
handler: relay traffic to a real upstream, echo it back, swallow it silently,
or reject the handshake outright.

Quick start:
  wsintercept serve                                  # run with defaults
  wsintercept serve --config wsintercept.yaml         # with config file
  wsintercept check --config wsintercept.yaml         # validate config`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serveCmd(),
		checkCmd(),
		versionCmd(),
	)

	return cmd
}
