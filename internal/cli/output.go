package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/swingstore/internal/storeerr"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Store data failed a check (hash mismatch, incomplete export, ...)
	ExitCommandError = 2 // Command error (bad flags, missing store, unreadable config, ...)
)

// ExitError carries the exit code a command failure should produce.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set once the error has been written to the command's
	// output, so main does not print it again.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// WrapStoreError wraps a store failure, choosing the exit code from its
// kind: data-level failures exit with ExitFailure, the rest with
// ExitCommandError.
func WrapStoreError(message string, err error) *ExitError {
	switch storeerr.KindOf(err) {
	case storeerr.KindConsistency, storeerr.KindIncompleteData:
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// WasReported reports whether err was already written to command output.
func WasReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// ErrorCode returns the CLI error code reported for err: E_<KIND> for
// store errors, E_COMMAND otherwise.
func ErrorCode(err error) string {
	if kind := storeerr.KindOf(err); kind != "" {
		return "E_" + string(kind)
	}
	return "E_COMMAND"
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E_CONSISTENCY", "E_COMMAND", ...
	Message string `json:"message"`           // human-readable message
	Subject string `json:"subject,omitempty"` // offending key, artifact or hash
}

// Success outputs a successful result in the configured format. Text
// output prints data with %v, so payloads should implement fmt.Stringer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs err in the configured format.
func (f *OutputFormatter) Error(err error) error {
	cliErr := &CLIError{Code: ErrorCode(err), Message: err.Error()}
	var se *storeerr.Error
	if errors.As(err, &se) {
		cliErr.Subject = se.Subject
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: cliErr})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
	if f.Verbose && cliErr.Subject != "" {
		fmt.Fprintf(f.Writer, "Subject: %s\n", cliErr.Subject)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
