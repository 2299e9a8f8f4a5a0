package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"Assembler-Devlink/internal/link"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1 // timeout, negative ack, interrupted wait
	ExitCommandError = 2 // bad flags, config or credentials
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
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

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type resultJSON struct {
	Status string       `json:"status"` // "ok" or "error"
	Result *link.Result `json:"result,omitempty"`
	Update *link.Update `json:"update,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Result prints a finished listen or publish.
func (f *OutputFormatter) Result(res *link.Result) error {
	if f.Format == "json" {
		out := resultJSON{Status: "ok", Result: res}
		if res.Err != nil {
			out.Status = "error"
			out.Error = res.Err.Error()
		}
		return json.NewEncoder(f.Writer).Encode(out)
	}

	fmt.Fprintf(f.Writer, "%s on %s", res.Outcome, res.Channel)
	if res.Label != "" {
		fmt.Fprintf(f.Writer, " (label %s)", res.Label)
	}
	fmt.Fprintf(f.Writer, " after %s\n", res.Elapsed.Round(1e6))
	if res.Err != nil {
		fmt.Fprintf(f.Writer, "error: %v\n", res.Err)
	}
	if res.Value != nil {
		return f.value(res.Value)
	}
	return nil
}

func (f *OutputFormatter) Update(u link.Update) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(resultJSON{Status: "ok", Update: &u})
	}
	fmt.Fprintf(f.Writer, "[%s] ", u.Channel)
	return f.value(u.Value)
}

func (f *OutputFormatter) value(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.Writer, string(b))
	return err
}

// resultError turns a recoverable result error into the command's exit status.
func resultError(res *link.Result) error {
	if res.Err == nil {
		return nil
	}
	return WrapExitError(ExitFailure, string(res.Outcome), res.Err)
}
