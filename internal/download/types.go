// Package download defines the types shared by the interception, orchestration
// and queueing subsystems.
package download

import "fmt"

// Code is the terminal result of a download run. It doubles as the process exit code.
type Code int

// Result codes reported to the orchestrator and returned by the control loop.
const (
	CodeSuccess         Code = 0
	CodeUsage           Code = 1
	CodeMismatch        Code = 2
	CodeInterceptError  Code = 10
	CodeCompletionError Code = 11
	CodeTimeout         Code = 20
	CodeUnknown         Code = 30
)

// String returns a short label suitable for logs and metric labels.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeUsage:
		return "usage"
	case CodeMismatch:
		return "mismatch"
	case CodeInterceptError:
		return "intercept_error"
	case CodeCompletionError:
		return "completion_error"
	case CodeTimeout:
		return "timeout"
	case CodeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Target is the artifact currently being sought. A Target is replaced, never
// mutated, when the orchestrator advances to the next queue item.
type Target struct {
	// ID is the card identifier as it appears in the detail endpoint URL.
	ID string
	// OutputPath receives the artifact bytes. "-" means standard output.
	OutputPath string
	// MetadataPath receives the detail document; empty disables it.
	MetadataPath string
}

// Valid reports whether the target names both a card and an output.
func (t Target) Valid() bool {
	return t.ID != "" && t.OutputPath != ""
}
