package replicate

import (
	"fmt"
	"strings"

	"tradesync/internal/domain"
)

// ConfigurationError reports invalid options before any broker traffic.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Msg)
}

// ContractMismatchError means the broker snapshot for one contract could not
// be interpreted, for example a working order with no recognizable order
// type. The contract's cycle is skipped; other contracts proceed.
type ContractMismatchError struct {
	Contract domain.ContractKey
	Ref      string
	Msg      string
}

func (e *ContractMismatchError) Error() string {
	return fmt.Sprintf("contract mismatch %s (ref %q): %s", e.Contract, e.Ref, e.Msg)
}

// CannotCombineError is raised when legs sharing an order ref cannot be
// expressed as a single combo order.
type CannotCombineError struct {
	Ref string
	Msg string
}

func (e *CannotCombineError) Error() string {
	return fmt.Sprintf("cannot combine %q: %s", e.Ref, e.Msg)
}

// ContractFailure pairs a contract with the error that stopped its cycle.
type ContractFailure struct {
	Contract domain.ContractKey
	Err      error
}

// SubmitError aggregates per-contract failures from a run. Successfully
// posted orders are still returned alongside it.
type SubmitError struct {
	Failures []ContractFailure
}

func (e *SubmitError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("submit %s: %v", f.Contract, f.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d contracts failed:", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [%s: %v]", f.Contract, f.Err)
	}
	return b.String()
}

func (e *SubmitError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
