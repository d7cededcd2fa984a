package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/transition"
)

const codeVersion = "v1"

// Stable reason codes carried by report entries.
const (
	CodeInvalidTransition  = transition.CodeInvalidTransition
	CodeAccessDenied       = codeVersion + "/auth/access_denied"
	CodeIndefiniteConflict = codeVersion + "/scheduling/indefinite_conflict"
	CodeSchedulingFailed   = codeVersion + "/scheduling/failed"
	CodeNoManagementNode   = codeVersion + "/provisioning/no_management_node"
	CodeStateConflict      = codeVersion + "/provisioning/state_conflict"
	CodeNotFound           = codeVersion + "/resource/not_found"
	CodeInvalidValue       = codeVersion + "/validation/invalid_value"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrAccessDenied     = errors.New("access denied")
	ErrNoManagementNode = errors.New("no management node available")
	ErrComputerBusy     = errors.New("computer has conflicting reservations")
	ErrComputerNotFound = errors.New("computer not found")
)

// AccessDeniedError lists the computers the actor may not manage. A batch
// containing any of them is rejected as a whole.
type AccessDeniedError struct {
	Actor string
	IDs   []int
}

func (e *AccessDeniedError) Error() string {
	ids := make([]string, 0, len(e.IDs))
	for _, id := range e.IDs {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return fmt.Sprintf("%s: %s may not manage computers %s", ErrAccessDenied, e.Actor, strings.Join(ids, ", "))
}

func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}

func newAccessDenied(actor string, ids []int) *AccessDeniedError {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	return &AccessDeniedError{Actor: actor, IDs: sorted}
}

// failureCode maps a per-computer failure to its reason code. Lock and
// placeholder failures, and anything unexpected, are scheduling failures.
func failureCode(err error) string {
	switch {
	case errors.Is(err, ErrNoManagementNode):
		return CodeNoManagementNode
	case errors.Is(err, db.ErrStateConflict):
		return CodeStateConflict
	default:
		return CodeSchedulingFailed
	}
}
