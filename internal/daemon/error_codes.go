package daemon

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/orchestrator"
	"github.com/vclsched/vclsched/internal/pending"
	"github.com/vclsched/vclsched/internal/semaphore"
)

const daemonErrorCodeVersion = "v1"

const (
	daemonErrorCodeAuthMissingActor = daemonErrorCodeVersion + "/auth/missing_actor"
	daemonErrorCodeAccessDenied     = orchestrator.CodeAccessDenied

	daemonErrorCodeMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeInvalidValue  = orchestrator.CodeInvalidValue

	daemonErrorCodeTokenInvalid  = daemonErrorCodeVersion + "/token/invalid"
	daemonErrorCodeTokenNotFound = daemonErrorCodeVersion + "/token/not_found"
	daemonErrorCodeTokenExpired  = daemonErrorCodeVersion + "/token/expired"
	daemonErrorCodeTokenActor    = daemonErrorCodeVersion + "/token/actor_mismatch"

	daemonErrorCodeComputerBusy  = daemonErrorCodeVersion + "/resource/busy"
	daemonErrorCodeLocked        = daemonErrorCodeVersion + "/resource/locked"
	daemonErrorCodeNotFound      = orchestrator.CodeNotFound
	daemonErrorCodeStateConflict = orchestrator.CodeStateConflict

	daemonErrorCodeRateLimited   = daemonErrorCodeVersion + "/rate/limited"
	daemonErrorCodeInternalError = daemonErrorCodeVersion + "/internal/error"
)

// classifyError maps an operation error to its HTTP status and error code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrAccessDenied):
		return http.StatusForbidden, daemonErrorCodeAccessDenied
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, daemonErrorCodeInvalidValue
	case errors.Is(err, pending.ErrTokenActor):
		return http.StatusForbidden, daemonErrorCodeTokenActor
	case errors.Is(err, pending.ErrTokenInvalid):
		return http.StatusBadRequest, daemonErrorCodeTokenInvalid
	case errors.Is(err, pending.ErrTokenNotFound):
		return http.StatusNotFound, daemonErrorCodeTokenNotFound
	case errors.Is(err, pending.ErrTokenExpired):
		return http.StatusGone, daemonErrorCodeTokenExpired
	case errors.Is(err, orchestrator.ErrComputerNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, daemonErrorCodeNotFound
	case errors.Is(err, orchestrator.ErrComputerBusy):
		return http.StatusConflict, daemonErrorCodeComputerBusy
	case errors.Is(err, db.ErrStateConflict):
		return http.StatusConflict, daemonErrorCodeStateConflict
	case errors.Is(err, semaphore.ErrSemaphoreHeld):
		return http.StatusServiceUnavailable, daemonErrorCodeLocked
	default:
		return http.StatusInternalServerError, daemonErrorCodeInternalError
	}
}
