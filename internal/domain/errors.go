package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors the core reasons about. Transport-level kinds recover
// locally; business-level rejections are journaled and notified but never
// retried.
var (
	ErrConfigMissing       = errors.New("required configuration field is blank")
	ErrAuthFailed          = errors.New("broker rejected credentials")
	ErrCertificateInvalid  = errors.New("certificate activation failed")
	ErrNetwork             = errors.New("transient network failure")
	ErrCalendarMissing     = errors.New("holiday calendar not available")
	ErrDuplicateSignal     = errors.New("duplicate signal ignored")
	ErrOutsideTradingHours = errors.New("outside trading hours")
	ErrOppositePosition    = errors.New("opposite position exists")
	ErrNoPosition          = errors.New("no position")
	ErrJournalCorrupt      = errors.New("journal file corrupt")
	ErrUnknownAction       = errors.New("unrecognized action")
)

// BusinessError is a non-zero op-code rejection from the broker. The code is
// translated to operator-facing text by the lifecycle tracker's reason table.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker rejected order (code %s)", e.Code)
	}
	return fmt.Sprintf("broker rejected order (code %s): %s", e.Code, e.Message)
}

// AsBusinessError unwraps err to a BusinessError if it carries one.
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
