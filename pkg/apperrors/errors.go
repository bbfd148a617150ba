package apperrors

import (
	"errors"
	"fmt"

	"github.com/example/tableside/pkg/models"
)

// Error kinds. Every *OrderError unwraps to exactly one of these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrConcurrency       = errors.New("concurrent modification")
	ErrNotFound          = errors.New("not found")
	ErrStoreTimeout      = errors.New("store timeout")
)

// Machine readable codes, stable across transports.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeEmptyItems        = "empty_items"
	CodeInvalidItem       = "invalid_item"
	CodeChefRequired      = "chef_required"
	CodeUnknownChef       = "unknown_chef"
	CodeAmountMismatch    = "amount_mismatch"
	CodeInvalidTransition = "invalid_transition"
	CodeRoleNotAllowed    = "role_not_allowed"
	CodeAlreadyServed     = "already_served"
	CodeOrderTerminal     = "order_terminal"
	CodeItemsLocked       = "items_locked"
	CodeActiveOrderExists = "active_order_exists"
	CodeConcurrentUpdate  = "concurrent_update"
	CodeOrderNotFound     = "order_not_found"
	CodeMenuItemNotFound  = "menu_item_not_found"
	CodeStoreTimeout      = "store_timeout"
)

// OrderError is a domain rejection. Error returns a reason that can be shown
// to a user verbatim; Op and the status fields are for logs and transports.
type OrderError struct {
	Kind    error
	Code    string
	Op      string
	OrderID string
	From    models.Status
	To      models.Status
	Reason  string
}

func (e *OrderError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Kind.Error()
}

func (e *OrderError) Unwrap() error {
	return e.Kind
}

// Detail formats the error with its operation and order for logging.
func (e *OrderError) Detail() string {
	if e.OrderID != "" {
		return fmt.Sprintf("orders.%s [%s]: %s", e.Op, e.OrderID, e.Error())
	}
	return fmt.Sprintf("orders.%s: %s", e.Op, e.Error())
}

func Validation(code, format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrValidation, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func InvalidTransition(from, to models.Status, code, reason string) *OrderError {
	return &OrderError{Kind: ErrInvalidTransition, Code: code, From: from, To: to, Reason: reason}
}

func Conflict(from, to models.Status, code, reason string) *OrderError {
	return &OrderError{Kind: ErrConflict, Code: code, From: from, To: to, Reason: reason}
}

func NotFound(code, format string, args ...any) *OrderError {
	return &OrderError{Kind: ErrNotFound, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WithOp stamps op and order id on err when it is an *OrderError and returns it.
func WithOp(err error, op, orderID string) error {
	var oe *OrderError
	if errors.As(err, &oe) {
		if oe.Op == "" {
			oe.Op = op
		}
		if oe.OrderID == "" {
			oe.OrderID = orderID
		}
	}
	return err
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsConcurrency(err error) bool {
	return errors.Is(err, ErrConcurrency)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsStoreTimeout(err error) bool {
	return errors.Is(err, ErrStoreTimeout)
}

// IsRetryable reports whether repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	return IsConcurrency(err) || IsStoreTimeout(err)
}

var kindNames = map[error]string{
	ErrValidation:        "validation",
	ErrInvalidTransition: "invalid_transition",
	ErrConflict:          "conflict",
	ErrConcurrency:       "concurrency",
	ErrNotFound:          "not_found",
	ErrStoreTimeout:      "store_timeout",
}

// KindName returns the wire name of err's kind, or "" for non-domain errors.
func KindName(err error) string {
	for kind, name := range kindNames {
		if errors.Is(err, kind) {
			return name
		}
	}
	return ""
}

// KindFromName is the inverse of KindName.
func KindFromName(name string) (error, bool) {
	for kind, n := range kindNames {
		if n == name {
			return kind, true
		}
	}
	return nil, false
}
