package statemachine

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/models"
)

// ReasonAlreadyServed is shown when a cancellation arrives too late.
const ReasonAlreadyServed = "Order is already being served and cannot be cancelled."

// Transition is one legal edge and the roles allowed to take it.
type Transition struct {
	From   models.Status `json:"from"`
	To     models.Status `json:"to"`
	Actors []models.Role `json:"actors"`
}

var anyRole = []models.Role{models.RoleCustomer, models.RoleKitchen, models.RoleSupplier, models.RoleAdmin}

// validTransitions is the authoritative state machine definition
var validTransitions = []Transition{
	// Supplier hands the order to a chef
	{From: models.StatusPlaced, To: models.StatusAssigned, Actors: []models.Role{models.RoleSupplier, models.RoleAdmin}},
	{From: models.StatusPlaced, To: models.StatusCancelled, Actors: anyRole},

	{From: models.StatusAssigned, To: models.StatusPreparing, Actors: []models.Role{models.RoleKitchen, models.RoleAdmin}},
	{From: models.StatusAssigned, To: models.StatusCancelled, Actors: anyRole},

	{From: models.StatusPreparing, To: models.StatusReady, Actors: []models.Role{models.RoleKitchen, models.RoleAdmin}},
	{From: models.StatusPreparing, To: models.StatusCancelled, Actors: anyRole},

	{From: models.StatusReady, To: models.StatusServed, Actors: []models.Role{models.RoleKitchen, models.RoleAdmin}},

	// Billing finalization
	{From: models.StatusReady, To: models.StatusCompleted, Actors: []models.Role{models.RoleSupplier, models.RoleAdmin}},
	{From: models.StatusServed, To: models.StatusCompleted, Actors: []models.Role{models.RoleSupplier, models.RoleAdmin}},
}

type transitionKey struct {
	From models.Status
	To   models.Status
}

var transitionMap = func() map[transitionKey]Transition {
	m := make(map[transitionKey]Transition, len(validTransitions))
	for _, t := range validTransitions {
		m[transitionKey{t.From, t.To}] = t
	}
	return m
}()

// Decision is the outcome of a legal request.
type Decision struct {
	From models.Status
	To   models.Status
	// NoOp is set when the order already has the requested status.
	NoOp bool
}

// Decide checks whether actor may move an order from one status to another.
// Rejections are *apperrors.OrderError values of kind InvalidTransition,
// Conflict or Validation.
func Decide(from, to models.Status, actor models.Role) (Decision, error) {
	if !to.Valid() {
		return Decision{}, apperrors.InvalidTransition(from, to, apperrors.CodeInvalidTransition,
			fmt.Sprintf("Unknown status %q requested for an order that is %s.", to, from))
	}
	if !actor.Valid() {
		return Decision{}, apperrors.InvalidTransition(from, to, apperrors.CodeRoleNotAllowed,
			fmt.Sprintf("Unknown role %q cannot change order status.", actor))
	}
	if from == to {
		return Decision{From: from, To: to, NoOp: true}, nil
	}
	if from.Terminal() {
		return Decision{}, apperrors.Conflict(from, to, apperrors.CodeOrderTerminal,
			fmt.Sprintf("Order is already %s and can no longer change.", from))
	}
	if to == models.StatusCancelled && (from == models.StatusReady || from == models.StatusServed) {
		return Decision{}, apperrors.Conflict(from, to, apperrors.CodeAlreadyServed, ReasonAlreadyServed)
	}

	t, ok := transitionMap[transitionKey{from, to}]
	if !ok {
		return Decision{}, apperrors.InvalidTransition(from, to, apperrors.CodeInvalidTransition,
			fmt.Sprintf("Cannot move order from %s to %s. Valid next states: %s.", from, to, describeValidFrom(from)))
	}
	if !allowed(t.Actors, actor) {
		return Decision{}, apperrors.InvalidTransition(from, to, apperrors.CodeRoleNotAllowed,
			fmt.Sprintf("Role %s cannot move order from %s to %s.", actor, from, to))
	}
	return Decision{From: from, To: to}, nil
}

// Apply runs Decide against order and, when legal, mutates it in place:
// status, assigned chef and the first-reached timestamp of the target.
// It reports false for the no-op case; order is untouched on error.
func Apply(order *models.Order, to models.Status, actor models.Role, chef string, now time.Time) (bool, error) {
	d, err := Decide(order.Status, to, actor)
	if err != nil {
		return false, err
	}
	if d.NoOp {
		return false, nil
	}
	if to == models.StatusAssigned && strings.TrimSpace(chef) == "" {
		return false, &apperrors.OrderError{
			Kind:   apperrors.ErrValidation,
			Code:   apperrors.CodeChefRequired,
			From:   d.From,
			To:     to,
			Reason: "A chef must be chosen to assign this order.",
		}
	}

	order.Status = to
	if to == models.StatusAssigned {
		order.AssignedChef = chef
	}
	order.StatusTimestamps.Stamp(to, now)
	if to == models.StatusCompleted {
		order.PaymentStatus = models.PaymentPaid
	}
	return true, nil
}

// CanAddItems reports whether new items may still be appended at status.
func CanAddItems(status models.Status) error {
	if status.Terminal() {
		return apperrors.Conflict(status, status, apperrors.CodeOrderTerminal,
			"Cannot add items to a completed or cancelled order.")
	}
	if status == models.StatusReady || status == models.StatusServed {
		return apperrors.Conflict(status, status, apperrors.CodeItemsLocked,
			"The kitchen has already finished this order; place a new order for more items.")
	}
	return nil
}

// ValidTransitionsFrom returns all valid next states from a given state
func ValidTransitionsFrom(status models.Status) []models.Status {
	var nexts []models.Status
	for _, t := range validTransitions {
		if t.From == status {
			nexts = append(nexts, t.To)
		}
	}
	return nexts
}

// Transitions returns the full state machine for documentation
func Transitions() []Transition {
	out := make([]Transition, len(validTransitions))
	for i, t := range validTransitions {
		out[i] = Transition{From: t.From, To: t.To, Actors: append([]models.Role(nil), t.Actors...)}
	}
	return out
}

func allowed(roles []models.Role, actor models.Role) bool {
	for _, r := range roles {
		if r == actor {
			return true
		}
	}
	return false
}

func describeValidFrom(status models.Status) string {
	nexts := ValidTransitionsFrom(status)
	if len(nexts) == 0 {
		return "none (terminal state)"
	}
	parts := make([]string, len(nexts))
	for i, s := range nexts {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
