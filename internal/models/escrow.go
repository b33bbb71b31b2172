package models

import "fmt"

// EscrowStatus is the financial state a ServiceRequest is in
type EscrowStatus string

// Escrow statuses
const (
	EscrowNotRequired    EscrowStatus = "NOT_REQUIRED"
	EscrowPendingPayment EscrowStatus = "PENDING_PAYMENT"
	EscrowHeld           EscrowStatus = "ESCROW_HELD"
	EscrowReleased       EscrowStatus = "ESCROW_RELEASED"
	EscrowDisputed       EscrowStatus = "ESCROW_DISPUTED"
	EscrowRefunded       EscrowStatus = "ESCROW_REFUNDED"
)

// AllEscrowStatuses lists every escrow state in lifecycle order
var AllEscrowStatuses = []EscrowStatus{
	EscrowNotRequired,
	EscrowPendingPayment,
	EscrowHeld,
	EscrowDisputed,
	EscrowReleased,
	EscrowRefunded,
}

// escrowTransition is one edge of the escrow state machine together with
// the payment status the edge leaves the Payment row in.
type escrowTransition struct {
	to      EscrowStatus
	payment PaymentStatus
}

// escrowTransitions is the authoritative transition table. Any edge not
// listed here is rejected by CanTransition.
var escrowTransitions = map[EscrowStatus][]escrowTransition{
	EscrowNotRequired: {
		{to: EscrowPendingPayment, payment: PaymentStatusPending},
		// A later attempt on an order whose earlier attempt failed.
		{to: EscrowHeld, payment: PaymentStatusEscrowHeld},
	},
	EscrowPendingPayment: {
		{to: EscrowHeld, payment: PaymentStatusEscrowHeld},
		{to: EscrowNotRequired, payment: PaymentStatusFailed},
	},
	EscrowHeld: {
		{to: EscrowReleased, payment: PaymentStatusReleased},
		{to: EscrowDisputed, payment: PaymentStatusEscrowHeld},
	},
	EscrowDisputed: {
		{to: EscrowReleased, payment: PaymentStatusReleased},
		{to: EscrowRefunded, payment: PaymentStatusRefunded},
	},
	EscrowReleased: nil,
	EscrowRefunded: nil,
}

// IsTerminal reports whether no transition leaves s
func (s EscrowStatus) IsTerminal() bool {
	return len(escrowTransitions[s]) == 0
}

// Valid reports whether s is a known escrow status
func (s EscrowStatus) Valid() bool {
	_, ok := escrowTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to EscrowStatus) bool {
	for _, t := range escrowTransitions[from] {
		if t.to == to {
			return true
		}
	}
	return false
}

// PaymentStatusFor returns the payment status that must accompany the
// from -> to edge, keeping Payment.status and escrowStatus jointly consistent.
func PaymentStatusFor(from, to EscrowStatus) (PaymentStatus, error) {
	for _, t := range escrowTransitions[from] {
		if t.to == to {
			return t.payment, nil
		}
	}
	return "", fmt.Errorf("illegal escrow transition %s -> %s", from, to)
}

// ValidateTransitionTable checks the table once at startup: every target is
// a known state, terminal states have no outgoing edges, and every state is
// reachable from NOT_REQUIRED.
func ValidateTransitionTable() error {
	for from, edges := range escrowTransitions {
		for _, e := range edges {
			if !e.to.Valid() {
				return fmt.Errorf("escrow transition %s -> %s targets unknown state", from, e.to)
			}
			if e.to == from {
				return fmt.Errorf("escrow transition %s -> %s is a self loop", from, e.to)
			}
		}
	}

	for _, terminal := range []EscrowStatus{EscrowReleased, EscrowRefunded} {
		if !terminal.IsTerminal() {
			return fmt.Errorf("escrow status %s must be terminal", terminal)
		}
	}

	seen := map[EscrowStatus]bool{EscrowNotRequired: true}
	queue := []EscrowStatus{EscrowNotRequired}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range escrowTransitions[cur] {
			if !seen[e.to] {
				seen[e.to] = true
				queue = append(queue, e.to)
			}
		}
	}
	for _, s := range AllEscrowStatuses {
		if !seen[s] {
			return fmt.Errorf("escrow status %s is unreachable", s)
		}
	}
	return nil
}
