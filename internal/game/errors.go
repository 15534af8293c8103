package game

import "fmt"

// ViolationKind classifies why the engine rejected a command.
type ViolationKind string

const (
	ViolationNotYourTurn         ViolationKind = "NotYourTurn"
	ViolationGameNotActive       ViolationKind = "GameNotActive"
	ViolationGiftNotFound        ViolationKind = "GiftNotFound"
	ViolationGiftNotStealable    ViolationKind = "GiftNotStealable"
	ViolationUTurnForbidden      ViolationKind = "UTurnForbidden"
	ViolationAlreadyHoldsGift    ViolationKind = "AlreadyHoldsGift"
	ViolationSkipRequiresGift    ViolationKind = "SkipRequiresGift"
	ViolationNoWrappedGifts      ViolationKind = "NoWrappedGifts"
	ViolationUnauthorized        ViolationKind = "Unauthorized"
	ViolationInsufficientPlayers ViolationKind = "InsufficientPlayers"
	ViolationInsufficientGifts   ViolationKind = "InsufficientGifts"
)

// RuleError is a typed rule violation. It is the only error Apply returns;
// the state is guaranteed untouched when one comes back.
type RuleError struct {
	Kind   ViolationKind
	Detail string
}

func (e *RuleError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func violation(kind ViolationKind, format string, args ...interface{}) *RuleError {
	return &RuleError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is a rule violation of the given kind.
func IsViolation(err error, kind ViolationKind) bool {
	re, ok := err.(*RuleError)
	return ok && re.Kind == kind
}
