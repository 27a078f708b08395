package cube

import "fmt"

// Kind is the engine's error taxonomy. Callers should match on Kind (or
// use errors.Is against the matching sentinel below) rather than on
// error text.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidCoordinates
	KindInvalidElementType
	KindSplashDisabled
	KindSplashNotPossible
	KindNotAuthorized
	KindRuleNotFound
	KindRuleCircularReference
	KindParsingRule
	KindBlockedByLock
	KindWrongUser
	KindWrongLock
	KindLockNotFound
	KindLockNoCapacity
	KindMaxElemReached
	KindOutOfMemory
	KindGoalSeek
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidCoordinates:
		return "invalid_coordinates"
	case KindInvalidElementType:
		return "invalid_element_type"
	case KindSplashDisabled:
		return "splash_disabled"
	case KindSplashNotPossible:
		return "splash_not_possible"
	case KindNotAuthorized:
		return "not_authorized"
	case KindRuleNotFound:
		return "rule_not_found"
	case KindRuleCircularReference:
		return "rule_has_circular_reference"
	case KindParsingRule:
		return "parsing_rule"
	case KindBlockedByLock:
		return "cube_blocked_by_lock"
	case KindWrongUser:
		return "cube_wrong_user"
	case KindWrongLock:
		return "cube_wrong_lock"
	case KindLockNotFound:
		return "cube_lock_not_found"
	case KindLockNoCapacity:
		return "cube_lock_no_capacity"
	case KindMaxElemReached:
		return "max_elem_reached"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindGoalSeek:
		return "goalseek"
	default:
		return "unknown"
	}
}

// Error wraps an operation-scoped failure with its taxonomy Kind. It
// satisfies errors.Unwrap so callers can still reach a wrapped cause, and
// errors.Is against the package-level sentinels (one per Kind) works via a
// Kind comparison rather than identity, matching how multiple call sites
// produce "the same" error.
type Error struct {
	Kind Kind
	Op   string // operation name, e.g. "Cube.SetCellNumeric"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, sentinelOfKind) work without pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is(err, cube.ErrXxx) comparisons; each carries only
// its Kind, so the Op/Err fields of the thrown error don't have to match.
var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrInvalidCoordinates     = &Error{Kind: KindInvalidCoordinates}
	ErrInvalidElementType     = &Error{Kind: KindInvalidElementType}
	ErrSplashDisabled         = &Error{Kind: KindSplashDisabled}
	ErrSplashNotPossible      = &Error{Kind: KindSplashNotPossible}
	ErrNotAuthorized          = &Error{Kind: KindNotAuthorized}
	ErrRuleNotFound           = &Error{Kind: KindRuleNotFound}
	ErrRuleCircularReference  = &Error{Kind: KindRuleCircularReference}
	ErrParsingRule            = &Error{Kind: KindParsingRule}
	ErrBlockedByLock          = &Error{Kind: KindBlockedByLock}
	ErrWrongUser              = &Error{Kind: KindWrongUser}
	ErrWrongLock              = &Error{Kind: KindWrongLock}
	ErrLockNotFound           = &Error{Kind: KindLockNotFound}
	ErrLockNoCapacity         = &Error{Kind: KindLockNoCapacity}
	ErrMaxElemReached         = &Error{Kind: KindMaxElemReached}
	ErrOutOfMemory            = &Error{Kind: KindOutOfMemory}
	ErrGoalSeek               = &Error{Kind: KindGoalSeek}
)
