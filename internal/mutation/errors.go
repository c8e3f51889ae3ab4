package mutation

import "errors"

// Failure taxonomy for server calls. Adapters wrap one of these with %w.
var (
	// ErrTransient marks a retry-safe failure (timeouts, 5xx, dropped connections)
	ErrTransient = errors.New("transient network error")
	// ErrAuthorization marks a rejected call that must not be retried
	ErrAuthorization = errors.New("not authorized")
	// ErrConflict marks a call rejected because local state is stale
	ErrConflict = errors.New("conflict with server state")
	// ErrAlreadyPending is returned by Perform when the key already has an applied mutation
	ErrAlreadyPending = errors.New("mutation already pending")
)

// Kind classifies a server call error
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindAuthorization
	KindConflict
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	default:
		return "other"
	}
}

// Classify maps an error onto the taxonomy
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindOther
	}
}
