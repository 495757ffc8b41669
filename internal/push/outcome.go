package push

import "fmt"

// SkipReason classifies environments where registration is impossible
// and not worth retrying.
type SkipReason string

const (
	SkipWeb              SkipReason = "web"
	SkipSimulator        SkipReason = "simulator"
	SkipPermissionDenied SkipReason = "permission_denied"
)

// Outcome is the result of a registration attempt: either a token was
// registered with the backend, or registration was skipped for an
// environmental reason. Skips are not errors and are never retried
// automatically.
type Outcome struct {
	Registered bool
	Token      string
	Reason     SkipReason
}

func registered(token string) Outcome {
	return Outcome{Registered: true, Token: token}
}

func skipped(reason SkipReason) Outcome {
	return Outcome{Reason: reason}
}

// String renders the outcome for logs.
func (o Outcome) String() string {
	if o.Registered {
		return "registered"
	}
	return "skipped:" + string(o.Reason)
}

// TokenError reports that every token acquisition strategy failed.
// Both causes are retained so root-cause visibility is not lost to the
// fallback.
type TokenError struct {
	// ScopedErr is the project-scoped strategy failure. Nil when no
	// project ID was configured and the strategy was never attempted.
	ScopedErr error
	// UnscopedErr is the unscoped fallback failure.
	UnscopedErr error
}

func (e *TokenError) Error() string {
	if e.ScopedErr == nil {
		return fmt.Sprintf("push token unavailable: scoped strategy not configured; unscoped acquisition failed: %v", e.UnscopedErr)
	}
	return fmt.Sprintf("push token unavailable after both strategies: scoped acquisition failed: %v; unscoped acquisition failed: %v", e.ScopedErr, e.UnscopedErr)
}

// Unwrap exposes both causes to errors.Is / errors.As.
func (e *TokenError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.ScopedErr != nil {
		errs = append(errs, e.ScopedErr)
	}
	if e.UnscopedErr != nil {
		errs = append(errs, e.UnscopedErr)
	}
	return errs
}
