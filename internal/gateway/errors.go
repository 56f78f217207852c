package gateway

import "errors"

var (
	// ErrAuth means the vendor rejected the supplied credentials. Never
	// retried, surfaced verbatim to the user.
	ErrAuth = errors.New("gateway: vendor rejected credentials")

	// ErrSessionExpired means the vendor returned 401 for an established
	// session. The session is unrecoverable; the caller must disconnect.
	ErrSessionExpired = errors.New("gateway: session expired")

	// ErrTimeout means the vendor did not respond within the bounded window.
	ErrTimeout = errors.New("gateway: vendor timeout")

	// ErrUpstream means a vendor-side 5xx or a malformed payload.
	ErrUpstream = errors.New("gateway: upstream failure")
)

// retryable reports whether an attempt error is worth another attempt under
// the bounded retry policy. Auth failures and expired sessions never are.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUpstream)
}
