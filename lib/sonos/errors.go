package sonos

import "fmt"

// AuthError means the provider rejected a token exchange or refresh. The
// session cannot recover on its own; the host has to re-link.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sonos auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sonos auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// DeviceApiError is a non-token fault returned by the control API. It is
// surfaced to the caller and never retried.
type DeviceApiError struct {
	Errorcode   string
	Faultstring string
}

func (e *DeviceApiError) Error() string {
	if e.Errorcode != "" {
		return fmt.Sprintf("sonos api: %s (%s)", e.Faultstring, e.Errorcode)
	}
	return fmt.Sprintf("sonos api: %s", e.Faultstring)
}
