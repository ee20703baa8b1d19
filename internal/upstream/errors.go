package upstream

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when the application refuses the stored
// session. The submission is retried once the user signs in again.
var ErrUnauthenticated = errors.New("upstream session is not authenticated")

// NetworkError means the application could not be reached: a transport
// failure, a timeout, a 5xx or a throttling response.
type NetworkError struct {
	Op     string
	Status int // 0 for transport failures
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream returned HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Rejection is an application-level refusal of a submission, e.g. a
// validation failure. Retrying the same payload will not succeed.
type Rejection struct {
	Status int
	Reason string
}

func (e *Rejection) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("submission rejected (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("submission rejected (HTTP %d): %s", e.Status, e.Reason)
}

// IsNetworkError reports whether err means the network itself is down.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsRejection returns the Rejection wrapped in err, if any.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
