//go:build !linux

package selector

import "errors"

// newPoller has no non-Linux backend; fail fast instead of faking a poller
// that can't actually deliver readiness.
func newPoller() (poller, error) {
	return nil, errors.New("selector: no poller backend for this platform")
}
