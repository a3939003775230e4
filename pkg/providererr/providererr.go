// Package providererr classifies errors returned by the compute-provider
// REST API (spec §4.1, §7). Classification is a pure function of an
// *Error — it never makes network calls itself.
package providererr

import (
	"fmt"
	"strings"
)

// Error is the structured error shape every flyclient operation returns on
// a non-2xx response.
type Error struct {
	Status  int
	Body    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Body)
}

// capacityMarkers are the case-insensitive substrings that indicate a 409/412
// was actually a capacity-exhaustion error rather than an optimistic-
// concurrency mismatch (spec §4.1).
var capacityMarkers = []string{
	"insufficient resources",
	"insufficient memory",
}

// NotFound reports whether err represents a 404 from the provider.
func NotFound(err error) bool {
	pe, ok := err.(*Error)
	return ok && pe.Status == 404
}

// InsufficientResources reports whether err represents capacity exhaustion:
// a 409 or 412 whose body contains one of the known capacity markers.
// A 409/412 without a marker is NOT capacity exhaustion — it is most often
// an optimistic-concurrency mismatch (e.g. min_secrets_version) — and must
// propagate unchanged so the caller retries on the next reconciliation
// instead of triggering volume-fork/region-fallback logic.
func InsufficientResources(err error) bool {
	pe, ok := err.(*Error)
	if !ok {
		return false
	}
	if pe.Status != 409 && pe.Status != 412 {
		return false
	}

	haystack := strings.ToLower(pe.Body + " " + pe.Message)
	for _, marker := range capacityMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

// AppNameCollisionError is raised when create_app returns 409 and the
// existing app's machines are tagged to a different user — a
// hash-truncation tenant-isolation breach (spec §4.1). Non-recoverable.
type AppNameCollisionError struct {
	AppName          string
	RequestingUserID string
	OwningUserID     string
}

func (e *AppNameCollisionError) Error() string {
	return fmt.Sprintf("app name %q already owned by a different user (requesting user %q, owner %q)",
		e.AppName, e.RequestingUserID, e.OwningUserID)
}
