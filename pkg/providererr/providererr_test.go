package providererr

import "testing"

func TestNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"404", &Error{Status: 404}, true},
		{"500", &Error{Status: 500}, false},
		{"non-provider error", errGeneric("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NotFound(tt.err); got != tt.want {
				t.Errorf("NotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInsufficientResources(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"409 with capacity marker", &Error{Status: 409, Body: "Insufficient Resources in region iad"}, true},
		{"412 with memory marker", &Error{Status: 412, Message: "insufficient memory available"}, true},
		{"409 without marker", &Error{Status: 409, Body: "version mismatch"}, false},
		{"404", &Error{Status: 404, Body: "insufficient resources"}, false},
		{"500", &Error{Status: 500}, false},
		{"non-provider error", errGeneric("insufficient resources"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InsufficientResources(tt.err); got != tt.want {
				t.Errorf("InsufficientResources() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppNameCollisionErrorMessage(t *testing.T) {
	err := &AppNameCollisionError{AppName: "dev-abc", RequestingUserID: "u1", OwningUserID: "u2"}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

type errGeneric string

func (e errGeneric) Error() string { return string(e) }
