package httperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestBadRequest(t *testing.T) {
	err := NewBadRequest("name is required")
	if err.Error() != "name is required" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !IsBadRequest(err) {
		t.Fatal("expected IsBadRequest")
	}
	if !IsBadRequest(fmt.Errorf("wrap: %w", err)) {
		t.Fatal("expected IsBadRequest through wrapping")
	}
	if IsBadRequest(errors.New("plain")) {
		t.Fatal("plain error must not be bad request")
	}
}

func TestNotFound(t *testing.T) {
	err := NewNotFound("task not found")
	if !IsNotFound(err) {
		t.Fatal("expected IsNotFound")
	}
	if IsNotFound(NewBadRequest("x")) {
		t.Fatal("bad request must not be not found")
	}
}
