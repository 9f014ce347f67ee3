package odb

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		deepEqual(t, err.Error(), "oops: inner: (2) aabb")
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestEntityAndExtentErrors(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		msg      string
	}{
		{entityErr("User", 7, ErrEntityDoesNotExist), ErrEntityDoesNotExist, "User/7: entity does not exist"},
		{entityErrf("User", 7, ErrTransactionExpired, "rev %d, expected %d", 2, 1), ErrTransactionExpired, "User/7: rev 2, expected 1: transaction expired"},
		{extentErr("Robot", ErrExtentDoesNotExist), ErrExtentDoesNotExist, "Robot: extent does not exist"},
		{fieldErr("User", "email", ErrFieldDoesNotExist), ErrFieldDoesNotExist, "User.email: field does not exist"},
		{&ExtentError{Extent: "User", Index: []string{"name", "age"}, Err: ErrIndexDoesNotExist}, ErrIndexDoesNotExist, "User(name,age): index does not exist"},
		{&TransactionError{"create User", ErrTransactionAlreadyExecuted}, ErrTransactionAlreadyExecuted, "create User: transaction already executed"},
		{&TransactionError{"", ErrTransactionNotExecuted}, ErrTransactionNotExecuted, "transaction not executed"},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
		}
		if a := tt.err.Error(); a != tt.msg {
			t.Errorf("Error() = %q, wanted %q", a, tt.msg)
		}
	}
}

func TestKeyCollisionError(t *testing.T) {
	err := error(&KeyCollisionError{Extent: "User", Fields: []string{"name", "age"}, Values: []Value{String("Alice"), Int(30)}, OID: 3})
	if !errors.Is(err, ErrKeyCollision) {
		t.Errorf("errors.Is(err, ErrKeyCollision) = false")
	}
	s := err.Error()
	for _, want := range []string{"User(name=", "age=30", "key collision with User/3"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, wanted it to contain %q", s, want)
		}
	}
}

func TestDeleteRestrictedError(t *testing.T) {
	err := error(&DeleteRestrictedError{Violations: []Restriction{
		{"Pet", 1, "owner", "Person", 5},
		{"Pet", 2, "owner", "Person", 5},
	}})
	if !errors.Is(err, ErrDeleteRestricted) {
		t.Errorf("errors.Is(err, ErrDeleteRestricted) = false")
	}
	deepEqual(t, err.Error(), "delete restricted: Pet/1.owner -> Person/5; Pet/2.owner -> Person/5")
}

func TestBackendConflictError(t *testing.T) {
	err := error(&BackendConflictError{Attempts: 3, Err: ErrConflict})
	if !errors.Is(err, ErrBackendConflict) || !errors.Is(err, ErrConflict) {
		t.Errorf("BackendConflictError doesn't match ErrBackendConflict and ErrConflict")
	}
	if s := err.Error(); !strings.HasPrefix(s, "backend conflict after 3 attempts: ") {
		t.Errorf("Error() = %q", s)
	}
}

func TestFieldError(t *testing.T) {
	err := withField(&FieldError{Value: Int(11), Msg: "greater than 10", Err: ErrInvalidValue}, "Score", "points")
	var fe *FieldError
	if !errors.As(err, &fe) || !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("err = %v, wanted *FieldError", err)
	}
	deepEqual(t, err.Error(), "Score.points = 11: greater than 10: invalid value")
}
