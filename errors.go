package odb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrEntityExists                = errors.New("entity exists")
	ErrEntityDoesNotExist          = errors.New("entity does not exist")
	ErrExtentExists                = errors.New("extent exists")
	ErrExtentDoesNotExist          = errors.New("extent does not exist")
	ErrFieldDoesNotExist           = errors.New("field does not exist")
	ErrIndexDoesNotExist           = errors.New("index does not exist")
	ErrKeyCollision                = errors.New("key collision")
	ErrDeleteRestricted            = errors.New("delete restricted")
	ErrTransactionAlreadyExecuted  = errors.New("transaction already executed")
	ErrTransactionNotExecuted      = errors.New("transaction not executed")
	ErrTransactionExpired          = errors.New("transaction expired")
	ErrTransactionFieldsNotChanged = errors.New("transaction fields not changed")
	ErrBackendConflict             = errors.New("backend conflict")
	ErrInvalidValue                = errors.New("invalid value")
	ErrReadOnly                    = errors.New("database is read-only")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// EntityError reports a failure concerning a single entity. Err is one of
// the sentinel errors (ErrEntityExists, ErrEntityDoesNotExist,
// ErrTransactionExpired, ErrTransactionFieldsNotChanged).
type EntityError struct {
	Extent string
	OID    uint64
	Msg    string
	Err    error
}

func entityErr(ext string, oid uint64, err error) error {
	return &EntityError{Extent: ext, OID: oid, Err: err}
}

func entityErrf(ext string, oid uint64, err error, format string, args ...any) error {
	return &EntityError{ext, oid, fmt.Sprintf(format, args...), err}
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Extent)
	buf.WriteByte('/')
	buf.WriteString(strconv.FormatUint(e.OID, 10))
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ExtentError reports a failure concerning an extent, one of its fields or
// one of its indices.
type ExtentError struct {
	Extent string
	Field  string
	Index  []string
	Msg    string
	Err    error
}

func extentErr(ext string, err error) error {
	return &ExtentError{Extent: ext, Err: err}
}

func fieldErr(ext, field string, err error) error {
	return &ExtentError{Extent: ext, Field: field, Err: err}
}

func extentErrf(ext string, err error, format string, args ...any) error {
	return &ExtentError{Extent: ext, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *ExtentError) Unwrap() error {
	return e.Err
}

func (e *ExtentError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Extent)
	if e.Field != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Field)
	}
	if e.Index != nil {
		buf.WriteByte('(')
		buf.WriteString(strings.Join(e.Index, ","))
		buf.WriteByte(')')
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// KeyCollisionError is returned when a unique index would map one value
// tuple to more than one entity. OID is the conflicting entity if known, or 0.
type KeyCollisionError struct {
	Extent string
	Fields []string
	Values []Value
	OID    uint64
}

func (e *KeyCollisionError) Unwrap() error {
	return ErrKeyCollision
}

func (e *KeyCollisionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Extent)
	buf.WriteByte('(')
	for i, f := range e.Fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f)
		if i < len(e.Values) {
			buf.WriteByte('=')
			buf.WriteString(e.Values[i].String())
		}
	}
	buf.WriteString("): ")
	buf.WriteString(ErrKeyCollision.Error())
	if e.OID != 0 {
		fmt.Fprintf(&buf, " with %s/%d", e.Extent, e.OID)
	}
	return buf.String()
}

// Restriction is a single reference that blocks a delete: the Field of
// referrer ReferrerExtent/ReferrerOID points at TargetExtent/TargetOID.
type Restriction struct {
	ReferrerExtent string
	ReferrerOID    uint64
	Field          string
	TargetExtent   string
	TargetOID      uint64
}

func (r Restriction) String() string {
	return fmt.Sprintf("%s/%d.%s -> %s/%d", r.ReferrerExtent, r.ReferrerOID, r.Field, r.TargetExtent, r.TargetOID)
}

// DeleteRestrictedError lists every reference that prevented a delete.
type DeleteRestrictedError struct {
	Violations []Restriction
}

func (e *DeleteRestrictedError) Unwrap() error {
	return ErrDeleteRestricted
}

func (e *DeleteRestrictedError) Error() string {
	var buf strings.Builder
	buf.WriteString(ErrDeleteRestricted.Error())
	buf.WriteString(": ")
	for i, r := range e.Violations {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(r.String())
	}
	return buf.String()
}

// FieldError reports a value rejected by a field's type.
type FieldError struct {
	Extent string
	Field  string
	Value  Value
	Msg    string
	Err    error
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func (e *FieldError) Error() string {
	var buf strings.Builder
	if e.Extent != "" {
		buf.WriteString(e.Extent)
		buf.WriteByte('.')
	}
	buf.WriteString(e.Field)
	buf.WriteString(" = ")
	buf.WriteString(e.Value.String())
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// TransactionError wraps ErrTransactionAlreadyExecuted and ErrTransactionNotExecuted.
type TransactionError struct {
	Label string
	Err   error
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Error() string {
	if e.Label == "" {
		return e.Err.Error()
	}
	return e.Label + ": " + e.Err.Error()
}

// BackendConflictError is returned when the storage kept reporting a conflict
// after all retry attempts.
type BackendConflictError struct {
	Attempts int
	Err      error
}

func (e *BackendConflictError) Unwrap() error {
	return e.Err
}

func (e *BackendConflictError) Is(target error) bool {
	return target == ErrBackendConflict
}

func (e *BackendConflictError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrBackendConflict, e.Attempts, e.Err)
}
