package odb

import (
	"fmt"

	"github.com/google/uuid"
)

type TxState int

const (
	TxConstructed TxState = iota
	TxExecuting
	TxCommitted
	TxInverted
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxConstructed:
		return "constructed"
	case TxExecuting:
		return "executing"
	case TxCommitted:
		return "committed"
	case TxInverted:
		return "inverted"
	case TxFailed:
		return "failed"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Transaction is a unit of work. It executes at most once, either as an
// outermost transaction via DB.Execute or nested inside another one via
// Tx.Execute. A nested transaction that fails is undone by replaying its
// inversions, leaving the enclosing transaction free to continue.
type Transaction struct {
	Label string

	id   uuid.UUID
	body func(tx *Tx) (any, error)

	state    TxState
	executed bool
	result   any

	changes     []rawChange
	validations []entityKey
	inversions  []func() error
	relaxed     []relaxKey
	children    []*Transaction
}

// NewTransaction creates a transaction running body. The body's result is
// available via Result once the transaction has executed.
func NewTransaction(label string, body func(tx *Tx) (any, error)) *Transaction {
	return &Transaction{
		Label: label,
		id:    newTxID(),
		body:  body,
	}
}

func newTxID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func (t *Transaction) ID() uuid.UUID  { return t.id }
func (t *Transaction) State() TxState { return t.state }
func (t *Transaction) Executed() bool { return t.executed }

// Result returns the body's result, or ErrTransactionNotExecuted.
func (t *Transaction) Result() (any, error) {
	if !t.executed {
		return nil, &TransactionError{t.Label, ErrTransactionNotExecuted}
	}
	return t.result, nil
}

func (t *Transaction) String() string {
	if t.Label != "" {
		return t.Label
	}
	return t.id.String()
}

// Reset returns the transaction and every nested transaction it executed to
// the constructed state, so that it can run again.
func (t *Transaction) Reset() {
	for _, c := range t.children {
		c.Reset()
	}
	t.state = TxConstructed
	t.executed = false
	t.result = nil
	t.clearLogs()
	t.children = nil
}

func (t *Transaction) clearLogs() {
	t.changes = nil
	t.validations = nil
	t.inversions = nil
	t.relaxed = nil
}

// settle moves t and every nested transaction that succeeded within it to
// their final state.
func (t *Transaction) settle(state TxState) {
	t.state = state
	for _, c := range t.children {
		c.settle(state)
	}
}

// merge hands the logs of a successfully executed nested transaction to
// its parent, so that undoing the parent undoes the child too.
func (t *Transaction) merge(child *Transaction) {
	t.inversions = append(t.inversions, child.inversions...)
	t.changes = append(t.changes, child.changes...)
	t.validations = append(t.validations, child.validations...)
	t.children = append(t.children, child)
	child.inversions = nil
}

// Create returns a transaction that creates an entity and yields its oid.
func Create(extent string, fields Fields, opts ...any) *Transaction {
	return NewTransaction("create "+extent, func(tx *Tx) (any, error) {
		return tx.Create(extent, fields, opts...)
	})
}

type updateOpt int

const (
	// RequireChanges makes an Update fail with ErrTransactionFieldsNotChanged
	// when no field would change.
	RequireChanges updateOpt = 1
)

type expectRevOpt int64

// ExpectRev makes an Update or Delete fail with ErrTransactionExpired if the
// entity's revision is no longer rev when the transaction executes.
func ExpectRev(rev int64) any {
	return expectRevOpt(rev)
}

// Update returns a transaction that changes fields of an entity.
func Update(extent string, oid uint64, fields Fields, opts ...any) *Transaction {
	var requireChanges, hasRev bool
	var rev int64
	for _, o := range opts {
		switch o := o.(type) {
		case updateOpt:
			requireChanges = requireChanges || o == RequireChanges
		case expectRevOpt:
			hasRev, rev = true, int64(o)
		default:
			panic(fmt.Errorf("invalid option %T %v", o, o))
		}
	}
	return NewTransaction(fmt.Sprintf("update %s/%d", extent, oid), func(tx *Tx) (any, error) {
		if hasRev {
			if err := tx.checkRev(extent, oid, rev); err != nil {
				return nil, err
			}
		}
		if requireChanges {
			changed, err := tx.wouldChange(extent, oid, fields)
			if err != nil {
				return nil, err
			}
			if !changed {
				return nil, entityErr(extent, oid, ErrTransactionFieldsNotChanged)
			}
		}
		return nil, tx.Update(extent, oid, fields)
	})
}

// Delete returns a transaction that deletes an entity, applying the
// on-delete policies of every field referencing it.
func Delete(extent string, oid uint64, opts ...any) *Transaction {
	var hasRev bool
	var rev int64
	for _, o := range opts {
		switch o := o.(type) {
		case expectRevOpt:
			hasRev, rev = true, int64(o)
		default:
			panic(fmt.Errorf("invalid option %T %v", o, o))
		}
	}
	return NewTransaction(fmt.Sprintf("delete %s/%d", extent, oid), func(tx *Tx) (any, error) {
		if hasRev {
			if err := tx.checkRev(extent, oid, rev); err != nil {
				return nil, err
			}
		}
		return nil, tx.Delete(extent, oid)
	})
}

// Combination executes txns in order as nested transactions, yielding
// their results as []any.
func Combination(txns ...*Transaction) *Transaction {
	return NewTransaction("combination", func(tx *Tx) (any, error) {
		results := make([]any, 0, len(txns))
		for _, sub := range txns {
			r, err := tx.Execute(sub)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
		return results, nil
	})
}
