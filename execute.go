package odb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

const defaultConflictRetries = 3

// ExecOptions apply to an outermost execution and every transaction nested in it.
type ExecOptions struct {
	// Bulk skips inversion and change bookkeeping. Any failure then rolls
	// back the whole outermost transaction, and the ChangeSet is empty.
	Bulk bool
}

// Execute runs txns as one outermost transaction (wrapped in a Combination
// if there are several) and returns its result.
func (db *DB) Execute(txns ...*Transaction) (any, error) {
	return db.ExecuteWith(ExecOptions{}, txns...)
}

func (db *DB) ExecuteWith(opt ExecOptions, txns ...*Transaction) (any, error) {
	if len(txns) == 0 {
		return nil, nil
	}
	t := txns[0]
	if len(txns) > 1 {
		t = Combination(txns...)
	}
	if t.executed || t.state == TxExecuting {
		return nil, &TransactionError{t.Label, ErrTransactionAlreadyExecuted}
	}

	start := time.Now()
	maxAttempts := max(db.conflictRetries, 1)
	for attempt := 1; ; attempt++ {
		cs, err := db.executeOnce(t, opt)
		if errors.Is(err, ErrConflict) {
			if attempt >= maxAttempts {
				transactionsTotal.WithLabelValues("conflict").Inc()
				db.logger.LogAttrs(context.Background(), slog.LevelWarn, "odb: giving up on conflicting transaction", slog.String("tx", t.String()), slog.Int("attempts", attempt))
				t.state = TxFailed
				return nil, &BackendConflictError{Attempts: attempt, Err: err}
			}
			conflictRetriesTotal.Inc()
			db.logger.LogAttrs(context.Background(), slog.LevelDebug, "odb: retrying conflicting transaction", slog.String("tx", t.String()), slog.Int("attempt", attempt))
			t.Reset()
			continue
		}
		transactionDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			transactionsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		transactionsTotal.WithLabelValues("committed").Inc()
		db.dispatch(cs)
		return t.result, nil
	}
}

func (db *DB) executeOnce(t *Transaction, opt ExecOptions) (*ChangeSet, error) {
	db.WriterCount.Add(1)
	defer db.WriterCount.Add(-1)

	db.PendingWriterCount.Add(1)
	stx, err := db.store.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("odb: begin: %w", err)
	}
	defer stx.Rollback()

	s := newSession(db, stx)
	s.bulk = opt.Bulk
	s.strict = true

	if err := s.run(t); err != nil {
		if db.verbose {
			db.logf("db: ROLLBACK %v: %v", t, err)
		}
		return nil, err
	}

	cs := s.changeSet(t)
	size := stx.Size()
	if err := stx.Commit(); err != nil {
		t.settle(TxFailed)
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("odb: commit: %w", err)
	}
	db.WriteCount.Add(1)
	db.lastSize.Store(size)
	if s.catalogForked {
		db.setCatalog(s.cat)
	}
	t.settle(TxCommitted)
	if db.verbose {
		db.logf("db: COMMIT %v (%d changes)", t, len(cs.Changes))
	}
	db.appendJournal(cs)
	return cs, nil
}

// run executes t within the session, nested in whatever is on the stack.
func (s *session) run(t *Transaction) error {
	if t.executed || t.state == TxExecuting {
		return &TransactionError{t.Label, ErrTransactionAlreadyExecuted}
	}
	outermost := len(s.stack) == 0
	var parent *Transaction
	if !outermost {
		parent = s.stack[len(s.stack)-1]
	}

	t.state = TxExecuting
	t.clearLogs()
	t.children = nil
	s.stack = append(s.stack, t)

	result, err := s.safelyCall(t)
	if err == nil && s.poisoned {
		err = s.poisonErr
	}
	if err == nil {
		err = s.enforceAll(t)
	}
	if err == nil && s.strict {
		err = s.validate(t)
	}
	s.stack = s.stack[:len(s.stack)-1]

	if err != nil {
		// inversions replay under t's relaxations
		s.fail(t, outermost, err)
		s.releaseRelaxations(t)
		return err
	}
	s.releaseRelaxations(t)

	t.executed = true
	t.result = result
	if parent != nil {
		parent.merge(t)
	}
	return nil
}

// fail undoes a failed transaction. Outermost and bulk transactions rely on
// the storage rollback, so the session is poisoned and can't commit.
// Nested ones replay their inversions in reverse.
func (s *session) fail(t *Transaction, outermost bool, err error) {
	if outermost || s.bulk || s.poisoned {
		s.poison(err)
		t.settle(TxFailed)
		return
	}
	if ierr := s.invert(t); ierr != nil {
		s.db.logger.LogAttrs(context.Background(), slog.LevelError, "odb: inversion failed", slog.String("tx", t.String()), slog.Any("err", ierr))
		s.poison(fmt.Errorf("%v: inversion failed: %w", t, ierr))
		t.settle(TxFailed)
		return
	}
	t.settle(TxInverted)
}

func (s *session) poison(err error) {
	if !s.poisoned {
		s.poisoned = true
		s.poisonErr = err
	}
}

func (s *session) invert(t *Transaction) (err error) {
	s.detached = true
	defer func() {
		s.detached = false
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	inversionsTotal.Add(float64(len(t.inversions)))
	for i := len(t.inversions) - 1; i >= 0; i-- {
		if err := t.inversions[i](); err != nil {
			return err
		}
	}
	if s.db.verbose {
		s.db.logf("db: INVERTED %v (%d ops)", t, len(t.inversions))
	}
	t.inversions = nil
	return nil
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

// safelyCall runs the body, turning a panic into an error. A panic may
// leave storage half-updated, so it poisons the session.
func (s *session) safelyCall(t *Transaction) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
			s.poison(err)
		}
	}()
	return t.body(&Tx{s: s, t: t})
}

func (s *session) current() *Transaction {
	if s.detached || len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

func (s *session) recordInversion(f func() error) {
	if t := s.current(); t != nil && !s.bulk {
		t.inversions = append(t.inversions, f)
	}
}

func (s *session) recordChange(op Op, ext *extent, oid uint64) {
	if t := s.current(); t != nil && !s.bulk {
		t.changes = append(t.changes, rawChange{op, entityKey{ext.id, oid}})
	}
}

func (s *session) recordValidation(ext *extent, oid uint64) {
	if t := s.current(); t != nil {
		t.validations = append(t.validations, entityKey{ext.id, oid})
	}
}

// validate checks required fields and field types of every entity the
// transaction created or updated, and which still exists.
func (s *session) validate(t *Transaction) error {
	seen := make(map[entityKey]bool, len(t.validations))
	for _, k := range t.validations {
		if seen[k] {
			continue
		}
		seen[k] = true
		ext := s.cat.byID[k.ext]
		if ext == nil || ext.def == nil {
			continue
		}
		rec := s.loadRecord(ext, k.oid)
		if rec == nil {
			continue
		}
		for _, fid := range ext.sortedFieldIDs() {
			fd := ext.fieldDefs[fid]
			if fd == nil {
				continue
			}
			v := s.present(rec.field(fid))
			if fd.Required && isEmpty(v) {
				return &FieldError{Extent: ext.name, Field: fd.Name, Value: v, Msg: "required", Err: ErrInvalidValue}
			}
			if err := fd.Type.Validate(v); err != nil {
				return withField(err, ext.name, fd.Name)
			}
		}
	}
	return nil
}
