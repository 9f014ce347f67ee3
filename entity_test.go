package odb

import (
	"errors"
	"testing"
)

func TestEntity_RoundTrip(t *testing.T) {
	db := setup(t, userSchema())
	alice := create(t, db, "User", Fields{"name": String("Alice"), "age": Int(30)})
	bob := create(t, db, "User", Fields{"name": String("Bob")})
	deepEqual(t, alice, uint64(1))
	deepEqual(t, bob, uint64(2))

	read(t, db, func(tx *Tx) {
		noDiff(t, "alice", fieldsOf(t, tx, "User", alice), Fields{"name": String("Alice"), "age": Int(30)})
		noDiff(t, "bob", fieldsOf(t, tx, "User", bob), Fields{"name": String("Bob"), "age": Unassigned()})
	})

	write(t, db, func(tx *Tx) error {
		return tx.Update("User", alice, Fields{"age": Int(31)})
	})
	read(t, db, func(tx *Tx) {
		noDiff(t, "alice", fieldsOf(t, tx, "User", alice), Fields{"name": String("Alice"), "age": Int(31)})
		deepEqual(t, lenOf(t, tx, "User"), 2)
		deepEqual(t, must(tx.OIDs("User")), []uint64{1, 2})
	})
	verify(t, db)
}

func TestEntity_RevisionsIncreaseByOne(t *testing.T) {
	db := setup(t, userSchema())
	oid := create(t, db, "User", Fields{"name": String("Alice")})

	var revs []int64
	for i := range 4 {
		write(t, db, func(tx *Tx) error {
			return tx.Update("User", oid, Fields{"age": Int(int64(i))})
		})
		read(t, db, func(tx *Tx) {
			revs = append(revs, must(tx.Rev("User", oid)))
		})
	}
	deepEqual(t, revs, []int64{1, 2, 3, 4})
}

func TestEntity_KeyCollisionLeavesExtentIntact(t *testing.T) {
	db := setup(t, userSchema())
	alice := create(t, db, "User", Fields{"name": String("Alice"), "age": Int(30)})
	create(t, db, "User", Fields{"name": String("Bob"), "age": Int(25)})

	_, err := db.Execute(Create("User", Fields{"name": String("Alice"), "age": Int(99)}))
	var kce *KeyCollisionError
	if !errors.As(err, &kce) {
		t.Fatalf("third Alice err = %v, wanted *KeyCollisionError", err)
	}
	if !errors.Is(err, ErrKeyCollision) {
		t.Errorf("errors.Is(err, ErrKeyCollision) = false")
	}
	deepEqual(t, kce.OID, alice)
	deepEqual(t, kce.Fields, []string{"name"})
	noDiff(t, "values", kce.Values, []Value{String("Alice")})

	read(t, db, func(tx *Tx) {
		deepEqual(t, lenOf(t, tx, "User"), 2)
		deepEqual(t, oidsOf(t, tx, "User", Fields{"name": String("Alice")}), []uint64{alice})
		isempty(t, oidsOf(t, tx, "User", Fields{"age": Int(99)}))
	})
	verify(t, db)
}

func TestEntity_FailedOperationsAreUndone(t *testing.T) {
	db := setup(t, userSchema())
	create(t, db, "User", Fields{"name": String("Alice"), "age": Int(30)})
	bob := create(t, db, "User", Fields{"name": String("Bob"), "age": Int(25)})
	before := dump(t, db)

	// the body swallows every error and commits, so only the per-operation
	// undo stands between a failure and a partial write
	write(t, db, func(tx *Tx) error {
		if err := tx.Update("User", bob, Fields{"name": String("Alice"), "age": Int(1)}); !errors.Is(err, ErrKeyCollision) {
			t.Errorf("colliding update err = %v, wanted ErrKeyCollision", err)
		}
		if _, err := tx.Create("User", Fields{"name": String("Alice"), "age": Int(2)}); !errors.Is(err, ErrKeyCollision) {
			t.Errorf("colliding create err = %v, wanted ErrKeyCollision", err)
		}
		if err := tx.Update("User", 42, Fields{"age": Int(3)}); !errors.Is(err, ErrEntityDoesNotExist) {
			t.Errorf("update of missing entity err = %v, wanted ErrEntityDoesNotExist", err)
		}
		return nil
	})

	noDiff(t, "dump", dump(t, db), before)
	verify(t, db)
}

func TestEntity_WithOID(t *testing.T) {
	db := setup(t, userSchema())
	write(t, db, func(tx *Tx) error {
		_, err := tx.Create("User", Fields{"name": String("Ten")}, WithOID(10))
		return err
	})
	next := create(t, db, "User", Fields{"name": String("Next")})
	deepEqual(t, next, uint64(11))

	_, err := db.Execute(Create("User", Fields{"name": String("Dup")}, WithOID(10)))
	if !errors.Is(err, ErrEntityExists) {
		t.Fatalf("create with taken oid err = %v, wanted ErrEntityExists", err)
	}
	var ee *EntityError
	if !errors.As(err, &ee) || ee.Extent != "User" || ee.OID != 10 {
		t.Errorf("err = %#v, wanted EntityError for User/10", err)
	}
}

func TestEntity_Errors(t *testing.T) {
	db := setup(t, userSchema())
	oid := create(t, db, "User", Fields{"name": String("Alice")})

	tests := []struct {
		name string
		f    func(tx *Tx) error
		want error
	}{
		{"missing extent", func(tx *Tx) error {
			_, err := tx.Create("Nope", Fields{})
			return err
		}, ErrExtentDoesNotExist},
		{"missing field", func(tx *Tx) error {
			return tx.Update("User", oid, Fields{"email": String("x")})
		}, ErrFieldDoesNotExist},
		{"delete missing", func(tx *Tx) error {
			return tx.Delete("User", 99)
		}, ErrEntityDoesNotExist},
		{"ref to missing extent", func(tx *Tx) error {
			return tx.Update("User", oid, Fields{"age": Ref("Nope", 1)})
		}, ErrExtentDoesNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Execute(NewTransaction(tt.name, func(tx *Tx) (any, error) {
				return nil, tt.f(tx)
			}))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, wanted %v", err, tt.want)
			}
		})
	}

	read(t, db, func(tx *Tx) {
		_, err := tx.Fields("User", 99)
		if !errors.Is(err, ErrEntityDoesNotExist) {
			t.Errorf("Fields(missing) err = %v", err)
		}
		_, err = tx.Field("User", oid, "email")
		var xe *ExtentError
		if !errors.As(err, &xe) || xe.Field != "email" {
			t.Errorf("Field(email) err = %v, wanted ExtentError for field email", err)
		}
		if ok := must(tx.Exists("User", 99)); ok {
			t.Errorf("Exists(99) = true")
		}
		if err := tx.Update("User", oid, Fields{"age": Int(1)}); !errors.Is(err, ErrReadOnly) {
			t.Errorf("Update in read tx err = %v, wanted ErrReadOnly", err)
		}
	})
}

func TestEntity_Defaults(t *testing.T) {
	scm := NewSchema()
	AddExtent(scm, "Task",
		Field("title", StringType{}),
		Field("status", StringType{}, Default(String("open"))),
		Field("priority", IntType{}, Default(Int(3))),
	).Index("status")
	db := setup(t, scm)

	a := create(t, db, "Task", Fields{"title": String("a")})
	b := create(t, db, "Task", Fields{"title": String("b"), "status": String("done")})
	read(t, db, func(tx *Tx) {
		noDiff(t, "a", fieldsOf(t, tx, "Task", a), Fields{"title": String("a"), "status": String("open"), "priority": Int(3)})
		deepEqual(t, oidsOf(t, tx, "Task", Fields{"status": String("open")}), []uint64{a})
		deepEqual(t, oidsOf(t, tx, "Task", Fields{"status": String("done")}), []uint64{b})
	})
}
