package odb

import (
	"errors"
	"testing"
)

func seedUsers(t testing.TB, db *DB) (alice, bob, carol, dave uint64) {
	t.Helper()
	alice = create(t, db, "User", Fields{"name": String("Alice"), "age": Int(30)})
	bob = create(t, db, "User", Fields{"name": String("Bob"), "age": Int(25)})
	carol = create(t, db, "User", Fields{"name": String("Carol")})
	dave = create(t, db, "User", Fields{"name": String("Dave"), "age": Int(30)})
	return
}

func TestFind(t *testing.T) {
	db := setup(t, userSchema())
	alice, bob, carol, dave := seedUsers(t, db)

	read(t, db, func(tx *Tx) {
		deepEqual(t, oidsOf(t, tx, "User", Fields{"name": String("Bob")}), []uint64{bob})
		deepEqual(t, oidsOf(t, tx, "User", Fields{"age": Int(30)}), []uint64{alice, dave})
		deepEqual(t, oidsOf(t, tx, "User", Fields{"age": Unassigned()}), []uint64{carol})
		deepEqual(t, oidsOf(t, tx, "User", Fields{"name": String("Dave"), "age": Int(30)}), []uint64{dave})
		deepEqual(t, oidsOf(t, tx, "User", nil), []uint64{alice, bob, carol, dave})
		isempty(t, oidsOf(t, tx, "User", Fields{"name": String("Eve")}))
		isempty(t, oidsOf(t, tx, "User", Fields{"name": String("Alice"), "age": Int(25)}))

		deepEqual(t, must(tx.FindOne("User", Fields{"name": String("Carol")})), carol)
		deepEqual(t, must(tx.FindOne("User", Fields{"name": String("Eve")})), uint64(0))

		_, err := tx.Find("User", Fields{"email": String("x")})
		if !errors.Is(err, ErrFieldDoesNotExist) {
			t.Errorf("Find(email) err = %v, wanted ErrFieldDoesNotExist", err)
		}
		_, err = tx.Find("Robot", nil)
		if !errors.Is(err, ErrExtentDoesNotExist) {
			t.Errorf("Find(Robot) err = %v, wanted ErrExtentDoesNotExist", err)
		}
	})
}

func TestFind_withoutIndex(t *testing.T) {
	db := setup(t, refSchema())
	ann := create(t, db, "Person", Fields{"name": String("Ann")})
	ben := create(t, db, "Person", Fields{"name": String("Ben")})
	rex := create(t, db, "Pet", Fields{"owner": Ref("Person", ann), "name": String("Rex")})
	tom := create(t, db, "Pet", Fields{"owner": Ref("Person", ben), "name": String("Tom")})
	milo := create(t, db, "Pet", Fields{"owner": Ref("Person", ann), "name": String("Milo")})

	read(t, db, func(tx *Tx) {
		deepEqual(t, oidsOf(t, tx, "Pet", Fields{"name": String("Tom")}), []uint64{tom})
		deepEqual(t, oidsOf(t, tx, "Pet", Fields{"owner": Ref("Person", ann)}), []uint64{rex, milo})
		deepEqual(t, oidsOf(t, tx, "Pet", Fields{"owner": Ref("Person", ann), "name": String("Milo")}), []uint64{milo})
	})
}

func TestOrderedOIDs(t *testing.T) {
	db := setup(t, userSchema())
	alice, bob, carol, dave := seedUsers(t, db)

	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.OrderedOIDs("User", "age")), []uint64{carol, bob, alice, dave})
		deepEqual(t, must(tx.OrderedOIDs("User", "-age")), []uint64{alice, dave, bob, carol})
		deepEqual(t, must(tx.OrderedOIDs("User", "-name")), []uint64{dave, carol, bob, alice})
		deepEqual(t, must(tx.OrderedOIDs("User")), []uint64{alice, bob, carol, dave})

		_, err := tx.OrderedOIDs("User", "age", "name")
		if !errors.Is(err, ErrIndexDoesNotExist) {
			t.Errorf("OrderedOIDs(age, name) err = %v, wanted ErrIndexDoesNotExist", err)
		}
	})
}

func TestIndex_SupersetOfKeyIsUnique(t *testing.T) {
	scm := NewSchema()
	AddExtent(scm, "Item",
		Field("a", StringType{}),
		Field("b", StringType{}),
	).Key("a").Index("a", "b")
	db := setup(t, scm)

	read(t, db, func(tx *Tx) {
		noDiff(t, "indices", must(tx.Extent("Item")).Indices, []IndexInfo{
			{Fields: []string{"a"}, Unique: true},
			{Fields: []string{"a", "b"}, Unique: true},
		})
	})
}

func TestCreateIndex(t *testing.T) {
	db := setup(t, userSchema())
	alice, bob, carol, dave := seedUsers(t, db)

	write(t, db, func(tx *Tx) error {
		return tx.CreateIndex("User", false, "age", "name")
	})
	read(t, db, func(tx *Tx) {
		noDiff(t, "indices", must(tx.Extent("User")).Indices, []IndexInfo{
			{Fields: []string{"name"}, Unique: true},
			{Fields: []string{"age"}},
			{Fields: []string{"age", "name"}, Unique: true},
		})
		deepEqual(t, must(tx.OrderedOIDs("User", "age", "-name")), []uint64{carol, bob, dave, alice})
	})
	verify(t, db)

	_, err := db.Execute(NewTransaction("unique age", func(tx *Tx) (any, error) {
		return nil, tx.CreateIndex("User", true, "age")
	}))
	if !errors.Is(err, ErrKeyCollision) {
		t.Fatalf("unique age err = %v, wanted ErrKeyCollision", err)
	}

	write(t, db, func(tx *Tx) error {
		return tx.DropIndex("User", "name", "age")
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, len(must(tx.Extent("User")).Indices), 2)
		_, err := tx.OrderedOIDs("User", "age", "name")
		if !errors.Is(err, ErrIndexDoesNotExist) {
			t.Errorf("OrderedOIDs after drop err = %v, wanted ErrIndexDoesNotExist", err)
		}
	})
	verify(t, db)
}

func TestCreateIndex_failureLeavesNoTrace(t *testing.T) {
	db := setup(t, userSchema())
	seedUsers(t, db)
	before := dump(t, db)

	write(t, db, func(tx *Tx) error {
		err := tx.CreateIndex("User", true, "age")
		if !errors.Is(err, ErrKeyCollision) {
			t.Errorf("CreateIndex err = %v, wanted ErrKeyCollision", err)
		}
		return nil
	})
	deepEqual(t, dump(t, db), before)
	verify(t, db)
}

func TestCreateIndex_invertedWithNestedTransaction(t *testing.T) {
	db := setup(t, userSchema())
	alice, _, _, _ := seedUsers(t, db)
	before := dump(t, db)

	failure := errors.New("changed my mind")
	write(t, db, func(tx *Tx) error {
		_, err := tx.Execute(NewTransaction("reindex", func(tx *Tx) (any, error) {
			if err := tx.DropIndex("User", "age"); err != nil {
				return nil, err
			}
			if err := tx.CreateIndex("User", false, "name", "age"); err != nil {
				return nil, err
			}
			if err := tx.Update("User", alice, Fields{"age": Int(31)}); err != nil {
				return nil, err
			}
			return nil, failure
		}))
		if !errors.Is(err, failure) {
			t.Errorf("nested err = %v, wanted %v", err, failure)
		}
		return nil
	})

	deepEqual(t, dump(t, db), before)
	read(t, db, func(tx *Tx) {
		noDiff(t, "indices", must(tx.Extent("User")).Indices, []IndexInfo{
			{Fields: []string{"name"}, Unique: true},
			{Fields: []string{"age"}},
		})
	})
	verify(t, db)
}

func TestDropIndex_unknown(t *testing.T) {
	db := setup(t, userSchema())
	_, err := db.Execute(NewTransaction("drop", func(tx *Tx) (any, error) {
		return nil, tx.DropIndex("User", "name", "age")
	}))
	if !errors.Is(err, ErrIndexDoesNotExist) {
		t.Fatalf("DropIndex err = %v, wanted ErrIndexDoesNotExist", err)
	}
}
