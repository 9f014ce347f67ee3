package odb

import (
	"errors"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"
)

func eachStorage(t *testing.T, f func(t *testing.T, store storage)) {
	t.Run("mem", func(t *testing.T) {
		store := newMemStorage()
		defer store.Close()
		f(t, store)
	})
	t.Run("bolt", func(t *testing.T) {
		bdb := must(bbolt.Open(filepath.Join(t.TempDir(), "storage.db"), 0666, &bbolt.Options{NoSync: true}))
		store := newBoltStorage(bdb)
		defer store.Close()
		f(t, store)
	})
}

func TestStorage_NestedBuckets(t *testing.T) {
	eachStorage(t, func(t *testing.T, store storage) {
		tx := must(store.BeginTx(true))
		root := must(tx.CreateBucket([]byte("root")))
		child := must(root.CreateBucket([]byte("child")))
		ensure(child.Put([]byte("b"), []byte("2")))
		ensure(child.Put([]byte("a"), []byte("1")))
		ensure(root.Put([]byte("x"), []byte("y")))
		ensure(tx.Commit())

		tx = must(store.BeginTx(false))
		defer tx.Rollback()
		root = tx.Bucket([]byte("root"))
		if root == nil {
			t.Fatalf("root bucket missing")
		}
		deepEqual(t, root.KeyCount(), 2)
		deepEqual(t, string(root.Get([]byte("x"))), "y")
		if root.Get([]byte("child")) != nil {
			t.Errorf("Get(child) returned a value for a bucket")
		}

		var keys []string
		c := root.Bucket([]byte("child")).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		deepEqual(t, keys, []string{"a", "b"})

		k, v := root.Cursor().First()
		if string(k) != "child" || v != nil {
			t.Errorf("First() = %q, %q, wanted child bucket with nil value", k, v)
		}
		k, _ = c.Seek([]byte("aa"))
		deepEqual(t, string(k), "b")
		k, _ = c.Last()
		deepEqual(t, string(k), "b")
		k, _ = c.Prev()
		deepEqual(t, string(k), "a")
	})
}

func TestStorage_RollbackAndDeleteBucket(t *testing.T) {
	eachStorage(t, func(t *testing.T, store storage) {
		tx := must(store.BeginTx(true))
		root := must(tx.CreateBucket([]byte("root")))
		must(root.CreateBucket([]byte("gone")))
		ensure(tx.Commit())

		tx = must(store.BeginTx(true))
		root = tx.Bucket([]byte("root"))
		ensure(root.Put([]byte("k"), []byte("v")))
		ensure(tx.Rollback())

		tx = must(store.BeginTx(true))
		root = tx.Bucket([]byte("root"))
		if v := root.Get([]byte("k")); v != nil {
			t.Errorf("rolled back value visible: %q", v)
		}
		ensure(root.DeleteBucket([]byte("gone")))
		if err := root.DeleteBucket([]byte("gone")); !errors.Is(err, ErrBucketNotFound) {
			t.Errorf("DeleteBucket(missing) = %v, wanted ErrBucketNotFound", err)
		}
		if !isBucketEmpty(root) {
			t.Errorf("root not empty after deleting its only bucket")
		}
		ensure(tx.Commit())
	})
}

func TestMemStorage_Conflict(t *testing.T) {
	store := newMemStorage()
	defer store.Close()

	tx1 := must(store.BeginTx(true))
	tx2 := must(store.BeginTx(true))
	must(tx1.CreateBucket([]byte("a")))
	must(tx2.CreateBucket([]byte("b")))
	ensure(tx1.Commit())
	if err := tx2.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("second commit = %v, wanted ErrConflict", err)
	}

	tx := must(store.BeginTx(false))
	defer tx.Rollback()
	if tx.Bucket([]byte("a")) == nil {
		t.Errorf("first commit lost")
	}
	if tx.Bucket([]byte("b")) != nil {
		t.Errorf("conflicting commit applied")
	}
}

func TestMemStorage_SnapshotIsolation(t *testing.T) {
	store := newMemStorage()
	defer store.Close()

	rtx := must(store.BeginTx(false))
	defer rtx.Rollback()

	wtx := must(store.BeginTx(true))
	ensure(must(wtx.CreateBucket([]byte("a"))).Put([]byte("k"), []byte("v")))
	ensure(wtx.Commit())

	if rtx.Bucket([]byte("a")) != nil {
		t.Errorf("reader sees a commit made after it began")
	}
}

func TestBolt_ExecuteAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	opt := Options{IsTesting: true}

	db := must(Open(path, refSchema(), opt))
	p := must(db.Execute(Create("Person", Fields{"name": String("P")}))).(uint64)
	must(db.Execute(Create("Account", Fields{"owner": Ref("Person", p), "number": String("A-1")})))
	keep := must(db.Execute(Create("Person", Fields{"name": String("Q")}))).(uint64)
	must(db.Execute(Update("Person", keep, Fields{"name": String("Quinn")})))
	must(db.Execute(Delete("Person", p)))
	if db.Size() <= 0 {
		t.Errorf("Size = %d, wanted > 0", db.Size())
	}
	deepEqual(t, db.WriteCount.Load(), uint64(5))
	verify(t, db)
	db.Close()

	db = must(Open(path, refSchema(), opt))
	defer db.Close()
	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.OIDs("Person")), []uint64{keep})
		noDiff(t, "quinn", fieldsOf(t, tx, "Person", keep), Fields{"name": String("Quinn")})
		deepEqual(t, must(tx.Rev("Person", keep)), int64(2))
		deepEqual(t, lenOf(t, tx, "Account"), 0)
	})
	create(t, db, "Account", Fields{"number": String("A-1")})
	verify(t, db)
}
