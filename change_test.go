package odb

import (
	"errors"
	"testing"

	"github.com/andreyvit/odb/journal"
)

func TestNormalizeChanges(t *testing.T) {
	a, b, c, d := entityKey{1, 1}, entityKey{1, 2}, entityKey{2, 1}, entityKey{2, 2}
	raw := []rawChange{
		{OpUpdate, c},
		{OpCreate, a},
		{OpUpdate, a},
		{OpCreate, b},
		{OpUpdate, c},
		{OpDelete, b},
		{OpUpdate, d},
		{OpDelete, d},
		{OpUpdate, a},
	}
	deepEqual(t, normalizeChanges(raw), []rawChange{
		{OpUpdate, c},
		{OpCreate, a},
		{OpDelete, d},
	})
	isempty(t, normalizeChanges(nil))
}

func TestOpString(t *testing.T) {
	deepEqual(t, OpCreate.String(), "create")
	deepEqual(t, OpDelete.String(), "delete")
	deepEqual(t, Op(9).String(), "invalid op 9")
	deepEqual(t, Change{OpUpdate, "User", 3}.String(), "update User/3")
}

func TestJournal_ChangeSets(t *testing.T) {
	dir := t.TempDir()
	db := must(OpenMemory(userSchema(), Options{IsTesting: true, JournalDir: dir}))

	alice := must(db.Execute(Create("User", Fields{"name": String("Alice")}))).(uint64)
	txn := Update("User", alice, Fields{"age": Int(30)})
	must(db.Execute(txn))
	must(db.ExecuteWith(ExecOptions{Bulk: true}, Create("User", Fields{"name": String("Bob")})))
	_, err := db.Execute(Create("User", Fields{"name": String("Alice")}))
	if err == nil {
		t.Fatalf("duplicate create succeeded")
	}
	db.Close()

	css := must(ReadJournal(dir))
	if len(css) != 3 {
		t.Fatalf("journal has %d change sets, wanted 3", len(css))
	}
	deepEqual(t, css[0].Label, "create User")
	deepEqual(t, css[0].Changes, []Change{{OpCreate, "User", alice}})
	deepEqual(t, css[1].ID, txn.ID())
	deepEqual(t, css[1].Changes, []Change{{OpUpdate, "User", alice}})
	deepEqual(t, css[2].Bulk, true)
	isempty(t, css[2].Changes)
	if css[0].Time.IsZero() || css[1].Time.Before(css[0].Time) {
		t.Errorf("change set times = %v, %v", css[0].Time, css[1].Time)
	}
}

func TestReadJournal_foreignJournal(t *testing.T) {
	dir := t.TempDir()
	j := journal.New(dir, journal.Options{FileName: "odb-*.wal", NoSync: true})
	ensure(j.StartWriting())
	ensure(j.WriteRecord(j.Now(), []byte("not a change set")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	if _, err := ReadJournal(dir); !errors.Is(err, journal.ErrIncompatible) {
		t.Fatalf("ReadJournal err = %v, wanted ErrIncompatible", err)
	}
	if _, err := OpenMemory(userSchema(), Options{IsTesting: true, JournalDir: dir}); !errors.Is(err, journal.ErrIncompatible) {
		t.Fatalf("OpenMemory err = %v, wanted ErrIncompatible", err)
	}
}
