package odb

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var valueComparer = cmp.Comparer(func(a, b Value) bool { return a.Equal(b) })

func userSchema() *Schema {
	scm := NewSchema()
	AddExtent(scm, "User",
		Field("name", StringType{}, Required),
		Field("age", IntType{}),
	).Key("name").Index("age")
	return scm
}

func refSchema() *Schema {
	scm := NewSchema()
	AddExtent(scm, "Person",
		Field("name", StringType{}),
	)
	AddExtent(scm, "Account",
		Field("owner", EntityType{Extents: []string{"Person"}, OnDelete: Cascade}),
		Field("number", StringType{}),
	).Key("number")
	AddExtent(scm, "Pet",
		Field("owner", EntityType{Extents: []string{"Person"}, OnDelete: Restrict}),
		Field("name", StringType{}),
	)
	AddExtent(scm, "Statement",
		Field("account", EntityType{Extents: []string{"Account"}}),
	)
	AddExtent(scm, "Team",
		Field("lead", EntityType{OnDelete: Unassign}),
		Field("members", EntityListType{Extents: []string{"Person"}, OnDelete: Remove}),
	)
	AddExtent(scm, "Node",
		Field("name", StringType{}),
		Field("parent", EntityType{Extents: []string{"Node"}, OnDelete: Cascade}),
	).Key("parent", "name")
	return scm
}

// setup opens a database on a temporary Bolt file, or in memory with -short.
func setup(t testing.TB, schema *Schema) *DB {
	t.Helper()
	if testing.Short() {
		return setupMemory(t, schema, Options{IsTesting: true})
	}
	return setupBolt(t, schema, Options{IsTesting: true})
}

func setupBolt(t testing.TB, schema *Schema, opt Options) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db_test.db")
	t.Logf("DB: %s", path)
	db := must(Open(path, schema, opt))
	t.Cleanup(db.Close)
	return db
}

func setupMemory(t testing.TB, schema *Schema, opt Options) *DB {
	t.Helper()
	db := must(OpenMemory(schema, opt))
	t.Cleanup(db.Close)
	return db
}

func write(t testing.TB, db *DB, f func(tx *Tx) error) {
	t.Helper()
	_, err := db.Execute(NewTransaction("test", func(tx *Tx) (any, error) {
		return nil, f(tx)
	}))
	if err != nil {
		t.Fatalf("** write failed: %v", err)
	}
}

func read(t testing.TB, db *DB, f func(tx *Tx)) {
	t.Helper()
	err := db.Read(func(tx *Tx) error {
		f(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("** read failed: %v", err)
	}
}

func create(t testing.TB, db *DB, extent string, fields Fields) uint64 {
	t.Helper()
	r, err := db.Execute(Create(extent, fields))
	if err != nil {
		t.Fatalf("** create %s failed: %v", extent, err)
	}
	return r.(uint64)
}

func dump(t testing.TB, db *DB) string {
	t.Helper()
	var s string
	read(t, db, func(tx *Tx) {
		s = tx.Dump(DumpAll)
	})
	return s
}

func verify(t testing.TB, db *DB) {
	t.Helper()
	read(t, db, func(tx *Tx) {
		if err := tx.Verify(); err != nil {
			t.Errorf("** %v", err)
		}
	})
}

func fieldsOf(t testing.TB, tx *Tx, extent string, oid uint64) Fields {
	t.Helper()
	f, err := tx.Fields(extent, oid)
	if err != nil {
		t.Fatalf("** Fields(%s/%d) failed: %v", extent, oid, err)
	}
	return f
}

func oidsOf(t testing.TB, tx *Tx, extent string, criteria Fields) []uint64 {
	t.Helper()
	oids, err := tx.Find(extent, criteria)
	if err != nil {
		t.Fatalf("** Find(%s, %v) failed: %v", extent, criteria, err)
	}
	return oids
}

func lenOf(t testing.TB, tx *Tx, extent string) int {
	t.Helper()
	n, err := tx.Len(extent)
	if err != nil {
		t.Fatalf("** Len(%s) failed: %v", extent, err)
	}
	return n
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func noDiff(t testing.TB, what string, a, e any) {
	if diff := cmp.Diff(e, a, valueComparer); diff != "" {
		t.Helper()
		t.Errorf("** %s mismatch (-want +got):\n%s", what, diff)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
