package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/andreyvit/odb"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("odb %v: %v", args, err)
	}
	return buf.String()
}

func TestCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	scm := odb.NewSchema()
	odb.AddExtent(scm, "User",
		odb.Field("name", odb.StringType{}, odb.Required),
		odb.Field("age", odb.IntType{}),
	).Key("name").Index("age")
	db, err := odb.Open(path, scm, odb.Options{IsTesting: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Execute(odb.Create("User", odb.Fields{"name": odb.String("Alice"), "age": odb.Int(30)})); err != nil {
		t.Fatal(err)
	}
	db.Close()

	out := run(t, "--db", path, "extents")
	wanted := "User #1: 1 entities, next oid 2\n  fields: name, age\n  key(name)\n  index(age)\n"
	if out != wanted {
		t.Errorf("extents = %q, wanted %q", out, wanted)
	}

	out = run(t, "--db", path, "verify")
	if out != "ok\n" {
		t.Errorf("verify = %q, wanted %q", out, "ok\n")
	}
}
