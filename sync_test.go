package odb

import (
	"errors"
	"path/filepath"
	"testing"
)

func personSchema(fields ...*FieldDef) *Schema {
	scm := NewSchema()
	AddExtent(scm, "Person", fields...)
	return scm
}

func TestSync_AddAndDropFields(t *testing.T) {
	db := setup(t, personSchema(Field("name", StringType{})))
	ann := create(t, db, "Person", Fields{"name": String("Ann")})

	ensure(db.Sync(personSchema(
		Field("name", StringType{}),
		Field("age", IntType{}, Default(Int(18))),
	), SyncOptions{}))
	ben := create(t, db, "Person", Fields{"name": String("Ben")})
	read(t, db, func(tx *Tx) {
		noDiff(t, "ann", fieldsOf(t, tx, "Person", ann), Fields{"name": String("Ann"), "age": Unassigned()})
		noDiff(t, "ben", fieldsOf(t, tx, "Person", ben), Fields{"name": String("Ben"), "age": Int(18)})
		deepEqual(t, must(tx.Extent("Person")).Fields, []string{"name", "age"})
	})

	ensure(db.Sync(personSchema(Field("name", StringType{})), SyncOptions{}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "ben", fieldsOf(t, tx, "Person", ben), Fields{"name": String("Ben")})
		if _, err := tx.Find("Person", Fields{"age": Int(18)}); !errors.Is(err, ErrFieldDoesNotExist) {
			t.Errorf("Find(age) err = %v, wanted ErrFieldDoesNotExist", err)
		}
	})

	// a field added back under the same name starts out empty
	ensure(db.Sync(personSchema(Field("name", StringType{}), Field("age", IntType{})), SyncOptions{}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "ben", fieldsOf(t, tx, "Person", ben), Fields{"name": String("Ben"), "age": Unassigned()})
	})
	verify(t, db)
}

func TestSync_RenameField(t *testing.T) {
	db := setup(t, personSchema(Field("name", StringType{})))
	ann := create(t, db, "Person", Fields{"name": String("Ann")})

	renamed := personSchema(Field("title", StringType{}, Was("name")))
	ensure(db.Sync(renamed, SyncOptions{Evolving: true}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "ann", fieldsOf(t, tx, "Person", ann), Fields{"title": String("Ann")})
	})

	// without Evolving, a rename is a drop plus an add
	ensure(db.Sync(personSchema(Field("label", StringType{}, Was("title"))), SyncOptions{}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "ann", fieldsOf(t, tx, "Person", ann), Fields{"label": Unassigned()})
	})
}

func TestSync_RenameExtent(t *testing.T) {
	db := setup(t, userSchema())
	alice := create(t, db, "User", Fields{"name": String("Alice"), "age": Int(30)})

	scm := NewSchema()
	AddExtent(scm, "Member",
		Field("name", StringType{}, Required),
		Field("age", IntType{}),
	).Key("name").WasNamed("User")
	ensure(db.Sync(scm, SyncOptions{Evolving: true}))

	deepEqual(t, db.ExtentNames(), []string{"Member"})
	read(t, db, func(tx *Tx) {
		noDiff(t, "alice", fieldsOf(t, tx, "Member", alice), Fields{"name": String("Alice"), "age": Int(30)})
		noDiff(t, "indices", must(tx.Extent("Member")).Indices, []IndexInfo{
			{Fields: []string{"name"}, Unique: true},
		})
	})
	verify(t, db)

	scm = NewSchema()
	AddExtent(scm, "Customer", Field("name", StringType{})).WasNamed("Member")
	ensure(db.Sync(scm, SyncOptions{}))
	read(t, db, func(tx *Tx) {
		deepEqual(t, tx.ExtentNames(), []string{"Customer"})
		deepEqual(t, lenOf(t, tx, "Customer"), 0)
	})
}

func TestSync_DropReferencedExtent(t *testing.T) {
	db := setup(t, refSchema())
	p := create(t, db, "Person", Fields{"name": String("P")})
	team := create(t, db, "Team", Fields{"lead": Ref("Person", p)})
	before := dump(t, db)

	keepTeam := NewSchema()
	AddExtent(keepTeam, "Team",
		Field("lead", EntityType{OnDelete: Unassign}),
	)
	err := db.Sync(keepTeam, SyncOptions{})
	if !errors.Is(err, ErrDeleteRestricted) {
		t.Fatalf("err = %v, wanted ErrDeleteRestricted", err)
	}
	deepEqual(t, dump(t, db), before)
	deepEqual(t, len(db.ExtentNames()), 6)

	// dropping the referrer along with the target is fine
	onlyPets := NewSchema()
	AddExtent(onlyPets, "Pet", Field("name", StringType{}))
	ensure(db.Sync(onlyPets, SyncOptions{}))
	deepEqual(t, db.ExtentNames(), []string{"Pet"})
	read(t, db, func(tx *Tx) {
		if _, err := tx.Fields("Team", team); !errors.Is(err, ErrExtentDoesNotExist) {
			t.Errorf("Fields(Team) err = %v, wanted ErrExtentDoesNotExist", err)
		}
	})
	verify(t, db)
}

func TestSync_Indices(t *testing.T) {
	db := setup(t, personSchema(Field("name", StringType{}), Field("city", StringType{})))
	create(t, db, "Person", Fields{"name": String("Ann"), "city": String("Oslo")})
	create(t, db, "Person", Fields{"name": String("Ben"), "city": String("Oslo")})

	scm := personSchema(Field("name", StringType{}), Field("city", StringType{}))
	scm.ExtentNamed("Person").Key("city")
	err := db.Sync(scm, SyncOptions{})
	if !errors.Is(err, ErrKeyCollision) {
		t.Fatalf("err = %v, wanted ErrKeyCollision", err)
	}
	read(t, db, func(tx *Tx) {
		isempty(t, must(tx.Extent("Person")).Indices)
	})

	scm = personSchema(Field("name", StringType{}), Field("city", StringType{}))
	scm.ExtentNamed("Person").Key("name").Index("city", "name")
	ensure(db.Sync(scm, SyncOptions{}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "indices", must(tx.Extent("Person")).Indices, []IndexInfo{
			{Fields: []string{"name"}, Unique: true},
			{Fields: []string{"city", "name"}, Unique: true},
		})
		deepEqual(t, must(tx.OrderedOIDs("Person", "city", "-name")), []uint64{2, 1})
	})

	scm = personSchema(Field("name", StringType{}), Field("city", StringType{}))
	scm.ExtentNamed("Person").Index("city")
	ensure(db.Sync(scm, SyncOptions{}))
	read(t, db, func(tx *Tx) {
		noDiff(t, "indices", must(tx.Extent("Person")).Indices, []IndexInfo{
			{Fields: []string{"city"}},
		})
	})
	create(t, db, "Person", Fields{"name": String("Ann"), "city": String("Rome")})
	verify(t, db)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	opt := Options{IsTesting: true}

	db := must(Open(path, refSchema(), opt))
	p := must(db.Execute(Create("Person", Fields{"name": String("P")}))).(uint64)
	must(db.Execute(Create("Pet", Fields{"owner": Ref("Person", p), "name": String("Rex")})))
	db.Close()
	if !fileExists(path) {
		t.Fatalf("%s not created", path)
	}

	// without a schema, the stored catalog is used as is
	db = must(Open(path, nil, opt))
	read(t, db, func(tx *Tx) {
		deepEqual(t, tx.ExtentNames(), []string{"Account", "Node", "Person", "Pet", "Statement", "Team"})
		noDiff(t, "rex", fieldsOf(t, tx, "Pet", 1), Fields{"owner": Ref("Person", p), "name": String("Rex")})
		deepEqual(t, must(tx.LinkCount("Person", p)), 1)
		noDiff(t, "node keys", must(tx.Extent("Node")).Indices, []IndexInfo{
			{Fields: []string{"parent", "name"}, Unique: true},
		})
	})
	deepEqual(t, db.Schema() == nil, true)
	db.Close()

	db = must(Open(path, refSchema(), opt))
	defer db.Close()
	_, err := db.Execute(Delete("Person", p))
	if !errors.Is(err, ErrDeleteRestricted) {
		t.Fatalf("delete after reopen err = %v, wanted ErrDeleteRestricted", err)
	}
	verify(t, db)
}
