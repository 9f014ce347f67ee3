package odb

import (
	"errors"
	"testing"
)

func TestLinks(t *testing.T) {
	db := setup(t, refSchema())
	ann := create(t, db, "Person", Fields{"name": String("Ann")})
	ben := create(t, db, "Person", Fields{"name": String("Ben")})
	rex := create(t, db, "Pet", Fields{"owner": Ref("Person", ann), "name": String("Rex")})
	tom := create(t, db, "Pet", Fields{"owner": Ref("Person", ann), "name": String("Tom")})
	team := create(t, db, "Team", Fields{
		"lead":    Ref("Person", ann),
		"members": List(Ref("Person", ann), Ref("Person", ben)),
	})

	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.Links("Person", ann, "", "")), []Link{
			{Extent: "Pet", Field: "owner", OIDs: []uint64{rex, tom}},
			{Extent: "Team", Field: "lead", OIDs: []uint64{team}},
			{Extent: "Team", Field: "members", OIDs: []uint64{team}},
		})
		deepEqual(t, must(tx.Links("Person", ann, "Team", "")), []Link{
			{Extent: "Team", Field: "lead", OIDs: []uint64{team}},
			{Extent: "Team", Field: "members", OIDs: []uint64{team}},
		})
		deepEqual(t, must(tx.Links("Person", ann, "Team", "members")), []Link{
			{Extent: "Team", Field: "members", OIDs: []uint64{team}},
		})
		isempty(t, must(tx.Links("Person", ben, "Pet", "")))
		deepEqual(t, must(tx.LinkCount("Person", ann)), 4)
		deepEqual(t, must(tx.LinkCount("Person", ben)), 1)
		deepEqual(t, must(tx.LinkCount("Pet", rex)), 0)

		if _, err := tx.Links("Person", ann, "Robot", ""); !errors.Is(err, ErrExtentDoesNotExist) {
			t.Errorf("Links(Robot) err = %v, wanted ErrExtentDoesNotExist", err)
		}
		if _, err := tx.Links("Person", ann, "Pet", "color"); !errors.Is(err, ErrFieldDoesNotExist) {
			t.Errorf("Links(Pet.color) err = %v, wanted ErrFieldDoesNotExist", err)
		}
		if _, err := tx.LinkCount("Person", 99); !errors.Is(err, ErrEntityDoesNotExist) {
			t.Errorf("LinkCount(99) err = %v, wanted ErrEntityDoesNotExist", err)
		}
	})

	write(t, db, func(tx *Tx) error {
		if err := tx.Update("Pet", tom, Fields{"owner": Ref("Person", ben)}); err != nil {
			return err
		}
		return tx.Update("Team", team, Fields{"members": List(Ref("Person", ben))})
	})
	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.Links("Person", ann, "", "")), []Link{
			{Extent: "Pet", Field: "owner", OIDs: []uint64{rex}},
			{Extent: "Team", Field: "lead", OIDs: []uint64{team}},
		})
		deepEqual(t, must(tx.Links("Person", ben, "", "")), []Link{
			{Extent: "Pet", Field: "owner", OIDs: []uint64{tom}},
			{Extent: "Team", Field: "members", OIDs: []uint64{team}},
		})
	})
	verify(t, db)
}

func TestLinks_DuplicateListItemsLinkOnce(t *testing.T) {
	db := setup(t, refSchema())
	ann := create(t, db, "Person", Fields{"name": String("Ann")})
	create(t, db, "Team", Fields{"members": List(Ref("Person", ann), Ref("Person", ann))})

	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.LinkCount("Person", ann)), 1)
	})
	verify(t, db)
}

func TestLinks_SelfReference(t *testing.T) {
	db := setup(t, refSchema())
	root := create(t, db, "Node", Fields{"name": String("root")})
	write(t, db, func(tx *Tx) error {
		return tx.Update("Node", root, Fields{"parent": Ref("Node", root)})
	})

	read(t, db, func(tx *Tx) {
		deepEqual(t, must(tx.Links("Node", root, "", "")), []Link{
			{Extent: "Node", Field: "parent", OIDs: []uint64{root}},
		})
		noDiff(t, "root", fieldsOf(t, tx, "Node", root), Fields{"name": String("root"), "parent": Ref("Node", root)})
	})
	verify(t, db)
}

func TestLinks_MissingTargetRejected(t *testing.T) {
	db := setup(t, refSchema())
	before := dump(t, db)

	_, err := db.Execute(Create("Pet", Fields{"owner": Ref("Person", 42), "name": String("Ghost")}))
	if !errors.Is(err, ErrEntityDoesNotExist) {
		t.Fatalf("err = %v, wanted ErrEntityDoesNotExist", err)
	}
	deepEqual(t, dump(t, db), before)
}
