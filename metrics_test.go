package odb

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		ensure(reg.Register(c))
	}
	deepEqual(t, len(Collectors()), 6)
}

func TestMetrics(t *testing.T) {
	db := setup(t, refSchema())
	committed := testutil.ToFloat64(transactionsTotal.WithLabelValues("committed"))
	failed := testutil.ToFloat64(transactionsTotal.WithLabelValues("failed"))
	collisions := testutil.ToFloat64(keyCollisionsTotal)
	cascades := testutil.ToFloat64(cascadeDeletesTotal)
	inversions := testutil.ToFloat64(inversionsTotal)

	p := create(t, db, "Person", Fields{"name": String("P")})
	create(t, db, "Account", Fields{"owner": Ref("Person", p), "number": String("A-1")})
	create(t, db, "Account", Fields{"owner": Ref("Person", p), "number": String("A-2")})
	if _, err := db.Execute(Create("Account", Fields{"number": String("A-1")})); !errors.Is(err, ErrKeyCollision) {
		t.Fatalf("err = %v, wanted ErrKeyCollision", err)
	}
	write(t, db, func(tx *Tx) error {
		tx.Execute(NewTransaction("doomed", func(tx *Tx) (any, error) {
			if _, err := tx.Create("Person", Fields{"name": String("Q")}); err != nil {
				return nil, err
			}
			return nil, errors.New("nope")
		}))
		return nil
	})
	must(db.Execute(Delete("Person", p)))

	deepEqual(t, testutil.ToFloat64(transactionsTotal.WithLabelValues("committed"))-committed, 5.0)
	deepEqual(t, testutil.ToFloat64(transactionsTotal.WithLabelValues("failed"))-failed, 1.0)
	deepEqual(t, testutil.ToFloat64(keyCollisionsTotal)-collisions, 1.0)
	deepEqual(t, testutil.ToFloat64(cascadeDeletesTotal)-cascades, 2.0)
	if d := testutil.ToFloat64(inversionsTotal) - inversions; d < 1 {
		t.Errorf("inversions delta = %v, wanted at least 1", d)
	}
}
