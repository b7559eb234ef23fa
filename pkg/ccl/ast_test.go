package ccl

import (
	"testing"

	"github.com/concoursedb/concourse/pkg/value"
)

func TestMatchOperators(t *testing.T) {
	ten := value.NewInt64(10)

	cases := []struct {
		name      string
		op        Operator
		candidate value.Value
		operands  []value.Value
		want      bool
	}{
		{"equals true", Equals, ten, []value.Value{value.NewInt64(10)}, true},
		{"equals false", Equals, ten, []value.Value{value.NewInt64(11)}, false},
		{"not equals", NotEquals, ten, []value.Value{value.NewInt64(11)}, true},
		{"less than", LessThan, ten, []value.Value{value.NewInt64(20)}, true},
		{"less than or equals boundary", LessThanOrEquals, ten, []value.Value{value.NewInt64(10)}, true},
		{"greater than", GreaterThan, ten, []value.Value{value.NewInt64(5)}, true},
		{"greater than or equals boundary", GreaterThanOrEquals, ten, []value.Value{value.NewInt64(10)}, true},
		{"between lower inclusive", Between, ten, []value.Value{value.NewInt64(10), value.NewInt64(20)}, true},
		{"between upper exclusive", Between, value.NewInt64(20), []value.Value{value.NewInt64(10), value.NewInt64(20)}, false},
		{"links to match", LinksTo, value.NewLink(5), []value.Value{value.NewLink(5)}, true},
		{"links to non-link candidate", LinksTo, ten, []value.Value{value.NewLink(5)}, false},
		{"regex match", Regex, value.NewString("the quick fox"), []value.Value{value.NewString("qu.ck")}, true},
		{"not regex match", NotRegex, value.NewString("the quick fox"), []value.Value{value.NewString("qu.ck")}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Match(tc.op, tc.candidate, tc.operands); got != tc.want {
				t.Fatalf("Match(%v, %v, %v) = %v, want %v", tc.op, tc.candidate, tc.operands, got, tc.want)
			}
		})
	}
}

// fakeEvaluator implements Evaluator with fixed id sets per key, so And/Or
// combinators can be tested without a real store.
type fakeEvaluator struct {
	byKey map[string]map[uint64]struct{}
}

func (f fakeEvaluator) FindAt(key string, op Operator, values []value.Value, at uint64) (map[uint64]struct{}, error) {
	return f.byKey[key], nil
}

func (f fakeEvaluator) SearchAt(key, query string, at uint64) (map[uint64]struct{}, error) {
	return f.byKey[key], nil
}

func ids(vals ...uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

func TestAndIntersectsResults(t *testing.T) {
	ev := fakeEvaluator{byKey: map[string]map[uint64]struct{}{
		"age":  ids(1, 2, 3),
		"name": ids(2, 3, 4),
	}}
	node := And{
		Left:  Predicate{Key: "age", Operator: Equals, Values: []value.Value{value.NewInt64(1)}},
		Right: Predicate{Key: "name", Operator: Equals, Values: []value.Value{value.NewString("x")}},
	}
	got, err := node.Evaluate(0, ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := ids(2, 3)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("expected %d in intersection, got %v", id, got)
		}
	}
}

func TestOrUnionsResults(t *testing.T) {
	ev := fakeEvaluator{byKey: map[string]map[uint64]struct{}{
		"age":  ids(1, 2),
		"name": ids(3, 4),
	}}
	node := Or{
		Left:  Predicate{Key: "age", Operator: Equals, Values: []value.Value{value.NewInt64(1)}},
		Right: Predicate{Key: "name", Operator: Equals, Values: []value.Value{value.NewString("x")}},
	}
	got, err := node.Evaluate(0, ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected union of 4 ids, got %v", got)
	}
}

func TestPredicateSearchDelegatesToSearchAt(t *testing.T) {
	ev := fakeEvaluator{byKey: map[string]map[uint64]struct{}{
		"bio": ids(7),
	}}
	p := Predicate{Key: "bio", IsSearch: true, Query: "quick"}
	got, err := p.Evaluate(0, ev)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, ok := got[7]; !ok || len(got) != 1 {
		t.Fatalf("expected search predicate to return {7}, got %v", got)
	}
}
