// Package ccl defines the boundary between this storage core and the
// criteria-language parser, which is explicitly out of scope (§1): "The
// core consumes a pre-parsed AST node that can be evaluated against the
// store to produce a set of record ids."
//
// Nothing in this package parses CCL text. Node is the interface a
// caller's own parser must satisfy; Evaluator is what the store package
// implements so a Node can be run against it.
package ccl

import (
	"regexp"

	"github.com/concoursedb/concourse/pkg/value"
)

// Evaluator is the subset of the store's read surface a criteria AST
// needs to resolve itself: find() and a timestamp. Implemented by
// store.Store (see pkg/store).
type Evaluator interface {
	FindAt(key string, op Operator, values []value.Value, at uint64) (map[uint64]struct{}, error)
	SearchAt(key, query string, at uint64) (map[uint64]struct{}, error)
}

// Operator enumerates find()'s comparison operators (§4.4).
type Operator int

const (
	Equals Operator = iota
	NotEquals
	LessThan
	LessThanOrEquals
	GreaterThan
	GreaterThanOrEquals
	Between
	Regex
	NotRegex
	LinksTo
)

// Node is one evaluable unit of a pre-parsed criteria expression: either
// a leaf predicate (key op values) or a boolean combination of other
// Nodes. A caller's CCL parser produces a tree of these; this package
// supplies only the leaves the core can execute directly plus the
// boolean combinators, since the grammar itself is out of scope.
type Node interface {
	Evaluate(at uint64, ev Evaluator) (map[uint64]struct{}, error)
}

// Predicate is a leaf node: one find() or search() condition.
type Predicate struct {
	Key      string
	Operator Operator
	Values   []value.Value
	IsSearch bool
	Query    string
}

func (p Predicate) Evaluate(at uint64, ev Evaluator) (map[uint64]struct{}, error) {
	if p.IsSearch {
		return ev.SearchAt(p.Key, p.Query, at)
	}
	return ev.FindAt(p.Key, p.Operator, p.Values, at)
}

// And and Or are the boolean combinators a CCL AST is built from above
// the predicate leaves.
type And struct{ Left, Right Node }

func (n And) Evaluate(at uint64, ev Evaluator) (map[uint64]struct{}, error) {
	l, err := n.Left.Evaluate(at, ev)
	if err != nil {
		return nil, err
	}
	r, err := n.Right.Evaluate(at, ev)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{})
	for id := range l {
		if _, ok := r[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Match evaluates one find() condition (§4.4) for a single candidate
// value against the operator and operand list. Shared by the Buffer's
// scanning find() and the Database's index-driven find() so both
// packages apply the identical operator semantics, generalized from
// the teacher's query.ScanCondition.Matches (pkg/query/scan.go).
//
// REGEX/NOT_REGEX use stdlib regexp: no corpus library offers anything
// more idiomatic for this, and it is the standard choice across the
// ecosystem for ad hoc pattern matching.
func Match(op Operator, candidate value.Value, operands []value.Value) bool {
	switch op {
	case Equals:
		return len(operands) == 1 && candidate.Equal(operands[0])
	case NotEquals:
		return len(operands) == 1 && !candidate.Equal(operands[0])
	case LessThan:
		return len(operands) == 1 && candidate.Compare(operands[0]) < 0
	case LessThanOrEquals:
		return len(operands) == 1 && candidate.Compare(operands[0]) <= 0
	case GreaterThan:
		return len(operands) == 1 && candidate.Compare(operands[0]) > 0
	case GreaterThanOrEquals:
		return len(operands) == 1 && candidate.Compare(operands[0]) >= 0
	case Between:
		return len(operands) == 2 && candidate.Compare(operands[0]) >= 0 && candidate.Compare(operands[1]) < 0
	case Regex, NotRegex:
		if len(operands) != 1 {
			return false
		}
		re, err := regexp.Compile(operands[0].String())
		if err != nil {
			return false
		}
		matched := re.MatchString(candidate.String())
		if op == NotRegex {
			return !matched
		}
		return matched
	case LinksTo:
		if len(operands) != 1 {
			return false
		}
		_, ok := candidate.IsLink()
		return ok && candidate.Equal(operands[0])
	default:
		return false
	}
}

type Or struct{ Left, Right Node }

func (n Or) Evaluate(at uint64, ev Evaluator) (map[uint64]struct{}, error) {
	l, err := n.Left.Evaluate(at, ev)
	if err != nil {
		return nil, err
	}
	r, err := n.Right.Evaluate(at, ev)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]struct{}, len(l)+len(r))
	for id := range l {
		out[id] = struct{}{}
	}
	for id := range r {
		out[id] = struct{}{}
	}
	return out, nil
}
