package engine

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/value"
)

// idField is the reserved field name carrying a record's own id on
// import/export, per §6 "The reserved field name $id$ carries the
// record id on import/export."
const idField = "$id$"

// LinkResolver resolves a `@<CCL expression>@` field value (§6) to the
// set of records it denotes. The core itself never parses CCL (§1 scope
// line), so this is the hook an embedding caller — which does own a CCL
// parser/evaluator — plugs in; insertJSON only handles the bare-integer
// form (`@123@`) without one.
type LinkResolver func(expr string) ([]uint64, error)

// ParseJSONDocument decodes one JSON object per §6's format into a set
// of (key -> values) pairs and an optional explicit record id from
// `$id$`. It is grounded in the teacher's JsonToBson (bson.go): JSON
// text goes through go.mongodb.org/mongo-driver/v2/bson's relaxed
// Extended JSON decoder into an ordered bson.D first, which already
// does the bulk of type inference (bare numbers, bools, nested arrays)
// that a hand-rolled encoding/json walk would have to reimplement; this
// function's own job is only the layer bson doesn't have any notion
// of — Concourse's type-tag string suffixes (`"42I"`, `"3.14D"`) and
// `@id@`/`@expr@` link literals.
func ParseJSONDocument(jsonStr string, resolve LinkResolver) (map[string][]value.Value, *uint64, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(jsonStr), false, &doc); err != nil {
		return nil, nil, &errs.ParseError{Input: jsonStr, Cause: err}
	}

	fields := make(map[string][]value.Value, len(doc))
	var id *uint64

	for _, elem := range doc {
		if elem.Key == idField {
			n, err := jsonNumberToUint64(elem.Value)
			if err != nil {
				return nil, nil, &errs.ParseError{Input: jsonStr, Cause: err}
			}
			id = &n
			continue
		}

		values, err := valuesFromJSON(elem.Value, resolve)
		if err != nil {
			return nil, nil, err
		}
		fields[elem.Key] = values
	}
	return fields, id, nil
}

func jsonNumberToUint64(raw interface{}) (uint64, error) {
	switch v := raw.(type) {
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case float64:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%s must be a numeric record id, got %T", idField, raw)
	}
}

// valuesFromJSON normalizes a decoded bson.D element's value into one or
// more Concourse Values: a JSON array means "multi-valued field" (§6),
// anything else is a single value.
func valuesFromJSON(raw interface{}, resolve LinkResolver) ([]value.Value, error) {
	arr, ok := raw.(bson.A)
	if !ok {
		v, err := valueFromJSON(raw, resolve)
		if err != nil {
			return nil, err
		}
		return []value.Value{v}, nil
	}

	out := make([]value.Value, 0, len(arr))
	for _, elem := range arr {
		v, err := valueFromJSON(elem, resolve)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func valueFromJSON(raw interface{}, resolve LinkResolver) (value.Value, error) {
	switch v := raw.(type) {
	case bool:
		return value.NewBoolean(v), nil
	case int32:
		return value.NewInt32(v), nil
	case int64:
		return value.NewInt64(v), nil
	case float64:
		return value.NewDouble(v), nil
	case string:
		return stringValueFromJSON(v, resolve)
	case bson.A:
		return value.Value{}, &errs.InvalidArgumentError{Reason: "nested arrays are not a supported field shape"}
	case bson.D:
		return value.Value{}, &errs.InvalidArgumentError{Reason: "nested documents are not a supported field shape"}
	default:
		return value.Value{}, &errs.InvalidArgumentError{Reason: fmt.Sprintf("unsupported JSON value type %T", raw)}
	}
}

// stringValueFromJSON applies §6's type-tag suffix convention to a
// decoded JSON string: `@...@` is a link (a bare record id, or — via
// resolve — a CCL expression that must resolve to exactly one record;
// an expression matching zero or several records is rejected with an
// InvalidArgumentError rather than fanned out); a
// trailing `I`/`D` over an otherwise-numeric prefix disambiguates an
// int or double that would otherwise just be a plain string; anything
// else is a literal String.
func stringValueFromJSON(s string, resolve LinkResolver) (value.Value, error) {
	if strings.HasPrefix(s, "@") && strings.HasSuffix(s, "@") && len(s) >= 2 {
		inner := s[1 : len(s)-1]
		if n, err := strconv.ParseUint(inner, 10, 64); err == nil {
			return value.NewLink(n), nil
		}
		if resolve == nil {
			return value.Value{}, &errs.ParseError{Input: s, Cause: fmt.Errorf("resolvable link expression requires an external CCL resolver")}
		}
		ids, err := resolve(inner)
		if err != nil {
			return value.Value{}, &errs.ParseError{Input: s, Cause: err}
		}
		if len(ids) != 1 {
			return value.Value{}, &errs.InvalidArgumentError{Reason: fmt.Sprintf("resolvable link %q matched %d records, expected exactly one in this position", s, len(ids))}
		}
		return value.NewLink(ids[0]), nil
	}

	if len(s) >= 2 {
		suffix := s[len(s)-1]
		prefix := s[:len(s)-1]
		switch suffix {
		case 'I':
			if n, err := strconv.ParseInt(prefix, 10, 64); err == nil {
				return value.NewInt64(n), nil
			}
		case 'D':
			if f, err := strconv.ParseFloat(prefix, 64); err == nil {
				return value.NewDouble(f), nil
			}
		}
	}
	return value.NewString(s), nil
}

// JsonifyRecord renders one record's field map (a Select result) as a
// §6-format JSON object. includeID controls whether `$id$` is emitted,
// matching the round-trip invariant `jsonify(insert(doc, r),
// identifier=true) equals doc`.
//
// Values round-trip through their most natural untagged JSON form
// (bare number, bare string, `@id@` link) rather than always emitting a
// type-tag suffix: a document that supplied a bare JSON int or double
// gets a bare JSON int or double back, since nothing in the decoded
// Value remembers "was originally tag-suffixed". Tag values (§3, the
// un-indexed String twin) have no suffix of their own in §6's format
// and render identically to String — §6 defines no disambiguating
// suffix for Tag, so a Tag value written via add()/set() renders as a
// plain string on jsonify; only insert()/jsonify()'s own round trip is
// affected, and only for that one type.
func JsonifyRecord(record uint64, fields map[string]map[value.Value]struct{}, includeID bool) (string, error) {
	doc := bson.D{}
	if includeID {
		doc = append(doc, bson.E{Key: idField, Value: int64(record)})
	}

	for key, values := range fields {
		if len(values) == 0 {
			continue
		}
		rendered := make([]interface{}, 0, len(values))
		for v := range values {
			rendered = append(rendered, valueToJSON(v))
		}
		if len(rendered) == 1 {
			doc = append(doc, bson.E{Key: key, Value: rendered[0]})
		} else {
			doc = append(doc, bson.E{Key: key, Value: bson.A(rendered)})
		}
	}

	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", errs.Fatal(err, "engine: marshal jsonify output")
	}
	return string(out), nil
}

func valueToJSON(v value.Value) interface{} {
	switch v.Type() {
	case value.TypeBoolean:
		return v.Bool()
	case value.TypeInt32:
		return v.Int32()
	case value.TypeInt64:
		return v.Int64()
	case value.TypeFloat:
		return float64(v.Float32())
	case value.TypeDouble:
		return v.Float64()
	case value.TypeString, value.TypeTag:
		return v.Str()
	case value.TypeLink:
		link, _ := v.IsLink()
		return fmt.Sprintf("@%d@", link)
	default:
		return v.String()
	}
}
