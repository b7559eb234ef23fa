package block

import "github.com/concoursedb/concourse/pkg/value"

// Entry is one revision stored in a block: a Write (action + version)
// projected into the block's own (Locator, Coordinate, Payload)
// coordinate system. The three bindings used by pkg/permstore are:
//
//	Table (Primary):  Locator=record id   Coordinate=field key  Payload=tagged value
//	Secondary:        Locator=field key   Coordinate=tagged value Payload=record id
//	Search:           Locator=field key   Coordinate=token       Payload=(record id, token position)
type Entry[L, K, V any] struct {
	Locator    L
	Coordinate K
	Payload    V
	Action     value.Action
	Version    uint64
}
