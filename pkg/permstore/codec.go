package permstore

import (
	"encoding/binary"
	"fmt"

	"github.com/concoursedb/concourse/pkg/block"
)

// SearchHit is the Search index's payload type: the record a matched
// substring belongs to and the token's position within the original
// string, per §4.2's index table ("Search | field key | substring
// token | (record, position)").
type SearchHit struct {
	Record   uint64
	Position int
}

var searchHitCodec = block.Codec[SearchHit]{
	Encode: func(h SearchHit) []byte {
		buf := make([]byte, 12)
		binary.BigEndian.PutUint64(buf[:8], h.Record)
		binary.BigEndian.PutUint32(buf[8:12], uint32(h.Position))
		return buf
	},
	Compare: func(a, b SearchHit) int {
		if a.Record != b.Record {
			if a.Record < b.Record {
				return -1
			}
			return 1
		}
		if a.Position != b.Position {
			if a.Position < b.Position {
				return -1
			}
			return 1
		}
		return 0
	},
	Decode: func(b []byte) (SearchHit, int, error) {
		if len(b) < 12 {
			return SearchHit{}, 0, fmt.Errorf("permstore: truncated search hit")
		}
		return SearchHit{
			Record:   binary.BigEndian.Uint64(b[:8]),
			Position: int(int32(binary.BigEndian.Uint32(b[8:12]))),
		}, 12, nil
	},
}
