package block

import "hash/fnv"

// membershipHash adapts a (locator, coordinate) byte pair into the
// uint64 hash.Hash64 the bloom filter library's Add/Contains expect,
// mirroring pkg/limbo's per-page triple hashing but over the two
// positional fields a block filter accelerates negative lookups on.
type membershipHashValue uint64

func (h membershipHashValue) Write(p []byte) (int, error) { return len(p), nil }
func (h membershipHashValue) Sum(b []byte) []byte          { return b }
func (h membershipHashValue) Reset()                       {}
func (h membershipHashValue) Size() int                    { return 8 }
func (h membershipHashValue) BlockSize() int               { return 8 }
func (h membershipHashValue) Sum64() uint64                { return uint64(h) }

func membershipHash(locator, coordinate []byte) membershipHashValue {
	h := fnv.New64a()
	_, _ = h.Write(locator)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(coordinate)
	return membershipHashValue(h.Sum64())
}
