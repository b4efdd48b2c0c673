package cloak

import (
	"hash/fnv"
	"time"
)

// NonceFromName derives a nonce from a secret name and the current time.
// Two obfuscations of the same name at different instants get different
// nonces, so their outputs share no keystreams. The nonce must be kept with
// the obfuscated payload; Secret does that.
func NonceFromName(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() ^ uint64(time.Now().UnixNano()))
}
