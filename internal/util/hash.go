// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// PeerTag computes a 4-byte fnv-32a hash of a peer id. It is used to keep
// log prefixes short and fixed width; it does not need to be reversible.
func PeerTag(peer string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(peer))
	return h.Sum32()
}
