package wire

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// HashEndpoint calculates the deterministic ring position for a node's listener endpoint.
// A restarted node with the same endpoint reclaims its exact same position.
func HashEndpoint(ip string, port int, ringSize int) int {
	return hashString(fmt.Sprintf("%s:%d", ip, port), ringSize)
}

// HashKey maps a file path (or any other operation key) onto the ring.
func HashKey(path string, ringSize int) int {
	return hashString(path, ringSize)
}

func hashString(s string, ringSize int) int {
	var hash = md5.Sum([]byte(s))
	var hashValue = binary.BigEndian.Uint32(hash[:4])
	return int(hashValue % uint32(ringSize))
}
