// ABOUTME: Order-preserving composite keys for cube records in BadgerDB
// ABOUTME: Escaped, null-terminated string components behind a one-byte record prefix

package badgerstore

import (
	"fmt"

	"github.com/nainya/cubestore/pkg/cube"
)

// Record prefixes
const (
	prefixCube    byte = 'c' // encoded cube document
	prefixSummary byte = 's' // JSON summary for listing
)

// escape rewrites 0x00 as 0x01 0x01 and 0x01 as 0x01 0x02 so the 0x00
// terminator never appears inside a component and byte order follows
// string order
func escape(s string) []byte {
	out := make([]byte, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case 0x00, 0x01:
			out = append(out, 0x01, b+1)
		default:
			out = append(out, b)
		}
	}
	return out
}

// encodeKey builds prefix + each component escaped and null-terminated.
// A key built from fewer components is a prefix of every longer key that
// starts with the same components.
func encodeKey(prefix byte, parts ...string) []byte {
	out := []byte{prefix}
	for _, p := range parts {
		out = append(out, escape(p)...)
		out = append(out, 0x00)
	}
	return out
}

// decodeKey reverses encodeKey, returning the components
func decodeKey(key []byte) (byte, []string, error) {
	if len(key) == 0 {
		return 0, nil, fmt.Errorf("empty key")
	}
	var (
		parts []string
		cur   []byte
	)
	for i := 1; i < len(key); i++ {
		switch b := key[i]; {
		case b == 0x01 && i+1 < len(key):
			cur = append(cur, key[i+1]-1)
			i++
		case b == 0x00:
			parts = append(parts, string(cur))
			cur = cur[:0]
		default:
			cur = append(cur, b)
		}
	}
	if len(cur) > 0 {
		return 0, nil, fmt.Errorf("unterminated key component at offset %d", len(key)-len(cur))
	}
	return key[0], parts, nil
}

func identityKey(prefix byte, id cube.Identity) []byte {
	return encodeKey(prefix, id.App, id.Version, id.Status.String(), id.NameKey())
}
