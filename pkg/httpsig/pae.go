package httpsig

import "encoding/binary"

// PAE is the pre-authentication encoding shared by protocol signatures
// and witness cosignatures: piece count then each piece, every length as
// unsigned 64-bit little endian. Unambiguous concatenation prevents
// cross-piece splicing.
func PAE(pieces ...[]byte) []byte {
	size := 8
	for _, p := range pieces {
		size += 8 + len(p)
	}
	out := make([]byte, 0, size)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(pieces)))
	out = append(out, n[:]...)
	for _, p := range pieces {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		out = append(out, n[:]...)
		out = append(out, p...)
	}
	return out
}
