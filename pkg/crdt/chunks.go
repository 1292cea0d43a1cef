package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Every automerge chunk starts with these magic bytes, a 4 byte checksum, a 1 byte chunk type
// and the body length as an unsigned LEB128.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const chunkPrefix = 4 + 4 + 1

// splitChunks cuts raw into its self-delimiting chunks without decoding them.
func splitChunks(raw []byte) ([][]byte, error) {
	var out [][]byte
	for offset := 0; offset < len(raw); {
		rest := raw[offset:]
		if len(rest) <= chunkPrefix || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return nil, fmt.Errorf("%w: no chunk header at offset %d", ErrInvalidUpdate, offset)
		}
		n, w := binary.Uvarint(rest[chunkPrefix:])
		if w <= 0 {
			return nil, fmt.Errorf("%w: bad chunk length at offset %d", ErrInvalidUpdate, offset)
		}
		if n > uint64(len(rest)-chunkPrefix-w) {
			return nil, fmt.Errorf("%w: chunk at offset %d is truncated", ErrInvalidUpdate, offset)
		}
		end := chunkPrefix + w + int(n)
		out = append(out, rest[:end:end])
		offset += end
	}
	return out, nil
}
