package fmp4

import (
	"encoding/binary"
	"fmt"
)

const (
	shortHeaderLen = 8  // 4-byte size + 4-byte type
	longHeaderLen  = 16 // size=1 + type + 8-byte extended size
)

// header describes a parsed top-level ISO-BMFF box header.
type header struct {
	// size is the total box size (header + body) in bytes. extendsToEOF is
	// set instead when the size field was 0 ("extends to end of stream").
	size         uint64
	extendsToEOF bool
	boxType      string
	headerLen    int
}

// bodyLen returns how many bytes follow the header for a box with a known size.
func (h header) bodyLen() uint64 {
	return h.size - uint64(h.headerLen)
}

// parseHeader reads a box header out of buf, which must hold at least
// shortHeaderLen bytes (and longHeaderLen if the short size field is 1).
// It reports how many bytes of buf were consumed as the header.
func parseHeader(buf []byte) (header, error) {
	if len(buf) < shortHeaderLen {
		return header{}, fmt.Errorf("fmp4: short read: need %d header bytes, have %d: %w", shortHeaderLen, len(buf), ErrNeedMoreData)
	}

	size32 := binary.BigEndian.Uint32(buf[0:4])
	boxType := string(buf[4:8])

	switch size32 {
	case 0:
		return header{extendsToEOF: true, boxType: boxType, headerLen: shortHeaderLen}, nil
	case 1:
		if len(buf) < longHeaderLen {
			return header{}, fmt.Errorf("fmp4: short read: need %d extended header bytes, have %d: %w", longHeaderLen, len(buf), ErrNeedMoreData)
		}
		size64 := binary.BigEndian.Uint64(buf[8:16])
		if size64 < longHeaderLen {
			return header{}, fmt.Errorf("%w: extended box %q declares size %d smaller than its own header (%d)", ErrProtocolParse, boxType, size64, longHeaderLen)
		}
		return header{size: size64, boxType: boxType, headerLen: longHeaderLen}, nil
	default:
		if uint64(size32) < shortHeaderLen {
			return header{}, fmt.Errorf("%w: box %q declares size %d smaller than its own header (%d)", ErrProtocolParse, boxType, size32, shortHeaderLen)
		}
		return header{size: uint64(size32), boxType: boxType, headerLen: shortHeaderLen}, nil
	}
}
