package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

// Stored value: uvarint keyLen | key | value | crc32c(key|value)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(key, value []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(key)+len(value)+4)
	out = binary.AppendUvarint(out, uint64(len(key)))
	out = append(out, key...)
	out = append(out, value...)

	crc := crc32.Update(0, castagnoli, key)
	crc = crc32.Update(crc, castagnoli, value)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (key, value []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	keyLen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if uint64(len(b)) < uint64(n)+keyLen+4 {
		return nil, nil, false
	}
	keyEnd := n + int(keyLen)
	key = b[n:keyEnd]
	value = b[keyEnd : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, key)
	crc = crc32.Update(crc, castagnoli, value)
	if crc != expect {
		return nil, nil, false
	}
	return append([]byte(nil), key...), append([]byte(nil), value...), true
}
