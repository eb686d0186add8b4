package eventlog

import "encoding/binary"

// Key layout (lexicographically sortable):
//   log/{topic}/{part_be4}/m
//   log/{topic}/{part_be4}/e/{seq_be8}
//   cursor/{topic}/{group}/{part_be4}

var (
	sep        = byte('/')
	logPrefix  = []byte("log/")
	cursorPref = []byte("cursor/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(topic string, partition uint32) []byte {
	k := make([]byte, 0, len(logPrefix)+len(topic)+24)
	k = append(k, logPrefix...)
	k = append(k, topic...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

func keyMeta(topic string, partition uint32) []byte {
	return append(partitionPrefix(topic, partition), metaSuffix...)
}

func keyEntry(topic string, partition uint32, seq uint64) []byte {
	k := append(partitionPrefix(topic, partition), entrySeg...)
	return appendBE8(k, seq)
}

func keyCursor(topic, group string, partition uint32) []byte {
	k := make([]byte, 0, len(cursorPref)+len(topic)+len(group)+8)
	k = append(k, cursorPref...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

func seqFromEntryKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
