// Package limbo implements the Buffer described in §4.1: a durable,
// ordered, scan-able write-ahead log of recent Writes, partitioned into
// fixed-size pages.
//
// Grounded in the teacher's pkg/wal: WALEntry/WALHeader's magic+CRC32
// framing becomes frame's Write framing below; WALWriter's SyncPolicy
// becomes Page's group-commit knob; WALReader's sequential replay
// becomes the startup reload path in buffer.go.
package limbo

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/concoursedb/concourse/pkg/value"
)

// frameHeaderSize is the fixed prefix before a frame's variable-length
// key/value payload: magic(4) + version(1) + action(1) + record(8) +
// writeVersion(8) + keyLen(2) + valueLen(4) + crc32(4).
const frameHeaderSize = 32

const (
	frameMagic   uint32 = 0x434f4e43 // "CONC"
	frameVersion uint8  = 1
)

var (
	// ErrInvalidMagic reports a page file that does not start with a
	// recognizable frame header, mirroring the teacher's ErrInvalidMagic.
	ErrInvalidMagic = errors.New("limbo: invalid frame magic")
	// ErrChecksumMismatch reports a frame whose payload fails its CRC32,
	// mirroring the teacher's ErrChecksumMismatch.
	ErrChecksumMismatch = errors.New("limbo: frame checksum mismatch")
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// encodeFrame produces the on-disk encoding of a value.Write: a fixed
// header followed by the Write's key bytes and its encoded Value.
func encodeFrame(w value.Write) []byte {
	keyBytes := []byte(w.Key)
	valBytes := w.Value.Encode()

	buf := make([]byte, frameHeaderSize+len(keyBytes)+len(valBytes))
	binary.LittleEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = frameVersion
	buf[5] = uint8(w.Action)
	binary.LittleEndian.PutUint64(buf[6:14], w.Record)
	binary.LittleEndian.PutUint64(buf[14:22], w.Version)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(keyBytes)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(valBytes)))

	off := frameHeaderSize
	copy(buf[off:], keyBytes)
	off += len(keyBytes)
	copy(buf[off:], valBytes)

	crc := crc32.Checksum(buf[frameHeaderSize:], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[28:32], crc)
	return buf
}

// readFrame reads one frame from r, returning io.EOF when r is
// exhausted exactly at a frame boundary (a clean page end).
func readFrame(r io.Reader) (value.Write, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return value.Write{}, io.EOF
		}
		return value.Write{}, io.ErrUnexpectedEOF
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != frameMagic {
		return value.Write{}, ErrInvalidMagic
	}
	action := value.Action(header[5])
	record := binary.LittleEndian.Uint64(header[6:14])
	ver := binary.LittleEndian.Uint64(header[14:22])
	keyLen := binary.LittleEndian.Uint16(header[22:24])
	valLen := binary.LittleEndian.Uint32(header[24:28])
	crc := binary.LittleEndian.Uint32(header[28:32])

	body := make([]byte, int(keyLen)+int(valLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return value.Write{}, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(body, castagnoliTable) != crc {
		return value.Write{}, ErrChecksumMismatch
	}

	key := string(body[:keyLen])
	v, err := value.Decode(body[keyLen:])
	if err != nil {
		return value.Write{}, errors.Wrap(err, "limbo: decode frame value")
	}

	return value.Write{Action: action, Key: key, Value: v, Record: record, Version: ver}, nil
}
