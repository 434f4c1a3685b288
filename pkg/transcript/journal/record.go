package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	recordMagic   uint32 = 0x5E55C0DE
	recordVersion byte   = 1
	headerSize           = 4 + 1 + 4 // magic + version + length
	crcSize              = 4
	maxRecordSize        = 64 << 20
)

var (
	errTorn = errors.New("journal: torn record")
	// ErrCorrupt signals a record whose framing or checksum does not match.
	ErrCorrupt = errors.New("journal: corrupt record")
)

// encodeRecord frames payload as magic|version|length|payload|crc. The
// checksum covers version, length and payload.
func encodeRecord(payload []byte) ([]byte, error) {
	if len(payload) > maxRecordSize {
		return nil, fmt.Errorf("journal: record of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, headerSize+len(payload)+crcSize)
	binary.BigEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	sum := crc32.ChecksumIEEE(buf[4 : headerSize+len(payload)])
	binary.BigEndian.PutUint32(buf[headerSize+len(payload):], sum)
	return buf, nil
}

// decodeRecord reads one record. It returns io.EOF at a clean end and
// errTorn when the file ends inside a record; n is the bytes consumed.
func decodeRecord(r io.Reader) (payload []byte, n int64, err error) {
	header := make([]byte, headerSize)
	read, err := io.ReadFull(r, header)
	n = int64(read)
	switch {
	case errors.Is(err, io.EOF) && read == 0:
		return nil, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, n, errTorn
	case err != nil:
		return nil, n, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != recordMagic || header[4] != recordVersion {
		return nil, n, ErrCorrupt
	}
	size := binary.BigEndian.Uint32(header[5:9])
	if size > maxRecordSize {
		return nil, n, ErrCorrupt
	}
	body := make([]byte, int(size)+crcSize)
	read, err = io.ReadFull(r, body)
	n += int64(read)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, n, errTorn
	}
	if err != nil {
		return nil, n, err
	}
	sum := crc32.NewIEEE()
	sum.Write(header[4:])
	sum.Write(body[:size])
	if sum.Sum32() != binary.BigEndian.Uint32(body[size:]) {
		return nil, n, ErrCorrupt
	}
	return body[:size], n, nil
}
