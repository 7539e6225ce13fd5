package msg

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RecordPrefixSize is the length prefix preceding every stream record.
const RecordPrefixSize = 4

// AppendRecord appends b to dst as one length-prefixed record.
func AppendRecord(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// WriteRecord writes b as one length-prefixed record with a single Write.
func WriteRecord(w io.Writer, b []byte) error {
	if len(b) == 0 || len(b) > MaxRecord {
		return fmt.Errorf("%w: record length %d", ErrInvalidMessage, len(b))
	}
	_, err := w.Write(AppendRecord(make([]byte, 0, RecordPrefixSize+len(b)), b))
	return err
}

// ReadRecord reads one length-prefixed record into buf, growing it when
// needed, and returns the record. An oversized record is skipped so the
// stream stays in sync, and ErrInvalidMessage is returned.
func ReadRecord(r io.Reader, buf []byte) ([]byte, error) {
	var prefix [RecordPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(prefix[:]))
	if n == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidMessage)
	}
	if n > MaxRecord {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: record length %d exceeds %d", ErrInvalidMessage, n, MaxRecord)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
