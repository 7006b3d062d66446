package tensorboard

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the masked CRC32C used by the TFRecord framing
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// writeRecord frames data as
//
//	uint64 length | uint32 masked crc of length | data | uint32 masked crc of data
//
// with every integer little endian
func writeRecord(w io.Writer, data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))

	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(footer[:])
	return err
}

// readRecord reads one framed record. It returns io.EOF at a clean end of
// stream.
func readRecord(r io.Reader) ([]byte, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read record header: %w", err)
	}
	if got, want := binary.LittleEndian.Uint32(header[8:]), maskedCRC(header[:8]); got != want {
		return nil, fmt.Errorf("record length checksum mismatch: %08x != %08x", got, want)
	}

	length := binary.LittleEndian.Uint64(header[:8])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read %d byte record: %w", length, err)
	}

	var footer [4]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, fmt.Errorf("failed to read record checksum: %w", err)
	}
	if got, want := binary.LittleEndian.Uint32(footer[:]), maskedCRC(data); got != want {
		return nil, fmt.Errorf("record data checksum mismatch: %08x != %08x", got, want)
	}
	return data, nil
}
