package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var (
	walMagic          = [4]byte{'L', 'M', 'W', '1'}
	walHeaderVersion  = uint16(1)
	walHeaderFixedLen = 16
)

type walHeaderInfo struct {
	Compressed       bool
	CompressionLevel int
	HeaderLen        int64
}

func writeWALHeader(w io.Writer, info walHeaderInfo) (int64, error) {
	var flags uint16
	if info.Compressed {
		flags |= 1
	}
	level := uint8(0)
	if info.Compressed {
		level = uint8(info.CompressionLevel) //nolint:gosec // level is 1-22
	}

	buf := make([]byte, 0, walHeaderFixedLen)
	buf = append(buf, walMagic[:]...)
	var fixed [12]byte
	binary.LittleEndian.PutUint16(fixed[0:2], walHeaderVersion)
	binary.LittleEndian.PutUint16(fixed[2:4], flags)
	fixed[4] = level
	// fixed[5:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	return int64(len(buf)), nil
}

func readWALHeader(f *os.File) (walHeaderInfo, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return walHeaderInfo{}, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var hdr [16]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return walHeaderInfo{}, fmt.Errorf("failed to read WAL header: %w", err)
	}
	if [4]byte(hdr[0:4]) != walMagic {
		return walHeaderInfo{}, fmt.Errorf("unsupported WAL format: invalid header magic")
	}

	version := binary.LittleEndian.Uint16(hdr[4:6])
	if version != walHeaderVersion {
		return walHeaderInfo{}, fmt.Errorf("unsupported WAL header version: %d", version)
	}
	flags := binary.LittleEndian.Uint16(hdr[6:8])

	return walHeaderInfo{
		Compressed:       flags&1 != 0,
		CompressionLevel: int(hdr[8]),
		HeaderLen:        int64(walHeaderFixedLen),
	}, nil
}
