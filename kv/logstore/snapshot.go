package logstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/btree"
	"github.com/pierrec/lz4/v4"
)

const snapshotFile = "snapshot.lz4"

var (
	snapshotMagic   = [4]byte{'L', 'M', 'S', '1'}
	snapshotVersion = uint16(1)
)

// writeSnapshot persists every space to dir/snapshot.lz4 atomically.
//
//	[Magic:4][Version:2] then an lz4 frame holding, per space:
//	[NameLen:2][Name][Count:8] followed by Count x [KeyLen:4][Key][ValueLen:4][Value]
//	and a terminating NameLen of 0.
func writeSnapshot(dir string, spaces map[string]*btree.BTreeG[entry]) (err error) {
	tmp := filepath.Join(dir, snapshotFile+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	var hdr [6]byte
	copy(hdr[:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:], snapshotVersion)
	if _, err = f.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	zw := lz4.NewWriter(f)
	bw := bufio.NewWriter(zw)

	names := make([]string, 0, len(spaces))
	for name := range spaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var scratch []byte
	for _, name := range names {
		tree := spaces[name]
		scratch = binary.LittleEndian.AppendUint16(scratch[:0], uint16(len(name))) //nolint:gosec // space names are short
		scratch = append(scratch, name...)
		scratch = binary.LittleEndian.AppendUint64(scratch, uint64(tree.Len())) //nolint:gosec
		if _, err = bw.Write(scratch); err != nil {
			return err
		}

		tree.Ascend(func(e entry) bool {
			scratch = binary.LittleEndian.AppendUint32(scratch[:0], uint32(len(e.key))) //nolint:gosec
			scratch = append(scratch, e.key...)
			scratch = binary.LittleEndian.AppendUint32(scratch, uint32(len(e.value))) //nolint:gosec
			scratch = append(scratch, e.value...)
			_, err = bw.Write(scratch)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	if _, err = bw.Write([]byte{0, 0}); err != nil {
		return err
	}

	if err = bw.Flush(); err != nil {
		return err
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("failed to finish snapshot frame: %w", err)
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return syncDir(dir)
}

// readSnapshot loads dir/snapshot.lz4 into fresh trees. A missing file yields no spaces.
func readSnapshot(dir string, newTree func() *btree.BTreeG[entry]) (map[string]*btree.BTreeG[entry], error) {
	spaces := map[string]*btree.BTreeG[entry]{}

	f, err := os.Open(filepath.Join(dir, snapshotFile)) //nolint:gosec // G304: Path is configurable
	if errors.Is(err, os.ErrNotExist) {
		return spaces, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var hdr [6]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if [4]byte(hdr[:4]) != snapshotMagic {
		return nil, fmt.Errorf("unsupported snapshot format: invalid header magic")
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", v)
	}

	r := bufio.NewReader(lz4.NewReader(f))
	for {
		var n [2]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("truncated snapshot: %w", err)
		}
		nameLen := binary.LittleEndian.Uint16(n[:])
		if nameLen == 0 {
			return spaces, nil
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("truncated snapshot: %w", err)
		}
		var c [8]byte
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return nil, fmt.Errorf("truncated snapshot: %w", err)
		}

		tree := newTree()
		for i := binary.LittleEndian.Uint64(c[:]); i > 0; i-- {
			key, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			value, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			tree.ReplaceOrInsert(entry{key: key, value: value})
		}
		spaces[string(name)] = tree
	}
}

func readBlob(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, fmt.Errorf("truncated snapshot: %w", err)
	}
	b := make([]byte, binary.LittleEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("truncated snapshot: %w", err)
	}
	return b, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: Path is configurable
	if err != nil {
		return err
	}
	defer d.Close()
	// Some platforms do not support fsync on directories.
	_ = d.Sync()
	return nil
}

func snapshotSize(dir string) int64 {
	st, err := os.Stat(filepath.Join(dir, snapshotFile))
	if err != nil {
		return 0
	}
	return st.Size()
}
