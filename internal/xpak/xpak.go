// Package xpak reads and writes the XPAK metadata block appended to
// Portage binary packages (spec's promoted xpak/binarypkg component; see
// https://www.mankier.com/5/xpak for the wire format).
package xpak

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	magicSTOP     = "STOP"
	magicXPAKSTOP = "XPAKSTOP"
	magicXPAKPACK = "XPAKPACK"
)

// XPAK is a decoded key/value metadata block.
type XPAK map[string][]byte

// SortedNames returns the block's keys in sorted order, the order in which
// Encode lays out the index (spec scenario 4, "XPAK round-trip").
func (x XPAK) SortedNames() []string {
	names := make([]string, 0, len(x))
	for name := range x {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read parses the XPAK block trailing the .tbz2 file at path.
func Read(path string) (XPAK, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFrom(f)
}

// ReadFrom parses the XPAK block trailing r, which must support Seek (a
// regular file or an in-memory buffer of the whole .tbz2 image).
func ReadFrom(f interface {
	io.Reader
	io.Seeker
}) (XPAK, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	if size < 24 {
		return nil, errors.New("corrupted .tbz2 file: size is too small")
	}
	if err := expectMagic(f, size-4, magicSTOP); err != nil {
		return nil, fmt.Errorf("corrupted .tbz2 file: %w", err)
	}
	xpakOffset, err := readUint32(f, size-8)
	if err != nil {
		return nil, fmt.Errorf("corrupted .tbz2 file: %w", err)
	}
	xpakStart := size - 8 - int64(xpakOffset)
	if xpakStart < 0 {
		return nil, errors.New("corrupted .tbz2 file: invalid xpak_offset")
	}
	if err := expectMagic(f, size-16, magicXPAKSTOP); err != nil {
		return nil, fmt.Errorf("corrupted .tbz2 file: %w", err)
	}
	if err := expectMagic(f, xpakStart, magicXPAKPACK); err != nil {
		return nil, fmt.Errorf("corrupted .tbz2 file: %w", err)
	}

	indexLen, err := readUint32(f, xpakStart+8)
	if err != nil {
		return nil, err
	}
	dataLen, err := readUint32(f, xpakStart+12)
	if err != nil {
		return nil, err
	}
	indexStart := xpakStart + 16
	dataStart := indexStart + int64(indexLen)
	if dataStart+int64(dataLen) != size-16 {
		return nil, fmt.Errorf("corrupted .tbz2 file: data length inconsistency")
	}

	out := make(XPAK)
	for indexPos := indexStart; indexPos < dataStart; {
		nameLen, err := readUint32(f, indexPos)
		if err != nil {
			return nil, err
		}
		indexPos += 4
		nameBuf := make([]byte, int(nameLen))
		if _, err := f.Seek(indexPos, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(f, nameBuf); err != nil {
			return nil, err
		}
		indexPos += int64(nameLen)

		dataOffset, err := readUint32(f, indexPos)
		if err != nil {
			return nil, err
		}
		indexPos += 4
		entryLen, err := readUint32(f, indexPos)
		if err != nil {
			return nil, err
		}
		indexPos += 4

		if _, err := f.Seek(dataStart+int64(dataOffset), io.SeekStart); err != nil {
			return nil, err
		}
		data := make([]byte, int(entryLen))
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, err
		}
		out[string(nameBuf)] = data
	}

	return out, nil
}

func readUint32(f io.ReadSeeker, offset int64) (uint32, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func expectMagic(f io.ReadSeeker, offset int64, want string) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(f, buf); err != nil {
		return err
	}
	if got := string(buf); got != want {
		return fmt.Errorf("bad magic: got %q, want %q", got, want)
	}
	return nil
}

// Encode serializes x into the XPAK wire format: XPAKPACK, index length,
// data length, then the sorted index and data sections, per
// https://www.mankier.com/5/xpak. Keys are written in sorted order so that
// re-encoding a block already produced by Encode is byte-for-byte stable.
func Encode(x XPAK) []byte {
	names := x.SortedNames()

	var index bytes.Buffer
	var data bytes.Buffer
	for _, name := range names {
		value := x[name]
		writeUint32(&index, uint32(len(name)))
		index.WriteString(name)
		writeUint32(&index, uint32(data.Len()))
		writeUint32(&index, uint32(len(value)))
		data.Write(value)
	}

	var out bytes.Buffer
	out.WriteString(magicXPAKPACK)
	writeUint32(&out, uint32(index.Len()))
	writeUint32(&out, uint32(data.Len()))
	out.Write(index.Bytes())
	out.Write(data.Bytes())
	out.WriteString(magicXPAKSTOP)

	// xpak_offset is the length of XPAKPACK through XPAKSTOP, so readers
	// find XPAKPACK at size - 8 - xpak_offset.
	writeUint32(&out, uint32(out.Len()))
	out.WriteString(magicSTOP)

	return out.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

// Replace rewrites the .tbz2 file at path, keeping its tarball prefix and
// substituting a newly encoded XPAK block for the old one.
func Replace(path string, x XPAK) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if size < 24 {
		return errors.New("corrupted .tbz2 file: size is too small")
	}
	if err := expectMagic(f, size-4, magicSTOP); err != nil {
		return fmt.Errorf("corrupted .tbz2 file: %w", err)
	}
	xpakOffset, err := readUint32(f, size-8)
	if err != nil {
		return err
	}
	xpakStart := size - 8 - int64(xpakOffset)
	if xpakStart < 0 {
		return errors.New("corrupted .tbz2 file: invalid xpak_offset")
	}

	if err := f.Truncate(xpakStart); err != nil {
		return err
	}
	if _, err := f.Seek(xpakStart, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(Encode(x)); err != nil {
		return err
	}
	return nil
}
