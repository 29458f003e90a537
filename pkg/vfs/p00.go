package vfs

import (
	"bytes"
	"os"
)

// P00/S00/U00/R00 file wrapper: a 26 byte header storing the original
// 16 byte Commodore filename and, for REL files, the record length, in
// front of the raw payload.

const (
	p00HeaderSize      = 26
	p00CbmNameOffset   = 8
	p00RecordLenOffset = 25
)

var p00Marker = []byte("C64File\x00")

type p00Header struct {
	name      [16]byte
	recordLen uint8
}

// readP00Header checks the marker at the current file start. Returns nil
// when the file is not a x00 container; the file position is rewound to 0
// in that case, or left after the header otherwise.
func readP00Header(f *os.File) (*p00Header, error) {
	var raw [p00HeaderSize]byte
	n, err := f.ReadAt(raw[:], 0)
	if err != nil || n != p00HeaderSize || !bytes.Equal(raw[:len(p00Marker)], p00Marker) {
		if _, err := f.Seek(0, 0); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if _, err := f.Seek(p00HeaderSize, 0); err != nil {
		return nil, err
	}
	hdr := &p00Header{recordLen: raw[p00RecordLenOffset]}
	copy(hdr.name[:], raw[p00CbmNameOffset:p00CbmNameOffset+16])
	return hdr, nil
}

// writeP00Header emits a fresh header for the given PETSCII name.
func writeP00Header(f *os.File, name []byte, recordLen uint8) error {
	var raw [p00HeaderSize]byte
	copy(raw[:], p00Marker)
	for i := 0; i < 16; i++ {
		if i < len(name) {
			raw[p00CbmNameOffset+i] = name[i]
		}
	}
	raw[p00RecordLenOffset] = recordLen
	_, err := f.WriteAt(raw[:], 0)
	if err == nil {
		_, err = f.Seek(p00HeaderSize, 0)
	}
	return err
}

// cbmName trims the zero padding of a stored header name.
func (h *p00Header) cbmName() []byte {
	name := h.name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	out := make([]byte, len(name))
	copy(out, name)
	return out
}
