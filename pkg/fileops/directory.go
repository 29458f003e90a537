package fileops

import (
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

// Directory loading: "$" is presented as a BASIC program starting at
// 0x0401. Each entry becomes one BASIC line whose line number is the block
// count; the listing ends with the BLOCKS FREE line and a null link word.

const basicLoadAddress = 0x0401

// sliceReader feeds a prebuilt byte slice through the refill callback in
// bus-sized chunks.
type sliceReader struct {
	data []byte
	off  int
}

func sliceRefill(buf *buffers.Buffer) error {
	sr := buf.Pvt.(*sliceReader)
	n := copy(buf.Data[2:], sr.data[sr.off:])
	sr.off += n
	if n == 0 {
		// Empty listing still needs one byte on the wire.
		n = 1
		buf.Data[2] = 13
	}
	buf.Position = 2
	buf.Lastused = n + 1
	buf.SendEOI = sr.off >= len(sr.data)
	return nil
}

// openDirectory allocates a buffer serving the formatted listing.
func openDirectory(pool *buffers.Pool, p *vfs.Partition, device, secondary uint8, rawName []byte) error {
	pattern := []byte("*")
	if len(rawName) > 1 {
		spec := ParseFileName(rawName[1:])
		if len(spec.Name) > 0 {
			pattern = spec.Name
		}
	}
	listing, err := BuildListing(p, pattern)
	if err != nil {
		return err
	}
	buf, err := pool.Alloc(device, secondary)
	if err != nil {
		return err
	}
	buf.Read = true
	buf.Pvt = &sliceReader{data: listing}
	buf.Refill = sliceRefill
	buf.Cleanup = buffers.CallbackDummy
	return buf.Refill(buf)
}

// BuildListing renders the directory of the current path as a BASIC
// program image, including the load address.
func BuildListing(p *vfs.Partition, pattern []byte) ([]byte, error) {
	ops := vfs.Ops(p.Fs)
	dirents, err := ops.Readdir(p)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 256)
	out = append(out, byte(basicLoadAddress&0xFF), byte(basicLoadAddress>>8))

	// Header line: reverse-video disk name, id and DOS type.
	out = append(out, 0x01, 0x01, 0, 0, 0x12, '"')
	out = appendPadded(out, ops.DiskName(p), 16)
	out = append(out, '"', ' ')
	out = appendPadded(out, ops.DiskID(p), 2)
	out = append(out, ' ', '2', 'A', 0x00)

	for i := range dirents {
		d := &dirents[i]
		if d.Type != vfs.TypeDir && !Match(pattern, d.Name) {
			continue
		}
		out = append(out, 0x01, 0x01)
		blocks := d.Blocks()
		out = append(out, byte(blocks&0xFF), byte(blocks>>8))
		switch {
		case blocks < 10:
			out = append(out, ' ', ' ', ' ')
		case blocks < 100:
			out = append(out, ' ', ' ')
		default:
			out = append(out, ' ')
		}
		out = append(out, '"')
		out = append(out, d.Name...)
		out = append(out, '"')
		for n := len(d.Name); n < 17; n++ {
			out = append(out, ' ')
		}
		if d.Flags&vfs.FlagSplat != 0 {
			out[len(out)-1] = '*'
		}
		out = append(out, []byte(d.Type.String())...)
		if d.Flags&vfs.FlagLocked != 0 {
			out = append(out, '<')
		} else {
			out = append(out, ' ')
		}
		out = append(out, 0x00)
	}

	free := ops.FreeBlocks(p)
	out = append(out, 0x01, 0x01, byte(free&0xFF), byte(free>>8))
	out = append(out, []byte("BLOCKS FREE.")...)
	for n := 0; n < 13; n++ {
		out = append(out, ' ')
	}
	out = append(out, 0x00)

	// Null link word terminates the program.
	out = append(out, 0x00, 0x00)
	return out, nil
}

func appendPadded(out, s []byte, width int) []byte {
	n := 0
	for ; n < len(s) && n < width; n++ {
		out = append(out, s[n])
	}
	for ; n < width; n++ {
		out = append(out, ' ')
	}
	return out
}
