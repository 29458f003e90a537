package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
)

func testPart(t *testing.T) *Partition {
	t.Helper()
	return &Partition{
		Fs:            FsVfs,
		Root:          t.TempDir(),
		Status:        errormsg.NewStatus(),
		ExtensionMode: 1,
	}
}

func TestOpenReadRefill(t *testing.T) {
	p := testPart(t)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "big.prg"), payload, 0644))

	dirents, err := hostReaddir(p)
	assert.Nil(t, err)
	assert.Len(t, dirents, 1)
	assert.Equal(t, TypePrg, dirents[0].Type)

	var buf buffers.Buffer
	buf.Allocated = true
	buf.Position = 2
	buf.Lastused = 1
	assert.Nil(t, hostOpenRead(p, &dirents[0], &buf))

	// First block: 254 bytes, no EOI yet.
	assert.Equal(t, 2, buf.Position)
	assert.Equal(t, 255, buf.Lastused)
	assert.False(t, buf.SendEOI)
	assert.Equal(t, payload[0], buf.Data[2])

	// Second block: the remaining 46 bytes carry EOI.
	assert.Nil(t, buf.Refill(&buf))
	assert.Equal(t, 46+1, buf.Lastused)
	assert.True(t, buf.SendEOI)
	assert.Nil(t, buf.Cleanup(&buf))
}

func TestWriteFlushAndClose(t *testing.T) {
	p := testPart(t)
	dent := Dirent{Name: []byte("OUT"), Type: TypePrg}

	var buf buffers.Buffer
	buf.Allocated = true
	assert.Nil(t, hostOpenWrite(p, &dent, TypePrg, false, &buf))
	assert.Equal(t, "out.prg", dent.HostName)

	for _, b := range []byte{0x41, 0x42, 0x43} {
		buf.Data[buf.Position] = b
		buf.Lastused = buf.Position
		buf.Position++
		buf.Dirty = true
	}
	buf.Write = true
	assert.Nil(t, hostFileClose(p)(&buf))

	data, err := os.ReadFile(filepath.Join(p.Root, "out.prg"))
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, data)
}

func TestWriteExistingFails(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "out.prg"), nil, 0644))
	dent := Dirent{Name: []byte("OUT"), Type: TypePrg}
	var buf buffers.Buffer
	buf.Allocated = true
	err := hostOpenWrite(p, &dent, TypePrg, false, &buf)
	assert.NotNil(t, err)
	assert.Equal(t, errormsg.ErrorFileExists, p.Status.Code())
}

func TestP00RoundTrip(t *testing.T) {
	p := testPart(t)
	dent := Dirent{Name: []byte("NOTES"), Type: TypeSeq}

	var buf buffers.Buffer
	buf.Allocated = true
	assert.Nil(t, hostOpenWrite(p, &dent, TypeSeq, false, &buf))
	// Extension mode 1 wraps everything but PRG.
	assert.Equal(t, "notes.s00", dent.HostName)

	buf.Data[2] = 'H'
	buf.Data[3] = 'I'
	buf.Position = 4
	buf.Lastused = 3
	buf.Write = true
	buf.Dirty = true
	assert.Nil(t, hostFileClose(p)(&buf))

	dirents, err := hostReaddir(p)
	assert.Nil(t, err)
	assert.Len(t, dirents, 1)
	assert.Equal(t, "NOTES", string(dirents[0].Name))
	assert.Equal(t, TypeSeq, dirents[0].Type)
	assert.EqualValues(t, 2, dirents[0].Size)

	var rbuf buffers.Buffer
	rbuf.Allocated = true
	assert.Nil(t, hostOpenRead(p, &dirents[0], &rbuf))
	assert.Equal(t, byte('H'), rbuf.Data[2])
	assert.Equal(t, byte('I'), rbuf.Data[3])
	assert.Equal(t, 3, rbuf.Lastused)
	assert.True(t, rbuf.SendEOI)
	assert.Nil(t, rbuf.Cleanup(&rbuf))
}

func TestEmptyFileYieldsOneByte(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "empty.prg"), nil, 0644))
	dirents, _ := hostReaddir(p)
	var buf buffers.Buffer
	buf.Allocated = true
	assert.Nil(t, hostOpenRead(p, &dirents[0], &buf))
	assert.Equal(t, 2, buf.Lastused)
	assert.Equal(t, byte(13), buf.Data[2])
	assert.True(t, buf.SendEOI)
	assert.Nil(t, buf.Cleanup(&buf))
}

func TestChdirAndMkdir(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, hostMkdir(p, []byte("SUB")))
	assert.Nil(t, hostChdir(p, []byte("SUB")))
	assert.Equal(t, "sub", p.Dir)
	assert.Nil(t, hostChdir(p, []byte("_")))
	assert.Equal(t, "", p.Dir)

	err := hostChdir(p, []byte("MISSING"))
	assert.NotNil(t, err)
	assert.Equal(t, errormsg.ErrorFileNotFound, p.Status.Code())
}

func TestRenameKeepsHeader(t *testing.T) {
	p := testPart(t)
	dent := Dirent{Name: []byte("OLD"), Type: TypeSeq}
	var buf buffers.Buffer
	buf.Allocated = true
	assert.Nil(t, hostOpenWrite(p, &dent, TypeSeq, false, &buf))
	buf.Data[2] = 'X'
	buf.Position = 3
	buf.Lastused = 2
	buf.Write = true
	assert.Nil(t, hostFileClose(p)(&buf))

	assert.Nil(t, hostRename(p, &dent, []byte("NEW")))
	dirents, _ := hostReaddir(p)
	assert.Len(t, dirents, 1)
	assert.Equal(t, "NEW", string(dirents[0].Name))
}

func TestBootSector(t *testing.T) {
	p := testPart(t)
	var buf buffers.Buffer
	buf.Allocated = true
	for i := range buf.Data {
		buf.Data[i] = byte(i)
	}
	assert.Nil(t, hostWriteSector(p, &buf, 1, 0))

	var rbuf buffers.Buffer
	rbuf.Allocated = true
	assert.Nil(t, hostReadSector(p, &rbuf, 1, 0))
	assert.Equal(t, buf.Data, rbuf.Data)

	err := hostReadSector(p, &rbuf, 2, 1)
	assert.NotNil(t, err)
	assert.Equal(t, errormsg.ErrorIllegalTS, p.Status.Code())
}
