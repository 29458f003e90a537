package fileops

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

func testPart(t *testing.T) *vfs.Partition {
	t.Helper()
	return &vfs.Partition{
		Fs:            vfs.FsVfs,
		Root:          t.TempDir(),
		Status:        errormsg.NewStatus(),
		ExtensionMode: 1,
	}
}

func TestListingShape(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "test.prg"), make([]byte, 300), 0644))

	listing, err := BuildListing(p, []byte("*"))
	assert.Nil(t, err)

	// BASIC load address first.
	assert.Equal(t, []byte{0x01, 0x04}, listing[:2])
	// Null link word last.
	assert.Equal(t, []byte{0x00, 0x00}, listing[len(listing)-2:])
	assert.Contains(t, string(listing), "BLOCKS FREE.")
	assert.Contains(t, string(listing), `"TEST"`)
	assert.Contains(t, string(listing), "PRG")

	// 300 bytes round up to two blocks; the line number bytes follow the
	// entry's link word.
	i := bytes.Index(listing, []byte(`"TEST"`))
	assert.Greater(t, i, 4)
	// Entry layout: link(2) blocks(2) padding(3) quote.
	assert.Equal(t, []byte{0x02, 0x00}, listing[i-5:i-3])
}

func TestListingPattern(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "abc.prg"), []byte{1}, 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "xyz.prg"), []byte{1}, 0644))

	listing, err := BuildListing(p, []byte("A*"))
	assert.Nil(t, err)
	assert.Contains(t, string(listing), `"ABC"`)
	assert.NotContains(t, string(listing), `"XYZ"`)
}

func TestOpenChannelDirectory(t *testing.T) {
	p := testPart(t)
	assert.Nil(t, os.WriteFile(filepath.Join(p.Root, "a.prg"), []byte{1}, 0644))
	pool := buffers.NewPool(8)

	assert.Nil(t, OpenChannel(pool, p, 8, 0, []byte("$")))
	buf := pool.Find(8, 0)
	assert.NotNil(t, buf)
	assert.True(t, buf.Read)
	assert.Equal(t, byte(0x01), buf.Data[2])
	assert.Equal(t, byte(0x04), buf.Data[3])
}

func TestOpenChannelMissingFile(t *testing.T) {
	p := testPart(t)
	pool := buffers.NewPool(8)
	err := OpenChannel(pool, p, 8, 2, []byte("NOPE"))
	assert.NotNil(t, err)
	assert.Nil(t, pool.Find(8, 2))
	assert.Equal(t, errormsg.ErrorFileNotFound, p.Status.Code())
}

func TestCommandChannelRefill(t *testing.T) {
	pool := buffers.NewPool(8)
	status := errormsg.NewStatus()
	assert.Nil(t, SetupCommandChannel(pool, 8, status))

	buf := pool.Find(8, 15)
	assert.NotNil(t, buf)
	assert.True(t, buf.Sticky)

	status.Set(errormsg.ErrorFileNotFound)
	assert.Nil(t, buf.Refill(buf))
	msg := string(buf.Data[2 : buf.Lastused+1])
	assert.Equal(t, "62,FILE NOT FOUND,00,00\r", msg)
	assert.True(t, buf.SendEOI)

	assert.Nil(t, buf.Refill(buf))
	msg = string(buf.Data[2 : buf.Lastused+1])
	assert.Equal(t, "00, OK,00,00\r", msg)
}
