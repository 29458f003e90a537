package doscmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	cfg := sd2iec.DefaultConfig()
	status := errormsg.NewStatus()
	return &Context{
		Pool:   buffers.NewPool(8),
		Status: status,
		Config: &cfg,
		Part: &vfs.Partition{
			Fs:            vfs.FsVfs,
			Root:          t.TempDir(),
			Status:        status,
			ExtensionMode: 1,
		},
	}
}

func TestInitialize(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte("I0"))
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())
}

func TestUnknownCommand(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte("Q"))
	assert.Equal(t, errormsg.ErrorSyntaxUnknown, c.Status.Code())
}

func TestScratch(t *testing.T) {
	c := testContext(t)
	assert.Nil(t, os.WriteFile(filepath.Join(c.Part.Root, "a.prg"), []byte{1}, 0644))
	assert.Nil(t, os.WriteFile(filepath.Join(c.Part.Root, "ab.prg"), []byte{1}, 0644))

	c.Execute([]byte("S:A*"))
	assert.Equal(t, errormsg.ErrorScratched, c.Status.Code())
	assert.Equal(t, "01,FILES SCRATCHED,02,00\r", string(c.Status.Message()))

	c.Execute([]byte("S:NONEXIST"))
	assert.Equal(t, errormsg.ErrorFileNotFound, c.Status.Code())
}

func TestRename(t *testing.T) {
	c := testContext(t)
	assert.Nil(t, os.WriteFile(filepath.Join(c.Part.Root, "old.prg"), []byte{1}, 0644))
	c.Execute([]byte("R:NEW=OLD"))
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())
	_, err := os.Stat(filepath.Join(c.Part.Root, "new.prg"))
	assert.Nil(t, err)
}

func TestMkdirChdir(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte("MD:GAMES"))
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())
	c.Execute([]byte("CD:GAMES"))
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())
	assert.Equal(t, "games", c.Part.Dir)
	c.Execute([]byte("CD_"))
	assert.Equal(t, "", c.Part.Dir)
}

func TestMemoryReadWrite(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte{'M', '-', 'W', 0x00, 0x03, 3, 0xAA, 0xBB, 0xCC})
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())

	c.Execute([]byte{'M', '-', 'R', 0x01, 0x03, 2})
	assert.Equal(t, []byte{0xBB, 0xCC}, c.Status.Message())
}

func TestExtendedJiffyToggle(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte("XJ-"))
	assert.False(t, c.Config.JiffyEnabled)
	c.Execute([]byte("XJ+"))
	assert.True(t, c.Config.JiffyEnabled)
}

func TestExtendedDeviceAddress(t *testing.T) {
	c := testContext(t)
	c.Execute([]byte("XD9"))
	assert.EqualValues(t, 9, c.Config.DeviceAddress)
	c.Execute([]byte("XD31"))
	assert.Equal(t, errormsg.ErrorSyntaxUnable, c.Status.Code())
	assert.EqualValues(t, 9, c.Config.DeviceAddress)
}

func TestBlockTransfer(t *testing.T) {
	c := testContext(t)
	buf, err := c.Pool.Alloc(c.Config.DeviceAddress, 2)
	assert.Nil(t, err)
	buf.Sticky = true
	for i := range buf.Data {
		buf.Data[i] = byte(i ^ 0x5A)
	}
	c.Execute([]byte("U2 2 0 1 0"))
	assert.Equal(t, errormsg.ErrorOK, c.Status.Code())

	var clear [buffers.DataSize]byte
	copy(buf.Data[:], clear[:])
	c.Execute([]byte("U1 2 0 1 0"))
	assert.Equal(t, byte(0^0x5A), buf.Data[0])
	assert.Equal(t, byte(200^0x5A), buf.Data[200])

	c.Execute([]byte("B-P 2 128"))
	assert.Equal(t, 128, buf.Position)
}

func TestUserReset(t *testing.T) {
	c := testContext(t)
	called := false
	c.ResetDrive = func() { called = true }
	c.Execute([]byte("UJ"))
	assert.True(t, called)
	assert.Equal(t, errormsg.ErrorDosVersion, c.Status.Code())
}
