package doscmd

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/fileops"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

// DOS command parser for the command channel. Writing to secondary 15
// executes a command; the result is read back as the error message.

// Context carries everything a command can touch. SaveConfig persists the
// configuration blob for XW; ResetDrive performs the UJ soft reset.
type Context struct {
	Pool       *buffers.Pool
	Part       *vfs.Partition
	Status     *errormsg.Status
	Config     *sd2iec.Config
	SaveConfig func() error
	ResetDrive func()

	// mem emulates the drive RAM for the M-R/M-W memory commands.
	mem [65536]byte
}

// Execute parses and runs one command line.
func (c *Context) Execute(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		c.Status.Set(errormsg.ErrorOK)
		return
	}
	log.Debugf("[DOS] command %q", line)

	switch line[0] {
	case 'I':
		// Initialize: nothing to re-mount on a host filesystem.
		c.Status.Set(errormsg.ErrorOK)

	case 'U':
		c.userCommand(line)

	case 'S':
		c.scratch(line)

	case 'R':
		c.rename(line)

	case 'N':
		c.format(line)

	case 'C':
		if len(line) > 1 && line[1] == 'D' {
			c.chdir(line[2:])
		} else {
			c.Status.Set(errormsg.ErrorSyntaxUnknown)
		}

	case 'M':
		c.mkdirOrMemory(line)

	case 'B':
		c.blockCommand(line)

	case 'P':
		c.position(line)

	case 'X':
		c.extended(line)

	default:
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
	}
}

// nameArg strips the command word and optional drive digit in front of
// the ':' separator.
func nameArg(line []byte) []byte {
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		return line[i+1:]
	}
	return nil
}

func (c *Context) userCommand(line []byte) {
	if len(line) < 2 {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	switch line[1] {
	case 'I', '9', 'J', ':':
		// Soft reset; UJ resets harder than UI but both re-arm the
		// power-up message.
		if line[1] == 'J' && c.ResetDrive != nil {
			c.ResetDrive()
		}
		c.Status.Set(errormsg.ErrorDosVersion)

	case '1', 'A':
		c.blockTransfer(line, false)

	case '2', 'B':
		c.blockTransfer(line, true)

	default:
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
	}
}

// blockTransfer implements U1/U2: direct sector read/write through a
// direct-access buffer.
func (c *Context) blockTransfer(line []byte, write bool) {
	params := parseNumbers(line[2:])
	if len(params) < 4 {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	channel := uint8(params[0])
	track := uint8(params[2])
	sector := uint8(params[3])

	buf := c.Pool.Find(c.Config.DeviceAddress, channel)
	if buf == nil {
		c.Status.Set(errormsg.ErrorNoChannel)
		return
	}
	ops := vfs.Ops(c.Part.Fs)
	var err error
	if write {
		err = ops.WriteSector(c.Part, buf, track, sector)
	} else {
		err = ops.ReadSector(c.Part, buf, track, sector)
	}
	if err == nil {
		c.Status.Set(errormsg.ErrorOK)
	}
}

func (c *Context) blockCommand(line []byte) {
	if len(line) < 3 || line[1] != '-' {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	switch line[2] {
	case 'P':
		params := parseNumbers(line[3:])
		if len(params) < 2 {
			c.Status.Set(errormsg.ErrorSyntaxUnknown)
			return
		}
		buf := c.Pool.Find(c.Config.DeviceAddress, uint8(params[0]))
		if buf == nil {
			c.Status.Set(errormsg.ErrorNoChannel)
			return
		}
		pos := params[1]
		if pos >= buffers.DataSize {
			pos = buffers.DataSize - 1
		}
		buf.Position = pos
		c.Status.Set(errormsg.ErrorOK)
	default:
		c.Status.Set(errormsg.ErrorSyntaxUnable)
	}
}

func (c *Context) scratch(line []byte) {
	pattern := nameArg(line)
	if len(pattern) == 0 {
		c.Status.Set(errormsg.ErrorSyntaxNoName)
		return
	}
	ops := vfs.Ops(c.Part.Fs)
	dirents, err := ops.Readdir(c.Part)
	if err != nil {
		return
	}
	count := uint8(0)
	for i := range dirents {
		d := &dirents[i]
		if d.Type == vfs.TypeDir || !fileops.Match(pattern, d.Name) {
			continue
		}
		if d.Flags&vfs.FlagLocked != 0 {
			continue
		}
		if err := ops.Delete(c.Part, d); err != nil {
			return
		}
		count++
	}
	if count == 0 {
		c.Status.Set(errormsg.ErrorFileNotFound)
		return
	}
	c.Status.SetTS(errormsg.ErrorScratched, count, 0)
}

func (c *Context) rename(line []byte) {
	arg := nameArg(line)
	newName, oldName, found := bytes.Cut(arg, []byte{'='})
	if !found || len(newName) == 0 || len(oldName) == 0 {
		c.Status.Set(errormsg.ErrorSyntaxNoName)
		return
	}
	dent, err := fileops.FindFirst(c.Part, oldName, 0, false)
	if err != nil {
		return
	}
	if dent == nil {
		c.Status.Set(errormsg.ErrorFileNotFound)
		return
	}
	if vfs.Ops(c.Part.Fs).Rename(c.Part, dent, newName) == nil {
		c.Status.Set(errormsg.ErrorOK)
	}
}

func (c *Context) format(line []byte) {
	arg := nameArg(line)
	if len(arg) == 0 {
		c.Status.Set(errormsg.ErrorSyntaxNoName)
		return
	}
	name, id, _ := bytes.Cut(arg, []byte{','})
	vfs.Ops(c.Part.Fs).Format(c.Part, name, id)
}

func (c *Context) chdir(arg []byte) {
	if len(arg) > 0 && arg[0] == ':' {
		arg = arg[1:]
	}
	if vfs.Ops(c.Part.Fs).Chdir(c.Part, arg) == nil {
		c.Status.Set(errormsg.ErrorOK)
	}
}

// mkdirOrMemory demultiplexes MD (make directory) from the M-R/M-W/M-E
// memory commands.
func (c *Context) mkdirOrMemory(line []byte) {
	if len(line) >= 2 && line[1] == 'D' {
		name := nameArg(line)
		if len(name) == 0 {
			c.Status.Set(errormsg.ErrorSyntaxNoName)
			return
		}
		if vfs.Ops(c.Part.Fs).Mkdir(c.Part, name) == nil {
			c.Status.Set(errormsg.ErrorOK)
		}
		return
	}
	if len(line) < 5 || line[1] != '-' {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	addr := int(line[3]) | int(line[4])<<8
	switch line[2] {
	case 'R':
		count := 1
		if len(line) > 5 {
			count = int(line[5])
		}
		if addr+count > len(c.mem) {
			count = len(c.mem) - addr
		}
		c.Status.SetPayload(c.mem[addr : addr+count])
	case 'W':
		if len(line) < 6 {
			c.Status.Set(errormsg.ErrorSyntaxUnknown)
			return
		}
		count := int(line[5])
		data := line[6:]
		if count > len(data) {
			count = len(data)
		}
		copy(c.mem[addr:], data[:count])
		c.Status.Set(errormsg.ErrorOK)
	case 'E':
		// There is no 6502 to execute on; accept and ignore.
		c.Status.Set(errormsg.ErrorOK)
	default:
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
	}
}

// position implements the REL file P command: P channel reclo rechi [offset].
func (c *Context) position(line []byte) {
	if len(line) < 4 {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	channel := line[1] & 0x0F
	record := uint32(line[2]) | uint32(line[3])<<8
	offset := uint8(0)
	if len(line) > 4 && line[4] > 0 {
		offset = line[4] - 1
	}
	buf := c.Pool.Find(c.Config.DeviceAddress, channel)
	if buf == nil || buf.RecordLen == 0 || buf.Seek == nil {
		c.Status.Set(errormsg.ErrorNoChannel)
		return
	}
	if record > 0 {
		record--
	}
	c.Status.Set(errormsg.ErrorOK)
	// A missing record overwrites the status from inside the callback.
	buf.Seek(buf, record*uint32(buf.RecordLen), offset)
}

// extended implements the sd2iec X configuration commands.
func (c *Context) extended(line []byte) {
	if len(line) < 2 {
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
		return
	}
	switch line[1] {
	case 'J':
		if len(line) > 2 && line[2] == '-' {
			c.Config.JiffyEnabled = false
		} else {
			c.Config.JiffyEnabled = true
		}
		c.Status.Set(errormsg.ErrorOK)

	case 'D':
		params := parseNumbers(line[2:])
		if len(params) != 1 || params[0] < 8 || params[0] > 30 {
			c.Status.Set(errormsg.ErrorSyntaxUnable)
			return
		}
		c.Config.DeviceAddress = uint8(params[0])
		c.Status.Set(errormsg.ErrorOK)

	case 'W':
		if c.SaveConfig != nil {
			if err := c.SaveConfig(); err != nil {
				c.Status.Set(errormsg.ErrorDriveNotReady)
				return
			}
		}
		c.Status.Set(errormsg.ErrorOK)

	default:
		c.Status.Set(errormsg.ErrorSyntaxUnknown)
	}
}

// parseNumbers extracts decimal parameters separated by space, comma or
// colon, the lenient way the original parser does.
func parseNumbers(arg []byte) []int {
	var out []int
	cur := -1
	for _, ch := range arg {
		if ch >= '0' && ch <= '9' {
			if cur < 0 {
				cur = 0
			}
			cur = cur*10 + int(ch-'0')
			continue
		}
		if cur >= 0 {
			out = append(out, cur)
			cur = -1
		}
	}
	if cur >= 0 {
		out = append(out, cur)
	}
	return out
}
