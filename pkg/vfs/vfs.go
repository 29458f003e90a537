package vfs

import (
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
)

// The file backend is selected through a small tagged dispatch table, one
// ops set per filesystem variant. Only the host filesystem variant is
// implemented here; the D64/M2I/EepromFs tags reserve their slots so image
// containers can mount without touching the callers.

type FsType uint8

const (
	FsVfs FsType = iota
	FsD64
	FsM2I
	FsEeprom
	fsCount
)

// A FileType is the Commodore file type of a directory entry.
type FileType uint8

const (
	TypeDel FileType = iota
	TypeSeq
	TypePrg
	TypeUsr
	TypeRel
	TypeDir
)

var typeNames = [...]string{"DEL", "SEQ", "PRG", "USR", "REL", "DIR"}

func (t FileType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "???"
}

// Dirent flags.
const (
	FlagSplat  uint8 = 1 << 0 // improperly closed file
	FlagLocked uint8 = 1 << 1
	FlagHidden uint8 = 1 << 2
)

// A Dirent describes one directory entry. Name is in PETSCII, at most 16
// bytes; HostName is the underlying host file name used to reopen it.
type Dirent struct {
	Name      []byte
	HostName  string
	Size      int64
	Type      FileType
	Flags     uint8
	RecordLen uint8
}

// Blocks returns the entry size in 254-byte Commodore blocks.
func (d *Dirent) Blocks() uint16 {
	blocks := (d.Size + 253) / 254
	if blocks > 65535 {
		blocks = 65535
	}
	return uint16(blocks)
}

// A Partition is one mounted backing store. Dir is the current directory
// relative to Root. Backend errors land on Status in DOS form, with the
// errno folded into the track field.
type Partition struct {
	Fs     FsType
	Root   string
	Dir    string
	Status *errormsg.Status

	// ExtensionMode controls how written files are named: 0 stores raw
	// names with a type suffix, 1 wraps everything but PRG in a x00
	// container, 2 wraps every type.
	ExtensionMode uint8
}

// FileOps is the per-variant dispatch table. All callbacks set the DOS
// error channel themselves and report the failure as a non-nil error so
// the caller can abort the transfer.
type FileOps struct {
	OpenRead    func(p *Partition, dent *Dirent, buf *buffers.Buffer) error
	OpenWrite   func(p *Partition, dent *Dirent, ftype FileType, appendMode bool, buf *buffers.Buffer) error
	OpenRel     func(p *Partition, dent *Dirent, recordLen uint8, buf *buffers.Buffer) error
	Readdir     func(p *Partition) ([]Dirent, error)
	Delete      func(p *Partition, dent *Dirent) error
	Mkdir       func(p *Partition, name []byte) error
	Chdir       func(p *Partition, name []byte) error
	Rename      func(p *Partition, dent *Dirent, newName []byte) error
	FreeBlocks  func(p *Partition) uint16
	DiskName    func(p *Partition) []byte
	DiskID      func(p *Partition) []byte
	ReadSector  func(p *Partition, buf *buffers.Buffer, track, sector uint8) error
	WriteSector func(p *Partition, buf *buffers.Buffer, track, sector uint8) error
	Format      func(p *Partition, name []byte, id []byte) error
}

var opsTable [fsCount]*FileOps

// Ops returns the dispatch table for a filesystem variant; unimplemented
// variants resolve to the host filesystem so a stale tag cannot crash the
// drive.
func Ops(t FsType) *FileOps {
	if t < fsCount && opsTable[t] != nil {
		return opsTable[t]
	}
	return opsTable[FsVfs]
}
