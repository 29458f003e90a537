package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/petscii"
)

// Host filesystem backend. Files live in a normal directory tree; names
// are translated at this boundary and Commodore metadata is kept either in
// the file extension or in a x00 wrapper header.

const bootsectorFile = "bootsect.128"

func init() {
	opsTable[FsVfs] = &hostOps
}

var hostOps = FileOps{
	OpenRead:    hostOpenRead,
	OpenWrite:   hostOpenWrite,
	OpenRel:     hostOpenRel,
	Readdir:     hostReaddir,
	Delete:      hostDelete,
	Mkdir:       hostMkdir,
	Chdir:       hostChdir,
	Rename:      hostRename,
	FreeBlocks:  hostFreeBlocks,
	DiskName:    hostDiskName,
	DiskID:      hostDiskID,
	ReadSector:  hostReadSector,
	WriteSector: hostWriteSector,
	Format:      hostFormat,
}

// hostFile is the backend-private state of an open buffer.
type hostFile struct {
	f          *os.File
	headerSize int64
}

func (p *Partition) hostDir() string {
	return filepath.Join(p.Root, p.Dir)
}

func (p *Partition) hostPath(dent *Dirent) string {
	return filepath.Join(p.hostDir(), dent.HostName)
}

// parseError translates a host error into a Commodore error message. The
// errno lands in the track field; readflag selects between READ ERROR and
// WRITE ERROR for plain I/O failures.
func parseError(p *Partition, err error, readflag bool) {
	var code uint8
	switch {
	case err == nil:
		p.Status.Set(errormsg.ErrorOK)
		return
	case os.IsNotExist(err):
		code = errormsg.ErrorFileNotFound
	case os.IsPermission(err):
		code = errormsg.ErrorWriteProtect
	case os.IsExist(err):
		code = errormsg.ErrorFileExists
	case readflag:
		code = errormsg.ErrorReadNoHeader
	default:
		code = errormsg.ErrorWriteVerify
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		p.Status.SetTS(code, uint8(errno), 0)
	} else {
		p.Status.SetTS(code, 0, 0)
	}
}

func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func fileTell(f *os.File) int64 {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0
	}
	return pos
}

// dropBuffer releases the buffer after an unrecoverable backend error, the
// way the transfer is truncated when a refill fails.
func dropBuffer(buf *buffers.Buffer) {
	if pv, ok := buf.Pvt.(*hostFile); ok && pv.f != nil {
		pv.f.Close()
		pv.f = nil
	}
	buf.Allocated = false
	buf.Cleanup = buffers.CallbackDummy
	buf.Refill = buffers.CallbackDummy
}

/* ------------------------------------------------------------------ */
/*  Callbacks                                                         */
/* ------------------------------------------------------------------ */

// hostFileRead reads the next data block into the buffer. Refill callback
// for reading.
func hostFileRead(p *Partition) buffers.Callback {
	return func(buf *buffers.Buffer) error {
		pv := buf.Pvt.(*hostFile)

		want := 254
		if buf.RecordLen > 0 {
			want = int(buf.RecordLen)
		}
		n, err := pv.f.Read(buf.Data[2 : 2+want])
		if err != nil && err != io.EOF {
			parseError(p, err, true)
			dropBuffer(buf)
			return err
		}

		// The bus protocol can't handle 0-byte files.
		if n == 0 {
			n = 1
			if buf.RecordLen > 0 {
				buf.Data[2] = 255
			} else {
				buf.Data[2] = 13
			}
		}

		buf.Position = 2
		buf.Lastused = n + 1
		if buf.RecordLen > 0 {
			// Strip padding nulls from the end of a REL record.
			for buf.Lastused > 2 && buf.Data[buf.Lastused] == 0 {
				buf.Lastused--
			}
		}

		if n < 254 || buf.RecordLen > 0 ||
			fileSize(pv.f)-fileTell(pv.f) == 0 {
			buf.SendEOI = true
		} else {
			buf.SendEOI = false
		}
		return nil
	}
}

// writeData flushes the current buffer contents into the file.
func writeData(p *Partition, buf *buffers.Buffer) error {
	pv := buf.Pvt.(*hostFile)

	if !buf.MustFlush {
		buf.Lastused = buf.Position - 1
	}
	if rec := int(buf.RecordLen); rec > 0 {
		for i := buf.Lastused + 1; i < rec+2; i++ {
			buf.Data[i] = 0
		}
		buf.Lastused = rec + 1
	}

	count := buf.Lastused - 1
	n, err := pv.f.Write(buf.Data[2 : 2+count])
	if err != nil {
		parseError(p, err, false)
		dropBuffer(buf)
		return err
	}
	if n != count {
		p.Status.Set(errormsg.ErrorDiskFull)
		dropBuffer(buf)
		return errors.New("short write")
	}

	buf.Dirty = false
	buf.MustFlush = false
	buf.Position = 2
	buf.Lastused = 2
	buf.Fptr = uint32(fileTell(pv.f) - pv.headerSize)
	return nil
}

// hostFileWrite is the refill callback for files opened for writing: it
// flushes the buffer so more bytes can be accepted. A logical position
// past the end of file is reached by seeking; the host filesystem reads
// the resulting hole as zeros, so record fill stays bounded by the file
// size.
func hostFileWrite(p *Partition) buffers.Callback {
	return func(buf *buffers.Buffer) error {
		pv := buf.Pvt.(*hostFile)

		fptrNow := fileSize(pv.f) - pv.headerSize
		if int64(buf.Fptr) != fptrNow {
			if _, err := pv.f.Seek(pv.headerSize+int64(buf.Fptr), io.SeekStart); err != nil {
				parseError(p, err, false)
				dropBuffer(buf)
				return err
			}
		}
		return writeData(p, buf)
	}
}

// hostFileSeek positions the file at (position+index) and reloads the
// buffer. Seek callback for relative files and P (position) commands.
func hostFileSeek(p *Partition) buffers.SeekFunc {
	return func(buf *buffers.Buffer, position uint32, index uint8) error {
		pv := buf.Pvt.(*hostFile)
		pos := int64(position) + pv.headerSize

		if buf.Dirty {
			if err := hostFileWrite(p)(buf); err != nil {
				return err
			}
		}

		if fileSize(pv.f) >= pos {
			if _, err := pv.f.Seek(pos, io.SeekStart); err != nil {
				parseError(p, err, true)
				dropBuffer(buf)
				return err
			}
			if err := hostFileRead(p)(buf); err != nil {
				return err
			}
		} else {
			if buf.RecordLen > 0 {
				buf.Data[2] = 255
			} else {
				buf.Data[2] = 13
			}
			buf.Lastused = 2
			buf.Fptr = position
			p.Status.Set(errormsg.ErrorRecordMissing)
		}

		buf.Position = int(index) + 2
		if buf.Position > buf.Lastused {
			buf.Position = buf.Lastused
		}
		return nil
	}
}

// hostFileSync advances a REL file by one record. Installed as the refill
// callback of relative files.
func hostFileSync(p *Partition) buffers.Callback {
	return func(buf *buffers.Buffer) error {
		return hostFileSeek(p)(buf, buf.Fptr+uint32(buf.RecordLen), 0)
	}
}

// hostFileClose closes the file associated with a buffer, flushing
// remaining write data first. Cleanup callback.
func hostFileClose(p *Partition) buffers.Callback {
	return func(buf *buffers.Buffer) error {
		if !buf.Allocated {
			return nil
		}
		pv, ok := buf.Pvt.(*hostFile)
		if !ok || pv.f == nil {
			return nil
		}
		if buf.Write {
			if err := buf.Refill(buf); err != nil {
				return err
			}
		}
		err := pv.f.Close()
		pv.f = nil
		buf.Cleanup = buffers.CallbackDummy
		if err != nil {
			parseError(p, err, true)
		}
		return err
	}
}

/* ------------------------------------------------------------------ */
/*  Open operations                                                   */
/* ------------------------------------------------------------------ */

func hostOpenRead(p *Partition, dent *Dirent, buf *buffers.Buffer) error {
	f, err := os.Open(p.hostPath(dent))
	if err != nil {
		parseError(p, err, true)
		return err
	}
	pv := &hostFile{f: f}
	hdr, err := readP00Header(f)
	if err != nil {
		parseError(p, err, true)
		f.Close()
		return err
	}
	if hdr != nil {
		pv.headerSize = p00HeaderSize
	}

	buf.Read = true
	buf.Pvt = pv
	buf.Refill = hostFileRead(p)
	buf.Cleanup = hostFileClose(p)
	buf.Seek = hostFileSeek(p)
	return buf.Refill(buf)
}

func hostOpenWrite(p *Partition, dent *Dirent, ftype FileType, appendMode bool, buf *buffers.Buffer) error {
	var f *os.File
	var err error
	pv := &hostFile{}

	if appendMode {
		f, err = os.OpenFile(p.hostPath(dent), os.O_RDWR, 0644)
		if err != nil {
			parseError(p, err, false)
			return err
		}
		if hdr, herr := readP00Header(f); herr == nil && hdr != nil {
			pv.headerSize = p00HeaderSize
		}
		if _, err = f.Seek(0, io.SeekEnd); err != nil {
			parseError(p, err, false)
			f.Close()
			return err
		}
	} else {
		hostName, wrap := buildName(p, dent.Name, ftype)
		dent.HostName = hostName
		f, err = os.OpenFile(p.hostPath(dent), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			parseError(p, err, false)
			return err
		}
		if wrap {
			if err = writeP00Header(f, dent.Name, 0); err != nil {
				parseError(p, err, false)
				f.Close()
				return err
			}
			pv.headerSize = p00HeaderSize
		}
	}

	pv.f = f
	buf.Write = true
	buf.Pvt = pv
	buf.Position = 2
	buf.Lastused = 1
	buf.Fptr = uint32(fileTell(f) - pv.headerSize)
	buf.Refill = hostFileWrite(p)
	buf.Cleanup = hostFileClose(p)
	buf.Seek = hostFileSeek(p)
	return nil
}

func hostOpenRel(p *Partition, dent *Dirent, recordLen uint8, buf *buffers.Buffer) error {
	var f *os.File
	var err error
	pv := &hostFile{}

	existing := dent.HostName != ""
	if existing {
		f, err = os.OpenFile(p.hostPath(dent), os.O_RDWR, 0644)
		if err != nil {
			parseError(p, err, true)
			return err
		}
		hdr, herr := readP00Header(f)
		if herr == nil && hdr != nil {
			pv.headerSize = p00HeaderSize
			if recordLen == 0 {
				recordLen = hdr.recordLen
			} else if hdr.recordLen != 0 && hdr.recordLen != recordLen {
				p.Status.Set(errormsg.ErrorRecordOverflow)
				f.Close()
				return errors.New("record length mismatch")
			}
		}
	} else {
		hostName, _ := buildName(p, dent.Name, TypeRel)
		dent.HostName = hostName
		f, err = os.OpenFile(p.hostPath(dent), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			parseError(p, err, false)
			return err
		}
		if err = writeP00Header(f, dent.Name, recordLen); err != nil {
			parseError(p, err, false)
			f.Close()
			return err
		}
		pv.headerSize = p00HeaderSize
	}
	if recordLen == 0 {
		p.Status.Set(errormsg.ErrorSyntaxUnable)
		f.Close()
		return errors.New("missing record length")
	}

	pv.f = f
	buf.Read = true
	buf.Write = true
	buf.RecordLen = recordLen
	buf.Pvt = pv
	buf.Refill = hostFileSync(p)
	buf.Cleanup = hostFileClose(p)
	buf.Seek = hostFileSeek(p)
	return buf.Seek(buf, 0, 0)
}

/* ------------------------------------------------------------------ */
/*  Naming                                                            */
/* ------------------------------------------------------------------ */

var typeExtensions = map[FileType]string{
	TypeDel: ".del",
	TypeSeq: ".seq",
	TypePrg: ".prg",
	TypeUsr: ".usr",
	TypeRel: ".rel",
}

var wrapExtensions = map[FileType]string{
	TypeDel: ".d00",
	TypeSeq: ".s00",
	TypePrg: ".p00",
	TypeUsr: ".u00",
	TypeRel: ".r00",
}

func sanitizeHostName(ascii []byte) string {
	var sb strings.Builder
	for _, c := range ascii {
		if c == '/' || c == '\\' || c == ':' || c < 0x20 {
			c = '_'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// buildName derives the host file name for a new file from the PETSCII
// name and the extension mode. Reports whether the file gets a x00
// wrapper header.
func buildName(p *Partition, name []byte, ftype FileType) (string, bool) {
	base := sanitizeHostName(petscii.BytesToASCII(name))
	wrap := false
	switch p.ExtensionMode {
	case 0:
		wrap = false
	case 1:
		wrap = ftype != TypePrg
	default:
		wrap = true
	}
	ext := typeExtensions[ftype]
	if wrap {
		ext = wrapExtensions[ftype]
	}
	return base + ext, wrap
}

// x00Type classifies a x00 extension, returning the file type and true on
// a match.
func x00Type(ext string) (FileType, bool) {
	if len(ext) != 4 || ext[0] != '.' {
		return TypeDel, false
	}
	if ext[2] < '0' || ext[2] > '9' || ext[3] < '0' || ext[3] > '9' {
		return TypeDel, false
	}
	switch ext[1] {
	case 'p', 'P':
		return TypePrg, true
	case 's', 'S':
		return TypeSeq, true
	case 'u', 'U':
		return TypeUsr, true
	case 'r', 'R':
		return TypeRel, true
	case 'd', 'D':
		return TypeDel, true
	}
	return TypeDel, false
}

/* ------------------------------------------------------------------ */
/*  Directory operations                                              */
/* ------------------------------------------------------------------ */

func hostReaddir(p *Partition) ([]Dirent, error) {
	entries, err := os.ReadDir(p.hostDir())
	if err != nil {
		parseError(p, err, true)
		return nil, err
	}
	dirents := make([]Dirent, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == bootsectorFile {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		d := Dirent{HostName: name, Size: info.Size()}
		if entry.IsDir() {
			d.Type = TypeDir
			d.Name = cbmNameOf(name)
			dirents = append(dirents, d)
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if t, ok := x00Type(ext); ok {
			f, err := os.Open(filepath.Join(p.hostDir(), name))
			if err != nil {
				continue
			}
			hdr, herr := readP00Header(f)
			f.Close()
			if herr == nil && hdr != nil {
				d.Type = t
				d.Name = hdr.cbmName()
				d.Size -= p00HeaderSize
				d.RecordLen = hdr.recordLen
				dirents = append(dirents, d)
				continue
			}
		}
		switch ext {
		case ".prg":
			d.Type = TypePrg
		case ".seq":
			d.Type = TypeSeq
		case ".usr":
			d.Type = TypeUsr
		case ".rel":
			d.Type = TypeRel
		case ".del":
			d.Type = TypeDel
		default:
			d.Type = TypePrg
			d.Name = cbmNameOf(name)
			dirents = append(dirents, d)
			continue
		}
		d.Name = cbmNameOf(strings.TrimSuffix(name, filepath.Ext(name)))
		dirents = append(dirents, d)
	}
	sort.Slice(dirents, func(i, j int) bool {
		return dirents[i].HostName < dirents[j].HostName
	})
	return dirents, nil
}

// cbmNameOf converts a host name into a 16 byte PETSCII directory name.
func cbmNameOf(name string) []byte {
	if len(name) > 16 {
		name = name[:16]
	}
	return petscii.BytesToPETSCII([]byte(name))
}

func hostDelete(p *Partition, dent *Dirent) error {
	err := os.Remove(p.hostPath(dent))
	if err != nil {
		parseError(p, err, false)
	}
	return err
}

func hostMkdir(p *Partition, name []byte) error {
	dir := sanitizeHostName(petscii.BytesToASCII(name))
	err := os.Mkdir(filepath.Join(p.hostDir(), dir), 0755)
	if err != nil {
		parseError(p, err, false)
	}
	return err
}

func hostChdir(p *Partition, name []byte) error {
	ascii := string(petscii.BytesToASCII(name))
	switch ascii {
	case "", "/":
		p.Dir = ""
		return nil
	case "_", "..":
		p.Dir = filepath.Dir(p.Dir)
		if p.Dir == "." {
			p.Dir = ""
		}
		return nil
	}
	dirents, err := hostReaddir(p)
	if err != nil {
		return err
	}
	for i := range dirents {
		d := &dirents[i]
		if d.Type == TypeDir && string(petscii.BytesToASCII(d.Name)) == ascii {
			p.Dir = filepath.Join(p.Dir, d.HostName)
			return nil
		}
	}
	p.Status.Set(errormsg.ErrorFileNotFound)
	return os.ErrNotExist
}

func hostRename(p *Partition, dent *Dirent, newName []byte) error {
	ext := filepath.Ext(dent.HostName)
	newHost := sanitizeHostName(petscii.BytesToASCII(newName)) + ext
	newPath := filepath.Join(p.hostDir(), newHost)
	if _, err := os.Stat(newPath); err == nil {
		p.Status.Set(errormsg.ErrorFileExists)
		return os.ErrExist
	}
	if err := os.Rename(p.hostPath(dent), newPath); err != nil {
		parseError(p, err, false)
		return err
	}
	if _, isX00 := x00Type(strings.ToLower(ext)); isX00 {
		// Keep the wrapper header in sync with the directory name.
		f, err := os.OpenFile(newPath, os.O_RDWR, 0644)
		if err != nil {
			parseError(p, err, false)
			return err
		}
		defer f.Close()
		hdr, herr := readP00Header(f)
		if herr == nil && hdr != nil {
			if err := writeP00Header(f, newName, hdr.recordLen); err != nil {
				parseError(p, err, false)
				return err
			}
		}
	}
	dent.HostName = newHost
	return nil
}

func hostFreeBlocks(p *Partition) uint16 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(p.hostDir(), &st); err != nil {
		log.Warnf("[VFS] statfs failed : %v", err)
		return 0
	}
	free := uint64(st.Bavail) * uint64(st.Bsize) / 254
	if free > 65535 {
		free = 65535
	}
	return uint16(free)
}

func hostDiskName(p *Partition) []byte {
	label := filepath.Base(p.Dir)
	if p.Dir == "" || label == "." || label == string(filepath.Separator) {
		label = "sd2iec"
	}
	return cbmNameOf(label)
}

func hostDiskID(p *Partition) []byte {
	return []byte("SD")
}

/* ------------------------------------------------------------------ */
/*  Direct sector access                                              */
/* ------------------------------------------------------------------ */

// The only direct-access file on a host filesystem is the C128 boot
// sector image.
func hostReadSector(p *Partition, buf *buffers.Buffer, track, sector uint8) error {
	if track != 1 || sector != 0 {
		p.Status.SetTS(errormsg.ErrorIllegalTS, track, sector)
		return fmt.Errorf("no sector %d/%d", track, sector)
	}
	f, err := os.Open(filepath.Join(p.Root, bootsectorFile))
	if err != nil {
		parseError(p, err, true)
		return err
	}
	defer f.Close()
	n, err := f.ReadAt(buf.Data[:], 0)
	if err != nil && err != io.EOF {
		parseError(p, err, true)
		return err
	}
	for i := n; i < buffers.DataSize; i++ {
		buf.Data[i] = 0
	}
	buf.Position = 0
	buf.Lastused = buffers.DataSize - 1
	buf.SendEOI = true
	return nil
}

func hostWriteSector(p *Partition, buf *buffers.Buffer, track, sector uint8) error {
	if track != 1 || sector != 0 {
		p.Status.SetTS(errormsg.ErrorIllegalTS, track, sector)
		return fmt.Errorf("no sector %d/%d", track, sector)
	}
	f, err := os.OpenFile(filepath.Join(p.Root, bootsectorFile), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		parseError(p, err, false)
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(buf.Data[:], 0); err != nil {
		parseError(p, err, false)
		return err
	}
	return nil
}

// hostFormat is a dummy format: a host directory has no low-level layout
// to initialise, so N: only reports success.
func hostFormat(p *Partition, name []byte, id []byte) error {
	p.Status.Set(errormsg.ErrorOK)
	return nil
}
