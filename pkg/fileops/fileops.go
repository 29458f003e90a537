package fileops

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

// Channel plumbing: OpenChannel resolves an OPEN name against the backend
// and installs the refill/cleanup/seek callbacks into a fresh buffer;
// CloseChannel tears the binding down again. This is the only place that
// calls backend open operations.

var errOpenFailed = errors.New("open failed")

// OpenChannel opens the named file on (device,secondary). Errors are
// reported on the DOS error channel; the returned error only signals that
// no channel was established.
func OpenChannel(pool *buffers.Pool, p *vfs.Partition, device, secondary uint8, rawName []byte) error {
	if len(rawName) == 0 {
		p.Status.Set(errormsg.ErrorSyntaxNoName)
		return errOpenFailed
	}

	if rawName[0] == '$' {
		return openDirectory(pool, p, device, secondary, rawName)
	}
	if rawName[0] == '#' {
		return openDirectBuffer(pool, p, device, secondary)
	}

	spec := ParseFileName(rawName)
	if len(spec.Name) == 0 {
		p.Status.Set(errormsg.ErrorSyntaxNoName)
		return errOpenFailed
	}

	// The secondary address fixes the access mode for LOAD and SAVE.
	switch secondary {
	case 0:
		spec.Mode = 'R'
	case 1:
		spec.Mode = 'W'
		if !spec.HasType {
			spec.Type = vfs.TypePrg
		}
	}

	ops := vfs.Ops(p.Fs)
	dent, err := FindFirst(p, spec.Name, spec.Type, spec.HasType && spec.Mode == 'R')
	if err != nil {
		return err
	}

	if spec.Type == vfs.TypeRel {
		return openRelative(pool, p, device, secondary, &spec, dent)
	}

	switch spec.Mode {
	case 'W':
		if dent != nil {
			if !spec.Overwrite {
				p.Status.Set(errormsg.ErrorFileExists)
				return errOpenFailed
			}
			if err := ops.Delete(p, dent); err != nil {
				return err
			}
		}
		buf, err := pool.Alloc(device, secondary)
		if err != nil {
			p.Status.Set(errormsg.ErrorNoChannel)
			return err
		}
		newDent := vfs.Dirent{Name: spec.Name, Type: spec.Type}
		if err := ops.OpenWrite(p, &newDent, spec.Type, false, buf); err != nil {
			pool.FreeForced(buf)
			return err
		}
		log.Debugf("[FILE] open write %d:%d %q", device, secondary, spec.Name)
		return nil

	case 'A':
		if dent == nil {
			p.Status.Set(errormsg.ErrorFileNotFound)
			return errOpenFailed
		}
		buf, err := pool.Alloc(device, secondary)
		if err != nil {
			p.Status.Set(errormsg.ErrorNoChannel)
			return err
		}
		if err := ops.OpenWrite(p, dent, dent.Type, true, buf); err != nil {
			pool.FreeForced(buf)
			return err
		}
		return nil

	default: // 'R' and 'M'
		if dent == nil {
			p.Status.Set(errormsg.ErrorFileNotFound)
			return errOpenFailed
		}
		buf, err := pool.Alloc(device, secondary)
		if err != nil {
			p.Status.Set(errormsg.ErrorNoChannel)
			return err
		}
		if err := ops.OpenRead(p, dent, buf); err != nil {
			pool.FreeForced(buf)
			return err
		}
		log.Debugf("[FILE] open read %d:%d %q", device, secondary, spec.Name)
		return nil
	}
}

func openRelative(pool *buffers.Pool, p *vfs.Partition, device, secondary uint8, spec *FileSpec, dent *vfs.Dirent) error {
	buf, err := pool.Alloc(device, secondary)
	if err != nil {
		p.Status.Set(errormsg.ErrorNoChannel)
		return err
	}
	if dent == nil {
		dent = &vfs.Dirent{Name: spec.Name, Type: vfs.TypeRel}
	}
	if err := vfs.Ops(p.Fs).OpenRel(p, dent, spec.RecordLen, buf); err != nil {
		pool.FreeForced(buf)
		return err
	}
	return nil
}

// openDirectBuffer serves OPEN "#": a sticky direct-access buffer whose
// contents survive sessions until explicitly closed.
func openDirectBuffer(pool *buffers.Pool, p *vfs.Partition, device, secondary uint8) error {
	if b := pool.Find(device, secondary); b != nil && b.Sticky {
		// Re-opening the same direct buffer keeps its contents.
		return nil
	}
	buf, err := pool.Alloc(device, secondary)
	if err != nil {
		p.Status.Set(errormsg.ErrorNoChannel)
		return err
	}
	buf.Sticky = true
	buf.Read = true
	buf.Write = true
	buf.Position = 1
	buf.Lastused = buffers.DataSize - 1
	buf.SendEOI = true
	return nil
}

// CloseChannel runs the cleanup callback and frees the buffer, a sticky
// direct-access buffer included. Closing the command channel instead
// closes every non-sticky channel of the pool.
func CloseChannel(pool *buffers.Pool, device, secondary uint8) {
	if secondary == 15 {
		pool.FreeAll()
		return
	}
	buf := pool.Find(device, secondary)
	if buf == nil {
		return
	}
	if buf.Cleanup != nil {
		if err := buf.Cleanup(buf); err != nil {
			log.Warnf("[FILE] close %d:%d failed : %v", device, secondary, err)
		}
	}
	if buf.Sticky {
		buf.Sticky = false
	}
	pool.Free(buf)
}

// SetupCommandChannel allocates the dedicated sticky buffer of secondary
// 15. Its refill pulls the current error message; reading the channel
// consumes the message and re-arms OK.
func SetupCommandChannel(pool *buffers.Pool, device uint8, status *errormsg.Status) error {
	buf, err := pool.Alloc(device, 15)
	if err != nil {
		return err
	}
	buf.Sticky = true
	buf.Read = true
	buf.Refill = func(b *buffers.Buffer) error {
		msg := status.Message()
		n := copy(b.Data[2:], msg)
		b.Position = 2
		b.Lastused = n + 1
		b.SendEOI = true
		return nil
	}
	buf.Cleanup = buffers.CallbackDummy
	return nil
}
