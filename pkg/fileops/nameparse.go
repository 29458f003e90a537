package fileops

import (
	"bytes"

	"github.com/kasbert/sd2iec/pkg/vfs"
)

// A FileSpec is the decoded form of an OPEN file name like
// "@0:NAME,P,W" or "RELFILE,L," + chr(recordlen).
type FileSpec struct {
	Name      []byte // PETSCII, may contain * and ? wildcards
	Type      vfs.FileType
	HasType   bool
	Mode      byte // 'R', 'W', 'A' or 'M'
	RecordLen uint8
	Overwrite bool
	Drive     uint8
}

// ParseFileName decodes an OPEN name. The drive prefix and the
// overwrite marker are stripped, the comma-separated type and mode
// suffixes are decoded.
func ParseFileName(raw []byte) FileSpec {
	spec := FileSpec{Mode: 'R'}

	if len(raw) > 0 && raw[0] == '@' {
		spec.Overwrite = true
		raw = raw[1:]
	}
	if i := bytes.IndexByte(raw, ':'); i >= 0 && i <= 2 {
		if i == 1 && raw[0] >= '0' && raw[0] <= '9' {
			spec.Drive = raw[0] - '0'
		}
		raw = raw[i+1:]
	}

	parts := bytes.Split(raw, []byte{','})
	spec.Name = parts[0]
	// The first suffix is the file type, the second the access mode; a
	// relative file carries its record length instead of a mode.
	if len(parts) > 1 && len(parts[1]) > 0 {
		switch parts[1][0] {
		case 'P':
			spec.Type = vfs.TypePrg
			spec.HasType = true
		case 'S':
			spec.Type = vfs.TypeSeq
			spec.HasType = true
		case 'U':
			spec.Type = vfs.TypeUsr
			spec.HasType = true
		case 'L', 'R':
			spec.Type = vfs.TypeRel
			spec.HasType = true
		}
	}
	if len(parts) > 2 && len(parts[2]) > 0 {
		if spec.Type == vfs.TypeRel {
			spec.RecordLen = parts[2][0]
		} else {
			switch parts[2][0] {
			case 'R', 'W', 'A', 'M':
				spec.Mode = parts[2][0]
			}
		}
	}
	return spec
}

// Match reports whether a PETSCII name matches a pattern with the CBM
// wildcards: '*' matches the rest of the name, '?' any single character.
func Match(pattern, name []byte) bool {
	pi, ni := 0, 0
	for pi < len(pattern) {
		switch pattern[pi] {
		case '*':
			return true
		case '?':
			if ni >= len(name) {
				return false
			}
		default:
			if ni >= len(name) || pattern[pi] != name[ni] {
				return false
			}
		}
		pi++
		ni++
	}
	return ni == len(name)
}

// FindFirst locates the first directory entry matching the pattern,
// optionally restricted to a file type.
func FindFirst(p *vfs.Partition, pattern []byte, ftype vfs.FileType, hasType bool) (*vfs.Dirent, error) {
	dirents, err := vfs.Ops(p.Fs).Readdir(p)
	if err != nil {
		return nil, err
	}
	for i := range dirents {
		d := &dirents[i]
		if d.Type == vfs.TypeDir {
			continue
		}
		if hasType && d.Type != ftype {
			continue
		}
		if Match(pattern, d.Name) {
			return d, nil
		}
	}
	return nil, nil
}
