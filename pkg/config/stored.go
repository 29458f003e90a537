package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"

	sd2iec "github.com/kasbert/sd2iec"
)

// Persistent configuration blob. The layout is guarded twice: a structure
// size field and an additive checksum over everything behind it. A blob
// failing either guard is ignored and defaults stay in effect.
//
// Do not remove any fields, only add at the end.

var ErrBadBlob = errors.New("stored configuration rejected")

// Global flag bits inside the blob.
const (
	StoredJiffy uint8 = 1 << 0
	StoredVC20  uint8 = 1 << 1
)

const romNameLength = 8

type Stored struct {
	Dummy       uint8
	Checksum    uint8
	StructSize  uint16
	Unused      uint8
	GlobalFlags uint8
	Address     uint8
	HardAddress uint8
	FileExts    uint8
	DrvConfig0  uint16
	DrvConfig1  uint16
	ImageDirs   uint8
	RomName     [romNameLength]byte
}

func storedSize() uint16 {
	return uint16(binary.Size(Stored{}))
}

// checksum sums every byte from offset 2 on, the size field included, the
// same additive checksum the original EEPROM image uses.
func checksum(raw []byte) uint8 {
	var sum uint8
	for _, b := range raw[2:] {
		sum += b
	}
	return sum
}

// Encode serializes the blob with a fresh checksum and size field.
func (s *Stored) Encode() []byte {
	s.StructSize = storedSize()
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, s)
	raw := buf.Bytes()
	raw[1] = checksum(raw)
	return raw
}

// Decode validates and parses a blob. Both guard failures map to
// ErrBadBlob so the caller applies defaults.
func Decode(raw []byte) (*Stored, error) {
	if len(raw) < int(storedSize()) {
		return nil, ErrBadBlob
	}
	var s Stored
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &s); err != nil {
		return nil, ErrBadBlob
	}
	if s.StructSize != storedSize() {
		log.Warnf("[CONF] struct size mismatch : %v != %v", s.StructSize, storedSize())
		return nil, ErrBadBlob
	}
	if s.Checksum != checksum(raw[:storedSize()]) {
		log.Warn("[CONF] checksum mismatch")
		return nil, ErrBadBlob
	}
	return &s, nil
}

// FromConfig captures the persistable subset of the engine configuration.
func FromConfig(cfg *sd2iec.Config, extensionMode uint8) *Stored {
	s := &Stored{
		Address:     cfg.DeviceAddress,
		HardAddress: cfg.DeviceAddress,
		FileExts:    extensionMode,
	}
	if cfg.JiffyEnabled {
		s.GlobalFlags |= StoredJiffy
	}
	if cfg.VC20Mode {
		s.GlobalFlags |= StoredVC20
	}
	return s
}

// Apply copies the stored values onto a configuration.
func (s *Stored) Apply(cfg *sd2iec.Config) uint8 {
	if s.Address >= 8 && s.Address <= 30 {
		cfg.DeviceAddress = s.Address
	}
	cfg.JiffyEnabled = s.GlobalFlags&StoredJiffy != 0
	cfg.VC20Mode = s.GlobalFlags&StoredVC20 != 0
	return s.FileExts
}

// LoadBlob reads and applies a stored blob; on any failure the passed
// configuration is left untouched.
func LoadBlob(path string, cfg *sd2iec.Config) (uint8, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s, err := Decode(raw)
	if err != nil {
		return 0, err
	}
	return s.Apply(cfg), nil
}

// SaveBlob persists the current configuration.
func SaveBlob(path string, cfg *sd2iec.Config, extensionMode uint8) error {
	return os.WriteFile(path, FromConfig(cfg, extensionMode).Encode(), 0644)
}
