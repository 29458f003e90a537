package config

import (
	"gopkg.in/ini.v1"

	sd2iec "github.com/kasbert/sd2iec"
)

// Daemon options, read from an ini file. Everything has a default so a
// missing file yields a runnable drive.

type Options struct {
	Config sd2iec.Config

	BusInterface string
	BusChannel   string

	Root          string
	ExtensionMode uint8
	BlobPath      string
}

func DefaultOptions() *Options {
	return &Options{
		Config:        sd2iec.DefaultConfig(),
		BusInterface:  "gpio",
		BusChannel:    "atn=GPIO4,clock=GPIO17,data=GPIO27",
		Root:          ".",
		ExtensionMode: 1,
		BlobPath:      "sd2iec.cfg",
	}
}

// LoadOptions merges an ini file over the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	if path == "" {
		return opts, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return opts, err
	}

	dev := file.Section("device")
	opts.Config.DeviceAddress = uint8(dev.Key("address").MustUint(uint(opts.Config.DeviceAddress)))
	opts.Config.JiffyEnabled = dev.Key("jiffy").MustBool(opts.Config.JiffyEnabled)
	opts.Config.VC20Mode = dev.Key("vc20").MustBool(opts.Config.VC20Mode)
	opts.Config.BufferCount = uint8(dev.Key("buffers").MustUint(uint(opts.Config.BufferCount)))

	timing := file.Section("timing")
	opts.Config.TBitUs = uint32(timing.Key("t_bit_us").MustUint(uint(opts.Config.TBitUs)))
	opts.Config.TEoiUs = uint32(timing.Key("t_eoi_us").MustUint(uint(opts.Config.TEoiUs)))
	opts.Config.TFrameUs = uint32(timing.Key("t_frame_us").MustUint(uint(opts.Config.TFrameUs)))
	opts.Config.TSleepMs = uint32(timing.Key("t_sleep_ms").MustUint(uint(opts.Config.TSleepMs)))

	busSec := file.Section("bus")
	opts.BusInterface = busSec.Key("interface").MustString(opts.BusInterface)
	opts.BusChannel = busSec.Key("channel").MustString(opts.BusChannel)

	storage := file.Section("storage")
	opts.Root = storage.Key("root").MustString(opts.Root)
	opts.ExtensionMode = uint8(storage.Key("extension_mode").MustUint(uint(opts.ExtensionMode)))
	opts.BlobPath = storage.Key("config_blob").MustString(opts.BlobPath)

	return opts, nil
}
