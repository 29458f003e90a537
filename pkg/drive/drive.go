package drive

import (
	"time"

	log "github.com/sirupsen/logrus"

	sd2iec "github.com/kasbert/sd2iec"
	"github.com/kasbert/sd2iec/pkg/buffers"
	"github.com/kasbert/sd2iec/pkg/config"
	"github.com/kasbert/sd2iec/pkg/doscmd"
	"github.com/kasbert/sd2iec/pkg/errormsg"
	"github.com/kasbert/sd2iec/pkg/fileops"
	"github.com/kasbert/sd2iec/pkg/iec"
	"github.com/kasbert/sd2iec/pkg/led"
	"github.com/kasbert/sd2iec/pkg/vfs"
)

// A Drive is one emulated device: protocol engine, buffer pool, file
// backend and DOS parser behind a single cooperative task.
type Drive struct {
	Bus    sd2iec.Bus
	Config sd2iec.Config

	Engine *iec.Engine
	Pool   *buffers.Pool
	Status *errormsg.Status
	Part   *vfs.Partition
	Leds   *led.Register

	dos      *doscmd.Context
	blobPath string
	logger   *log.Entry

	lastActivity time.Time
}

// New assembles a drive on the given bus with its files rooted at root.
func New(cfg sd2iec.Config, bus sd2iec.Bus, root string, extensionMode uint8, blobPath string) (*Drive, error) {
	d := &Drive{
		Bus:      bus,
		Config:   cfg,
		Status:   errormsg.NewStatus(),
		Leds:     &led.Register{},
		blobPath: blobPath,
		logger:   log.WithField("device", cfg.DeviceAddress),
	}
	d.Pool = buffers.NewPool(cfg.BufferCount)
	d.Part = &vfs.Partition{
		Fs:            vfs.FsVfs,
		Root:          root,
		Status:        d.Status,
		ExtensionMode: extensionMode,
	}
	d.dos = &doscmd.Context{
		Pool:   d.Pool,
		Part:   d.Part,
		Status: d.Status,
		Config: &d.Config,
		SaveConfig: func() error {
			if d.blobPath == "" {
				return nil
			}
			return config.SaveBlob(d.blobPath, &d.Config, d.Part.ExtensionMode)
		},
		ResetDrive: func() { d.Reset() },
	}
	d.Engine = iec.NewEngine(bus, &d.Config, d.Pool, d.Status, d)
	if err := fileops.SetupCommandChannel(d.Pool, cfg.DeviceAddress, d.Status); err != nil {
		return nil, err
	}
	d.lastActivity = time.Now()
	return d, nil
}

// OpenFile implements iec.ChannelHandler.
func (d *Drive) OpenFile(device, secondary uint8, name []byte) {
	if err := fileops.OpenChannel(d.Pool, d.Part, device, secondary, name); err != nil {
		d.logger.Debugf("[DRIVE] open %d:%d failed : %v", device, secondary, err)
	}
}

// CloseFile implements iec.ChannelHandler.
func (d *Drive) CloseFile(device, secondary uint8) {
	fileops.CloseChannel(d.Pool, device, secondary)
}

// Command implements iec.ChannelHandler: channel 15 writes run the DOS
// parser and park the result for the next error channel read.
func (d *Drive) Command(line []byte) {
	d.dos.Execute(line)
}

// Reset reclaims the bus side of the drive, leaving the error channel
// message in place.
func (d *Drive) Reset() {
	d.Engine.Reset()
}

// Service runs one pass of the bus state machine and the housekeeping
// behind it.
func (d *Drive) Service() {
	d.Engine.Service()
	d.updateLeds()
	if d.Engine.BusState() != iec.BusSleep {
		d.lastActivity = time.Now()
	}
}

// systemSleep blocks until an attention edge wakes the task, with a one
// second tick for housekeeping.
func (d *Drive) systemSleep(stop <-chan struct{}) bool {
	if d.Engine.AtnPending() || d.Bus.ReadAtn() {
		return true
	}
	select {
	case <-stop:
		return false
	case <-d.Engine.Wake():
		return true
	case <-time.After(time.Second):
		return true
	}
}

func (d *Drive) updateLeds() {
	d.Leds.SetBusy(d.Pool.CountAllocated(true) > 0)
	d.Leds.SetDirty(d.Status.Code() != errormsg.ErrorOK &&
		d.Status.Code() != errormsg.ErrorDosVersion)
}

// run is the system task: sleep until attention, then drive the state
// machine until the bus returns idle.
func (d *Drive) run(stop <-chan struct{}) {
	d.logger.Info("[DRIVE] starting system task")
	for {
		if !d.systemSleep(stop) {
			d.logger.Info("[DRIVE] system task stopped")
			return
		}
		d.Service()
		if sleepMs := d.Config.TSleepMs; sleepMs > 0 &&
			d.Engine.BusState() == iec.BusIdle &&
			time.Since(d.lastActivity) > time.Duration(sleepMs)*time.Millisecond {
			d.Engine.EnterSleep()
		}
	}
}
