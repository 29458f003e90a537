package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/kasbert/sd2iec/pkg/bus"
	_ "github.com/kasbert/sd2iec/pkg/bus/gpiobus"
	_ "github.com/kasbert/sd2iec/pkg/bus/virtual"
	"github.com/kasbert/sd2iec/pkg/config"
	"github.com/kasbert/sd2iec/pkg/drive"
)

func main() {
	configPath := flag.String("c", "", "ini options file path")
	busInterface := flag.String("i", "", "bus interface e.g. gpio,virtual")
	busChannel := flag.String("ch", "", "bus channel, e.g. pin assignments")
	address := flag.Int("a", 0, "device address (8..30)")
	root := flag.String("r", "", "root directory served to the bus")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := config.LoadOptions(*configPath)
	if err != nil {
		fmt.Printf("could not load options from %v : %v\n", *configPath, err)
	}
	if *busInterface != "" {
		opts.BusInterface = *busInterface
	}
	if *busChannel != "" {
		opts.BusChannel = *busChannel
	}
	if *address != 0 {
		opts.Config.DeviceAddress = uint8(*address)
	}
	if *root != "" {
		opts.Root = *root
	}

	// The persisted blob overrides the file options the way the EEPROM
	// overrides the jumpers; a corrupt blob leaves the options as loaded.
	if opts.BlobPath != "" {
		if mode, err := config.LoadBlob(opts.BlobPath, &opts.Config); err == nil {
			opts.ExtensionMode = mode
		}
	}

	if !opts.Config.Valid() {
		fmt.Printf("invalid configuration : device %v\n", opts.Config.DeviceAddress)
		os.Exit(1)
	}

	iecBus, err := bus.NewBus(opts.BusInterface, opts.BusChannel)
	if err != nil {
		fmt.Printf("could not attach to bus %v : %v\n", opts.BusInterface, err)
		os.Exit(1)
	}
	defer iecBus.Close()

	d, err := drive.New(opts.Config, iecBus, opts.Root, opts.ExtensionMode, opts.BlobPath)
	if err != nil {
		// No graceful path without buffers: request a full restart.
		fmt.Printf("drive init failed : %v\n", err)
		os.Exit(1)
	}

	log.Infof("sd2iec listening as device %v, root %v", opts.Config.DeviceAddress, opts.Root)

	processor := drive.NewProcessor(d)
	ctx, cancel := context.WithCancel(context.Background())
	if err := processor.Start(ctx); err != nil {
		fmt.Printf("could not start drive : %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	processor.Stop()
}
