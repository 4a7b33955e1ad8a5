// kci-sim exercises the KCI engine against simulated firmware: it brings
// the engine up over an in-process register file, runs the boot handshake
// and a configurable command load, injects reverse notifications, and
// prints the engine metrics.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hwplane/kci"
	"github.com/hwplane/kci/internal/dma"
	"github.com/hwplane/kci/internal/firmware"
	"github.com/hwplane/kci/internal/logging"
	"github.com/hwplane/kci/internal/mailbox"
	"github.com/hwplane/kci/internal/mmio"
)

const (
	csrSpaceSize = 0x2000
	csrBase      = 0x1000
	csrStride    = 0x100
	iovaBase     = 0x100000
)

func main() {
	var (
		queueSize = flag.Uint("queue-size", kci.DefaultQueueSize, "Ring capacity in elements")
		commands  = flag.Int("commands", 64, "Number of ACK round trips to run")
		image     = flag.String("image", "sim.fw", "Firmware image name to load")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	regs := mmio.NewMem(csrSpaceSize)
	pool := dma.NewPool(iovaBase)
	layout := mailbox.FlatLayout(csrBase, csrStride)

	mgr, err := mailbox.NewManager(regs, mailbox.Config{
		NumMailboxes: 8,
		Layout:       layout,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create mailbox manager", "error", err)
		os.Exit(1)
	}

	// The simulated device side.
	fw := kci.NewFakeFirmware(regs, pool, layout, mailbox.KCIIndex)
	fw.SetResponder(simResponder(pool))

	// A firmware registry stands in for the image loading a real driver
	// does before the mailbox handshake.
	registry := firmware.NewRegistry(firmware.LoaderFunc(loadSimImage), pool, logger)
	defer registry.Close()

	handle, err := registry.Open(*image)
	if err != nil {
		logger.Error("failed to load firmware image", "image", *image, "error", err)
		os.Exit(1)
	}
	defer handle.Close()
	logger.Info("firmware image loaded", "image", handle.Name(),
		"device_addr", fmt.Sprintf("%#x", handle.Buffer().DeviceAddr))

	eng, err := kci.NewEngine(mgr, pool, kci.Config{
		QueueSize: uint32(*queueSize),
		Logger:    logger,
		CrashHandler: kci.CrashHandlerFunc(func(crashType uint32) {
			logger.Error("device reported firmware crash", "crash_type", crashType)
		}),
		ReverseHandler: kci.ReverseHandlerFunc(func(resp *kci.Response) {
			logger.Info("chip notification", "code", resp.Code, "retval", resp.Retval)
		}),
	})
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	fw.AttachInterrupt(mgr.HandleInterrupt)

	if err := run(eng, fw, logger, *commands); err != nil {
		logger.Error("simulation failed", "error", err)
		eng.Close()
		os.Exit(1)
	}

	printMetrics(eng.Metrics().Snapshot())

	if err := eng.Shutdown(); err != nil {
		logger.Warn("shutdown notification failed", "error", err)
	}
	if err := eng.Close(); err != nil {
		logger.Error("close failed", "error", err)
		os.Exit(1)
	}
	logger.Info("simulation complete")
}

// run performs the boot handshake and the command load.
func run(eng *kci.Engine, fw *kci.FakeFirmware, logger *logging.Logger, commands int) error {
	if err := eng.Ack(); err != nil {
		return err
	}

	info, err := eng.QueryFirmwareInfo()
	if err != nil {
		return err
	}
	logger.Info("firmware info", "flavor", info.Flavor.String(),
		"changelist", info.Changelist, "build_time", info.BuildTime)

	logBuf, err := allocMapped(eng, 16*1024)
	if err != nil {
		return err
	}
	if err := eng.MapLogBuffer(logBuf, 16*1024); err != nil {
		return err
	}

	if err := eng.ActivateMailboxes(0b0110); err != nil {
		return err
	}
	if err := eng.JoinGroup(1, 0); err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < commands; i++ {
		if err := eng.Ack(); err != nil {
			return err
		}
	}
	logger.Info("command load complete", "commands", commands,
		"elapsed", time.Since(start).String())

	// Device-originated traffic: a chip notification and a usage poll.
	fw.PushReverse(0x501, 1)
	if err := eng.UpdateUsage(); err != nil {
		return err
	}
	for uid, states := range eng.Usage().TimeInState {
		for state, us := range states {
			logger.Info("core usage", "uid", uid, "state", state, "busy_us", us)
		}
	}

	if err := eng.LeaveGroup(); err != nil {
		return err
	}
	return eng.DeactivateMailboxes(0b0110)
}

// simResponder answers like healthy firmware: build info and usage
// buffers are filled in, everything else is acknowledged.
func simResponder(pool *dma.Pool) kci.FirmwareResponder {
	return func(cmd kci.Command) (kci.Response, bool) {
		switch cmd.Code {
		case kci.CodeFirmwareInfo:
			if buf, err := pool.Slice(cmd.DMA.Address, int(cmd.DMA.Size)); err == nil {
				binary.LittleEndian.PutUint64(buf[0:8], uint64(time.Now().Unix()))
				binary.LittleEndian.PutUint32(buf[8:12], uint32(kci.FlavorSystemTest))
				binary.LittleEndian.PutUint32(buf[12:16], 1)
			}
		case kci.CodeGetUsage:
			if buf, err := pool.Slice(cmd.DMA.Address, int(cmd.DMA.Size)); err == nil {
				binary.LittleEndian.PutUint32(buf[0:4], 1)
				binary.LittleEndian.PutUint32(buf[4:8], 16)
				binary.LittleEndian.PutUint32(buf[8:12], 1)   // core usage record
				binary.LittleEndian.PutUint32(buf[12:16], 0)  // uid
				binary.LittleEndian.PutUint32(buf[16:20], 4)  // power state
				binary.LittleEndian.PutUint32(buf[20:24], 1500) // busy us
			}
		}
		return kci.EchoResponder(cmd)
	}
}

// loadSimImage synthesizes a firmware image of a fixed size.
func loadSimImage(name string) ([]byte, error) {
	img := make([]byte, 4096)
	copy(img, []byte("SIMFW:"+name))
	return img, nil
}

// allocMapped grabs a device buffer for the firmware to write into and
// returns its device address. The simulator never frees these; they live
// for the run.
func allocMapped(eng *kci.Engine, size int) (uint64, error) {
	buf, err := eng.AllocBuffer(size)
	if err != nil {
		return 0, err
	}
	return buf.DeviceAddr, nil
}

func printMetrics(s kci.MetricsSnapshot) {
	fmt.Printf("commands sent:      %d\n", s.CommandsSent)
	fmt.Printf("responses matched:  %d\n", s.ResponsesMatched)
	fmt.Printf("no-response waits:  %d\n", s.NoResponses)
	fmt.Printf("timeouts:           %d\n", s.Timeouts)
	fmt.Printf("stale dropped:      %d\n", s.StaleDropped)
	fmt.Printf("reverse dispatched: %d\n", s.ReverseDispatched)
	fmt.Printf("reverse dropped:    %d\n", s.ReverseDropped)
	fmt.Printf("drain batches:      %d (max %d, avg %.1f)\n",
		s.DrainBatches, s.MaxDrainBatch, s.AvgDrainBatch)
	fmt.Printf("avg latency:        %dns (p50 %dns, p99 %dns)\n",
		s.AvgLatencyNs, s.LatencyP50Ns, s.LatencyP99Ns)
}
