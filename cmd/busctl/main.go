// Command busctl drives a Modbus RTU bus as master: it owns the serial
// line, ticks the Bus Engine and Device Manager cooperatively, and on exit
// optionally writes the engine's recent frame history and CRC-error
// contexts to a pcap file or named pipe for Wireshark (spec.md §1, §11).
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"rtubus/pkg/busengine"
	"rtubus/pkg/capture"
	"rtubus/pkg/device"
	"rtubus/pkg/serialport"
)

var Version = "dev"

// monoClock anchors every NowUs() reading to the same startup instant, so
// serialport, busengine, and device.Manager all share one uptime timeline
// (busengine.Clock / serialport.Clock / device.Clock are the same shape by
// design, not by coincidence).
type monoClock struct{ start time.Time }

func (c monoClock) NowUs() uint64 { return uint64(time.Since(c.start).Microseconds()) }

func main() {
	baud := flag.Int("baud", 19200, "baud rate")
	databits := flag.Int("databits", 8, "data bits (5-8)")
	parityStr := flag.String("parity", "none", "parity: none, odd, even, mark, space")
	stopbits := flag.Int("stopbits", 1, "stop bits: 1 or 2")

	typesDir := flag.String("types", "", "directory of device-type YAML documents")
	mappingPath := flag.String("mapping", "", "unit-mapping YAML document (unitId/type/name triples)")

	capturePath := flag.String("capture", "", "write a pcap dump of the frame/CRC-error history to this path on exit")
	pipeMode := flag.Bool("pipe", false, "write the exit capture through a named pipe at -capture's path instead of a plain file (Unix only)")
	bigEndian := flag.Bool("bigendian", false, "write the pcap capture in big-endian byte order")

	verbose := flag.Bool("v", false, "verbose: show a live status line on stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: busctl [flags] <serial-port>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	portPath := flag.Arg(0)

	logLevel := zerolog.InfoLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(logLevel).With().Timestamp().Str("version", Version).Logger()

	clock := monoClock{start: time.Now()}

	port, err := serialport.Open(serialport.Config{
		PortName: portPath,
		BaudRate: *baud,
		DataBits: *databits,
		Parity:   serialport.Parity(*parityStr),
		StopBits: *stopbits,
		Clock:    clock,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("port", portPath).Msg("open serial port")
	}
	defer func() { _ = port.Close() }()

	engine := busengine.New(port, clock, logger.With().Str("component", "busengine").Logger(), busengine.Config{})

	manager := device.New(engine, clock, logger.With().Str("component", "device").Logger(), device.Config{})
	if *typesDir != "" {
		if err := manager.LoadTypesDir(*typesDir); err != nil {
			logger.Fatal().Err(err).Str("dir", *typesDir).Msg("load device types")
		}
	}
	if *mappingPath != "" {
		data, err := os.ReadFile(*mappingPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *mappingPath).Msg("read mapping document")
		}
		if err := manager.LoadMapping(data); err != nil {
			logger.Fatal().Err(err).Str("path", *mappingPath).Msg("load mapping document")
		}
	}
	engine.OnFrame(manager)

	enableTerminalStatus()
	live := *verbose && term.IsTerminal(int(os.Stderr.Fd()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Str("port", portPath).Int("baud", *baud).Msg("bus engine starting")

	startWall := time.Now()
	startUptimeUs := clock.NowUs()
	lastStatus := time.Time{}
	ticks := uint64(0)

loop:
	for {
		select {
		case <-sigChan:
			break loop
		default:
		}

		snap := engine.Tick()
		manager.Tick()
		ticks++

		if *verbose && time.Since(lastStatus) >= time.Second {
			printStatus(&logger, engine, snap, live)
			lastStatus = time.Now()
		}

		if snap.QueueDepth == 0 && !snap.InFlight {
			time.Sleep(time.Millisecond)
		}
	}

	if live {
		fmt.Fprintln(os.Stderr)
	}
	logger.Info().Uint64("ticks", ticks).Msg("shutting down")

	if *capturePath != "" {
		if err := dumpCapture(engine, *capturePath, *pipeMode, *bigEndian, startWall, startUptimeUs); err != nil {
			logger.Error().Err(err).Str("path", *capturePath).Msg("write capture")
		}
	}
}

func printStatus(logger *zerolog.Logger, engine *busengine.Engine, snap busengine.TickSnapshot, live bool) {
	stats := engine.Stats()
	if live {
		fmt.Fprintf(os.Stderr, "\rqueue=%d inflight=%v sent=%d ownFail=%.1f%% otherFail=%.1f%% idle=%.1f%%          ",
			snap.QueueDepth, snap.InFlight, stats.FramesSent,
			stats.OwnFailureRate()*100, stats.OtherFailureRate()*100, stats.BusIdlePercent())
		return
	}
	logger.Debug().
		Int("queue", snap.QueueDepth).
		Bool("inflight", snap.InFlight).
		Uint64("sent", stats.FramesSent).
		Float64("ownFailPct", stats.OwnFailureRate()*100).
		Float64("otherFailPct", stats.OtherFailureRate()*100).
		Msg("status")
}

// dumpCapture writes the engine's frame history and CRC-error contexts, as
// they stand at the time of the call, to a pcap file or, in pipe mode, a
// named pipe (spec.md §11). Nothing is written while the engine runs.
func dumpCapture(engine *busengine.Engine, path string, pipeMode, bigEndian bool, epoch time.Time, epochUptimeUs uint64) error {
	var f *os.File
	var err error
	if pipeMode {
		f, err = createPipe(path)
		defer removePipe(path)
	} else {
		f, err = os.Create(path)
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	byteOrder := binary.ByteOrder(binary.LittleEndian)
	if bigEndian {
		byteOrder = binary.BigEndian
	}

	pw, err := capture.NewWriter(f, byteOrder, capture.DLTRTACSer)
	if err != nil {
		return err
	}
	if err := capture.DumpHistory(pw, engine.RecentFrames(), epoch, epochUptimeUs); err != nil {
		return err
	}
	return capture.DumpCrcErrors(pw, engine.RecentCrcContexts(), epoch, epochUptimeUs)
}
