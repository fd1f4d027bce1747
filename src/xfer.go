package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Send and receive files through an acoustic modem.
 *
 * Usage:	acomms-xfer [options] send FILE
 *		acomms-xfer [options] recv DIR|FILE
 *		acomms-xfer [options] watch DIR
 *
 *		See usage below.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

func XferMain() {
	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	var code = RunXfer(ctx)

	stop()
	os.Exit(code)
}

/*------------------------------------------------------------------
 *
 * Name:	RunXfer
 *
 * Purpose:	Everything XferMain does except exiting.
 *
 * Inputs:	os.Args, through pflag.CommandLine.
 *
 * Returns:	Exit status.  ExitSuccess, ExitFailed, ExitCancelled when
 *		the other end cancelled, ExitUsage for bad options.
 *
 *------------------------------------------------------------------*/

func RunXfer(ctx context.Context) int {
	var fs = pflag.CommandLine

	var station = addStationFlags(fs)
	var dest = fs.IntP("dest", "d", 0, "Station at the other end.")
	var rate = fs.IntP("rate", "r", 0, "Modem rate, 0 to 6.")
	var mode = fs.StringP("mode", "m", "", "plain (xmodem) or bulk (ymodem, with file name and size).")
	var retry = fs.Int("retry", 0, "Give up after this many errors.")
	var timeout = fs.DurationP("timeout", "t", 0, "How long to wait for the other end.")
	var delay = fs.Duration("delay", 0, "Pause after each transmission.")
	var noCRC = fs.Bool("no-crc", false, "Receiver asks for plain checksum mode.")
	var listPorts = fs.BoolP("list-ports", "L", false, "List serial ports and exit.")
	var help = fs.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Transfer files through an acoustic modem.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "\t%s [options] send FILE\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\t%s [options] recv DIR|FILE\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\t%s [options] watch DIR\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "In bulk mode recv stores the file in DIR under the name sent.\n")
		fmt.Fprintf(os.Stderr, "In plain mode recv writes to FILE.\n")
		fmt.Fprintf(os.Stderr, "watch sends each file dropped into DIR and moves it to DIR/sent or DIR/failed.\n")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return ExitUsage
	}

	if *help {
		pflag.Usage()
		return ExitSuccess
	}

	if *station.version {
		printVersion(os.Args[0], false)
		return ExitSuccess
	}

	if *listPorts {
		var ports, err = ListSerialPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			return ExitFailed
		}

		for _, p := range ports {
			fmt.Printf("%s\n", p)
		}

		return ExitSuccess
	}

	if fs.NArg() != 2 {
		pflag.Usage()
		return ExitUsage
	}

	var command, operand = fs.Arg(0), fs.Arg(1)
	switch command {
	case "send", "recv", "watch":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n", command)
		pflag.Usage()
		return ExitUsage
	}

	var cfg, err = station.load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return ExitUsage
	}

	if fs.Changed("dest") {
		cfg.Transfer.Dest = *dest
	}
	if fs.Changed("rate") {
		cfg.Transfer.Rate = *rate
	}
	if fs.Changed("mode") {
		cfg.Transfer.Mode = *mode
	}
	if fs.Changed("retry") {
		cfg.Transfer.Retry = *retry
	}
	if fs.Changed("timeout") {
		cfg.Transfer.Timeout = *timeout
	}
	if fs.Changed("delay") {
		cfg.Transfer.Delay = *delay
	}
	if fs.Changed("no-crc") {
		cfg.Transfer.DisableCRC = *noCRC
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return ExitUsage
	}

	var logger = newProgramLogger(cfg.Log.Level, "xfer")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var st, startErr = StartStation(ctx, cfg, logger)
	if startErr != nil {
		logger.Error("can't start", "err", startErr)
		return ExitFailed
	}
	defer func() {
		cancel()
		if err := st.Wait(); err != nil {
			logger.Error("modem stopped", "err", err)
		}
	}()

	st.checkStationID(ctx)

	var link, linkErr = st.Modem.Link(cfg.Transfer.Dest, cfg.Transfer.Rate)
	if linkErr != nil {
		logger.Error("can't set up link", "err", linkErr)
		return ExitUsage
	}

	var t, tErr = cfg.NewTransfer(link, logger)
	if tErr != nil {
		logger.Error("bad transfer settings", "err", tErr)
		return ExitUsage
	}

	t.Progress = func(total, successes, errs int) {
		logger.Info("progress", "packets", total, "ok", successes, "errors", errs)
	}

	switch command {
	case "send":
		var res, sendErr = t.SendFile(ctx, operand)

		return xferResult(logger, "send", operand, res, sendErr)

	case "recv":
		var sink, closeSink, sinkErr = xferSink(t.Mode, operand)
		if sinkErr != nil {
			logger.Error("can't receive", "err", sinkErr)
			return ExitUsage
		}

		var res, recvErr = t.Receive(ctx, sink)
		closeSink()

		return xferResult(logger, "recv", operand, res, recvErr)

	default:
		var spool, spoolErr = NewSpool(operand, t, logger)
		if spoolErr != nil {
			logger.Error("can't watch", "err", spoolErr)
			return ExitUsage
		}
		spool.Settle = cfg.Spool.Settle

		if err := spool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watch stopped", "err", err)
			return ExitFailed
		}

		return ExitSuccess
	}
}

func xferSink(mode TransferMode, operand string) (Sink, func(), error) {
	if mode == ModeBulkHeader {
		return Sink{Writer: nil, Dir: operand}, func() {}, nil
	}

	var f, err = os.Create(operand) //nolint:gosec
	if err != nil {
		return Sink{}, nil, err //nolint:exhaustruct
	}

	return Sink{Writer: f, Dir: ""}, func() { f.Close() }, nil //nolint:errcheck,gosec
}

func xferResult(logger *log.Logger, command string, operand string, res *Result, err error) int {
	if err != nil {
		if errors.Is(err, ErrPrecondition) || errors.Is(err, ErrInvalidRate) {
			logger.Error("can't start transfer", "err", err)
			return ExitUsage
		}

		logger.Error("transfer stopped", "err", err)

		return ExitFailed
	}

	fmt.Printf("%s %s: %s, %d bytes, %d packets, %d errors\n", command, IfThenElse(res.Path != "", res.Path, operand),
		res.Outcome, res.Bytes, res.Packets, res.Errors)

	switch res.Outcome {
	case Success:
		return ExitSuccess
	case Cancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}
