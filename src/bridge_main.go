package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Share a modem with other programs over TCP.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func BridgeMain() {
	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	var code = RunBridge(ctx)

	stop()
	os.Exit(code)
}

// RunBridge serves until ctx is done and returns the exit status.
func RunBridge(ctx context.Context) int {
	var fs = pflag.CommandLine

	var station = addStationFlags(fs)
	var listen = fs.StringP("listen", "b", "", "Address to accept clients on, e.g. :4001.")
	var announce = fs.BoolP("announce", "a", false, "Announce the service with DNS-SD.")
	var serviceName = fs.String("service-name", "", "DNS-SD service name.  Implies --announce.")
	var help = fs.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Share an acoustic modem over TCP.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Every sentence from the modem is sent to every client.\n")
		fmt.Fprintf(os.Stderr, "Sentences from clients are sent to the modem.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fs.PrintDefaults()
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

	if fs.NArg() != 0 {
		pflag.Usage()
		return ExitUsage
	}

	var cfg, err = station.load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return ExitUsage
	}

	if fs.Changed("listen") {
		cfg.Bridge.Listen = *listen
	}
	if fs.Changed("service-name") {
		cfg.Bridge.DNSSDName = *serviceName
	} else if *announce && cfg.Bridge.DNSSDName == "" {
		cfg.Bridge.DNSSDName = DefaultServiceName(cfg.Name)
	}

	var logger = newProgramLogger(cfg.Log.Level, "bridge")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var st, startErr = StartStation(ctx, cfg, logger)
	if startErr != nil {
		logger.Error("can't start", "err", startErr)
		return ExitFailed
	}

	var bridge = NewBridge(st.Modem, logger)

	var serveErr = make(chan error, 1)
	go func() {
		serveErr <- bridge.ListenAndServe(ctx, cfg.Bridge.Listen, cfg.Bridge.DNSSDName)
	}()

	var code = ExitSuccess

	select {
	case err := <-serveErr:
		if !errors.Is(err, context.Canceled) {
			logger.Error("bridge stopped", "err", err)
			code = ExitFailed
		}
	case <-st.Modem.Done():
		if ctx.Err() == nil {
			logger.Error("lost the modem")
			code = ExitFailed
		}
	}

	cancel()

	if err := st.Wait(); err != nil {
		logger.Error("modem stopped", "err", err)
		code = ExitFailed
	}

	return code
}
