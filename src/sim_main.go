package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Run simulated modems on pseudo terminals.
 *
 * Description:	Each simulated modem gets a pseudo terminal.  Its name
 *		is printed and can be given to any of the other programs
 *		as the serial port, so they can be tried out without
 *		hardware.  All the simulated modems hear each other.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/pflag"
)

func SimMain() {
	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	var code = RunSim(ctx)

	stop()
	os.Exit(code)
}

// RunSim runs until ctx is done and returns the exit status.
func RunSim(ctx context.Context) int {
	var fs = pflag.CommandLine

	var ids = fs.IntSliceP("ids", "i", []int{1, 2}, "Station ids of the simulated modems.")
	var owtt = fs.Float64("owtt", 1.5, "One way travel time reported by pings, in seconds.")
	var loss = fs.Float64("loss", 0, "Probability that a frame arrives with a bad CRC.")
	var logLevel = fs.StringP("log-level", "l", "info", "debug, info, warn or error.")
	var help = fs.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Simulated acoustic modems on pseudo terminals.\n", os.Args[0])
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

	if len(*ids) == 0 || *loss < 0 || *loss > 1 {
		pflag.Usage()
		return ExitUsage
	}

	var logger = newProgramLogger(*logLevel, "sim")

	var ch = NewSimChannel(logger)
	ch.OWTT = *owtt
	if *loss > 0 {
		var p = *loss
		ch.Corrupt = func(_, _, _ int) bool { return rand.Float64() < p } //nolint:gosec
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, id := range *ids {
		id := id

		var ptmx, tty, err = pty.Open()
		if err != nil {
			logger.Error("can't open pseudo terminal", "err", err)
			return ExitFailed
		}

		var sim = ch.NewModem(id)

		fmt.Printf("modem %d: %s\n", id, tty.Name())

		wg.Add(1)
		go func() {
			defer wg.Done()
			// Keep the terminal side open so reads on ptmx don't fail
			// while nothing has it open.
			defer tty.Close() //nolint:errcheck
			defer sim.Close() //nolint:errcheck

			if err := sim.Attach(ctx, ptmx); err != nil && ctx.Err() == nil {
				logger.Error("simulated modem stopped", "id", id, "err", err)
			}
		}()
	}

	<-ctx.Done()

	return ExitSuccess
}
