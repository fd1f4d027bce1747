package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Pieces shared by the command line programs.
 *
 * Description:	Every program talks to one modem described by a
 *		configuration file, with the usual options on the command
 *		line taking precedence.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// Exit status of the command line programs.
const (
	ExitSuccess   = 0
	ExitFailed    = 1
	ExitCancelled = 2
	ExitUsage     = 3
)

type stationFlags struct {
	config   *string
	port     *string
	speed    *int
	id       *int
	name     *string
	logLevel *string
	nmeaLog  *string
	version  *bool
}

func addStationFlags(fs *pflag.FlagSet) *stationFlags {
	return &stationFlags{
		config:   fs.StringP("config", "c", "", "Configuration file.  Default is to look for acomms.yaml."),
		port:     fs.StringP("port", "p", "", "Modem serial port, e.g. /dev/ttyUSB0, or host:port for a network connection."),
		speed:    fs.IntP("speed", "s", 0, "Serial port speed."),
		id:       fs.IntP("id", "i", 0, "Our station id."),
		name:     fs.String("name", "", "Modem name for log messages."),
		logLevel: fs.StringP("log-level", "l", "", "debug, info, warn or error."),
		nmeaLog:  fs.StringP("nmea-log", "n", "", "Directory for the raw sentence log."),
		version:  fs.Bool("version", false, "Print version and exit."),
	}
}

// load reads the configuration file and applies the options given.
func (f *stationFlags) load(fs *pflag.FlagSet) (*Config, error) {
	var cfg, err = LoadConfig(*f.config)
	if err != nil {
		return nil, err
	}

	if fs.Changed("port") {
		cfg.Transport.Port = *f.port
	}
	if fs.Changed("speed") {
		cfg.Transport.Baud = *f.speed
	}
	if fs.Changed("id") {
		cfg.ID = *f.id
	}
	if fs.Changed("name") {
		cfg.Name = *f.name
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *f.logLevel
	}
	if fs.Changed("nmea-log") {
		cfg.Log.NMEADir = *f.nmeaLog
	}

	return cfg, nil
}

// Station is a modem being driven according to a configuration.
type Station struct {
	Config *Config
	Modem  *Modem
	Logger *log.Logger

	nmeaLog *NMEALog
	runErr  chan error
}

/*------------------------------------------------------------------
 *
 * Function:	StartStation
 *
 * Purpose:	Connect to the modem and start driving it.
 *
 * Description:	The modem runs until ctx is done.  Wait then
 *		returns why it stopped.
 *
 *------------------------------------------------------------------*/

func StartStation(ctx context.Context, cfg *Config, logger *log.Logger) (*Station, error) {
	logger.Info("starting", "build", currentBuild().String(), "modem", cfg.Name, "id", cfg.ID, "port", cfg.Transport.Port)

	var nmeaLog *NMEALog
	if cfg.Log.NMEADir != "" {
		var err error
		nmeaLog, err = NewNMEALog(cfg.Log.NMEADir, cfg.Log.NMEAPattern, logger)
		if err != nil {
			return nil, err
		}
	}

	var t, err = cfg.OpenTransport(ctx)
	if err != nil {
		nmeaLog.Close() //nolint:errcheck,gosec
		return nil, err
	}

	var s = &Station{
		Config:  cfg,
		Modem:   NewModem(t, cfg.ModemOptions(logger, nmeaLog)),
		Logger:  logger,
		nmeaLog: nmeaLog,
		runErr:  make(chan error, 1),
	}

	go func() {
		s.runErr <- s.Modem.Run(ctx)
	}()

	return s, nil
}

// Wait for the modem to stop.  Stopping because ctx ended is not an error.
func (s *Station) Wait() error {
	var err = <-s.runErr
	s.runErr <- err

	if closeErr := s.nmeaLog.Close(); closeErr != nil {
		s.Logger.Warn("closing nmea log", "err", closeErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// checkStationID asks the modem for its SRC setting and logs a mismatch.
func (s *Station) checkStationID(ctx context.Context) {
	var v, err = s.Modem.QueryConfig(ctx, "SRC", DefaultStateTimeout)
	if err != nil {
		s.Logger.Warn("modem didn't report its id", "err", err)
		return
	}

	if v != fmt.Sprint(s.Config.ID) {
		s.Logger.Warn("modem id differs from configuration, using the modem's", "configured", s.Config.ID, "modem", v)
	}
}

func newProgramLogger(level string, program string) *log.Logger {
	var logger, err = NewLogger(os.Stderr, level, program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", program, err)
		logger, _ = NewLogger(os.Stderr, "", program)
	}

	return logger
}
