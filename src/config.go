package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Read the station configuration file.
 *
 * Description:	The file is YAML.  Anything left out keeps its value
 *		from DefaultConfig.  Durations are written the Go way,
 *		e.g. "15s" or "500ms".
 *
 *		    name: buoy
 *		    id: 1
 *		    transport:
 *		      port: /dev/ttyUSB0
 *		      baud: 19200
 *		    transfer:
 *		      dest: 2
 *		      rate: 1
 *
 *		Command line options override the file.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type TransportConfig struct {
	// Serial device name, or host:port for a modem behind a
	// serial to network bridge.
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`

	// Raw sentence log.  Off when NMEADir is empty.
	NMEADir     string `yaml:"nmea_dir"`
	NMEAPattern string `yaml:"nmea_pattern"`
}

type CycleConfig struct {
	StateTimeout time.Duration `yaml:"state_timeout"`
	TxQueue      int           `yaml:"tx_queue"`
}

type TransferConfig struct {
	Mode       string        `yaml:"mode"`
	Dest       int           `yaml:"dest"`
	Rate       int           `yaml:"rate"`
	Retry      int           `yaml:"retry"`
	Timeout    time.Duration `yaml:"timeout"`
	Delay      time.Duration `yaml:"delay"`
	Pad        int           `yaml:"pad"`
	DisableCRC bool          `yaml:"disable_crc"`
}

type BridgeConfig struct {
	Listen string `yaml:"listen"`

	// DNS-SD service name.  No announcement when empty.
	DNSSDName string `yaml:"dns_sd_name"`
}

type SpoolConfig struct {
	Dir    string        `yaml:"dir"`
	Settle time.Duration `yaml:"settle"`
}

type Config struct {
	Name      string          `yaml:"name"`
	ID        int             `yaml:"id"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Spool     SpoolConfig     `yaml:"spool"`
}

func DefaultConfig() *Config {
	return &Config{
		Name: "modem",
		ID:   1,
		Transport: TransportConfig{
			Port:        "/dev/ttyUSB0",
			Baud:        19200,
			ReadTimeout: DefaultReadTimeout,
		},
		Log: LogConfig{
			Level:       "info",
			NMEADir:     "",
			NMEAPattern: DefaultNMEALogPattern,
		},
		Cycle: CycleConfig{
			StateTimeout: DefaultStateTimeout,
			TxQueue:      DefaultTxQueueSize,
		},
		Transfer: TransferConfig{
			Mode:       ModeBulkHeader.String(),
			Dest:       2,
			Rate:       1,
			Retry:      DefaultRetry,
			Timeout:    DefaultTransferTimeout,
			Delay:      DefaultTransferDelay,
			Pad:        DefaultPad,
			DisableCRC: false,
		},
		Bridge: BridgeConfig{
			Listen:    ":4001",
			DNSSDName: "",
		},
		Spool: SpoolConfig{
			Dir:    "",
			Settle: DefaultSpoolSettle,
		},
	}
}

// Tried in order when no file is named.
var configSearchLocations = []string{
	"acomms.yaml",
	"~/.config/acomms/acomms.yaml",
	"/etc/acomms/acomms.yaml",
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	var home, err = os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}

/*------------------------------------------------------------------
 *
 * Function:	LoadConfig
 *
 * Purpose:	Read the configuration file.
 *
 * Inputs:	path	- File to read.  When empty, the search locations
 *			  are tried and if none exists the defaults are
 *			  used.
 *
 * Returns:	The validated configuration.  A named file that can't
 *		be read is an error.
 *
 *------------------------------------------------------------------*/

func LoadConfig(path string) (*Config, error) {
	var cfg = DefaultConfig()

	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(expandHome(path)) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	} else {
		for _, location := range configSearchLocations {
			var b, err = os.ReadFile(expandHome(location)) //nolint:gosec
			if err == nil {
				data, path = b, location
				break
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config %s: %w", location, err)
			}
		}
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.ID < 0 || c.ID > 127 {
		problems = append(problems, fmt.Sprintf("id %d out of range 0-127", c.ID))
	}
	if c.Transport.Port == "" {
		problems = append(problems, "no transport port")
	}
	if c.Transport.ReadTimeout < 0 {
		problems = append(problems, "negative read timeout")
	}
	if c.Log.Level != "" {
		if _, err := log.ParseLevel(c.Log.Level); err != nil {
			problems = append(problems, fmt.Sprintf("log level %q", c.Log.Level))
		}
	}
	if c.Cycle.StateTimeout < 0 {
		problems = append(problems, "negative state timeout")
	}
	if _, err := ParseTransferMode(c.Transfer.Mode); err != nil {
		problems = append(problems, fmt.Sprintf("transfer mode %q", c.Transfer.Mode))
	}
	if _, err := LookupRate(c.Transfer.Rate); err != nil {
		problems = append(problems, fmt.Sprintf("transfer rate %d", c.Transfer.Rate))
	}
	if c.Transfer.Dest == c.ID {
		problems = append(problems, fmt.Sprintf("transfer dest %d is our own id", c.Transfer.Dest))
	}
	if c.Transfer.Retry < 1 {
		problems = append(problems, fmt.Sprintf("transfer retry %d", c.Transfer.Retry))
	}
	if c.Transfer.Delay < 0 || c.Transfer.Timeout <= c.Transfer.Delay {
		problems = append(problems, "transfer timeout must be longer than delay")
	}
	if c.Transfer.Pad < 0 || c.Transfer.Pad > 255 {
		problems = append(problems, fmt.Sprintf("transfer pad %d is not a byte", c.Transfer.Pad))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPrecondition, strings.Join(problems, "; "))
	}

	return nil
}

// isNetworkPort tells a host:port apart from a serial device name.
func isNetworkPort(port string) bool {
	if strings.HasPrefix(port, "/") {
		return false
	}

	var _, p, err = net.SplitHostPort(port)

	return err == nil && p != ""
}

// OpenTransport connects to the modem named by the transport section.
func (c *Config) OpenTransport(ctx context.Context) (Transport, error) { //nolint:ireturn
	var t = c.Transport

	if isNetworkPort(t.Port) {
		var tcp, err = DialTCP(ctx, t.Port, t.ReadTimeout)
		if err != nil {
			return nil, err
		}

		return tcp, nil
	}

	var serial, err = OpenSerialTransport(t.Port, t.Baud, t.ReadTimeout)
	if err != nil {
		return nil, err
	}

	return serial, nil
}

func (c *Config) ModemOptions(logger *log.Logger, nmeaLog *NMEALog) ModemOptions {
	return ModemOptions{
		Name:         c.Name,
		ID:           c.ID,
		StateTimeout: c.Cycle.StateTimeout,
		TxQueueSize:  c.Cycle.TxQueue,
		Logger:       logger,
		NMEALog:      nmeaLog,
	}
}

// NewTransfer applies the transfer section to a transfer over link.
func (c *Config) NewTransfer(link Link, logger *log.Logger) (*Transfer, error) {
	var mode, err = ParseTransferMode(c.Transfer.Mode)
	if err != nil {
		return nil, err
	}

	var t = NewTransfer(link, mode)
	t.Retry = c.Transfer.Retry
	t.Timeout = c.Transfer.Timeout
	t.Delay = c.Transfer.Delay
	t.Pad = byte(c.Transfer.Pad) //nolint:gosec
	t.DisableCRC = c.Transfer.DisableCRC
	t.Logger = logger

	return t, nil
}
