// Package config gathers the settings for the peerdrop binary. Values come
// from defaults, then PEERDROP_* environment variables, then command-line
// flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const envPrefix = "PEERDROP_"

type Config struct {
	RendezvousURL string
	STUNServers   []string
	LogLevel      string

	ChunkSize       uint64
	MaxFileSize     uint64
	MaxTransferSize uint64
	ConnectTimeout  time.Duration
	OfferTimeout    time.Duration
	RetryDelay      time.Duration
	HighWaterMark   uint64
	LowWaterMark    uint64

	OutputDir  string
	HistoryDB  string
	AutoAccept bool
}

func Default() Config {
	return Config{
		RendezvousURL:   "ws://localhost:8080/ws",
		STUNServers:     append([]string(nil), webrtc.DefaultSTUNServers...),
		LogLevel:        "info",
		ChunkSize:       protocol.DefaultChunkSize,
		MaxFileSize:     transfer.DefaultMaxFileSize,
		MaxTransferSize: transfer.DefaultMaxTransferSize,
		ConnectTimeout:  session.DefaultConnectTimeout,
		OfferTimeout:    transfer.DefaultOfferTimeout,
		RetryDelay:      transfer.DefaultRetryDelay,
		HighWaterMark:   webrtc.DefaultHighWaterMark,
		LowWaterMark:    webrtc.DefaultLowWaterMark,
		OutputDir:       ".",
		HistoryDB:       "peerdrop.sqlite3",
	}
}

// Load returns the defaults overridden by the environment.
func Load() (Config, error) {
	cfg := Default()
	return cfg, cfg.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	size := func(key string, dst *uint64) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := humanize.ParseBytes(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("RENDEZVOUS_URL", &c.RendezvousURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("OUTPUT_DIR", &c.OutputDir)
	str("HISTORY_DB", &c.HistoryDB)
	if v, ok := lookup(envPrefix + "STUN_SERVERS"); ok {
		c.STUNServers = splitList(v)
	}
	if v, ok := lookup(envPrefix + "AUTO_ACCEPT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sAUTO_ACCEPT: %w", envPrefix, err))
		} else {
			c.AutoAccept = b
		}
	}

	size("CHUNK_SIZE", &c.ChunkSize)
	size("MAX_FILE_SIZE", &c.MaxFileSize)
	size("MAX_TRANSFER_SIZE", &c.MaxTransferSize)
	size("HIGH_WATER_MARK", &c.HighWaterMark)
	size("LOW_WATER_MARK", &c.LowWaterMark)
	dur("CONNECT_TIMEOUT", &c.ConnectTimeout)
	dur("OFFER_TIMEOUT", &c.OfferTimeout)
	dur("RETRY_DELAY", &c.RetryDelay)

	return errors.Join(errs...)
}

// BindFlags registers flags on fs whose defaults are the current values.
// Parsing fs afterwards overrides them.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.RendezvousURL, "rendezvous", c.RendezvousURL, "signaling server websocket URL")
	fs.StringSliceVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.Var((*byteSize)(&c.ChunkSize), "chunk-size", "chunk payload size, e.g. 16KiB")
	fs.Var((*byteSize)(&c.MaxFileSize), "max-file-size", "largest file accepted or sent, e.g. 100MiB")
	fs.Var((*byteSize)(&c.MaxTransferSize), "max-transfer-size", "largest total size of one offer, e.g. 1GiB")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "how long to wait for a connection to open")
	fs.DurationVar(&c.OfferTimeout, "offer-timeout", c.OfferTimeout, "auto-reject offers left unanswered this long (0 waits forever)")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "wait between sends while the channel is backpressured")
	fs.Var((*byteSize)(&c.HighWaterMark), "high-water-mark", "buffered bytes above which sends back off")
	fs.Var((*byteSize)(&c.LowWaterMark), "low-water-mark", "buffered bytes below which sends resume")
	fs.StringVarP(&c.OutputDir, "out", "o", c.OutputDir, "directory for received files")
	fs.StringVar(&c.HistoryDB, "history-db", c.HistoryDB, "transfer history database path (empty disables)")
	fs.BoolVarP(&c.AutoAccept, "auto-accept", "y", c.AutoAccept, "accept every incoming offer without asking")
}

func (c Config) Validate() error {
	var errs []error
	if c.RendezvousURL == "" {
		errs = append(errs, errors.New("rendezvous URL is required"))
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.ChunkSize == 0 || c.ChunkSize > protocol.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size must be between 1 and %s", humanize.IBytes(protocol.MaxChunkSize)))
	}
	if c.MaxFileSize == 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}
	if c.MaxTransferSize < c.MaxFileSize {
		errs = append(errs, errors.New("max transfer size must not be below max file size"))
	}
	if c.LowWaterMark >= c.HighWaterMark {
		errs = append(errs, errors.New("low water mark must be below high water mark"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if c.OfferTimeout < 0 || c.RetryDelay < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) Logger() *logrus.Logger {
	return logger.New(os.Stderr, c.LogLevel)
}

func (c Config) Transfer(log *logrus.Entry) transfer.Config {
	return transfer.Config{
		ChunkSize:       int(c.ChunkSize),
		MaxFileSize:     c.MaxFileSize,
		MaxTransferSize: c.MaxTransferSize,
		MaxOfferFiles:   transfer.DefaultMaxOfferFiles,
		OfferTimeout:    c.OfferTimeout,
		RetryDelay:      c.RetryDelay,
		Logger:          log,
	}
}

func (c Config) Session(log *logrus.Logger) session.Config {
	entry := logrus.NewEntry(log)
	return session.Config{
		ConnectTimeout: c.ConnectTimeout,
		Transfer:       c.Transfer(entry),
		Logger:         entry,
	}
}

func (c Config) Rendezvous(log *logrus.Logger) rendezvous.Config {
	return rendezvous.Config{
		URL: c.RendezvousURL,
		WebRTC: webrtc.Config{
			STUNServers:   c.STUNServers,
			HighWaterMark: c.HighWaterMark,
			LowWaterMark:  c.LowWaterMark,
		},
		Logger: log,
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// byteSize is a pflag.Value accepting human sizes like "64KiB".
type byteSize uint64

func (b *byteSize) String() string {
	return humanize.IBytes(uint64(*b))
}

func (b *byteSize) Set(v string) error {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) Type() string {
	return "size"
}

var _ pflag.Value = (*byteSize)(nil)
