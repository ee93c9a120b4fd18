// Package config holds the server settings. Every flag can also be set from
// the environment with the STORYQUEST_ prefix.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "STORYQUEST"

type Config struct {
	Port          int
	Bind          string
	StorePath     string
	StoriesPath   string
	TurnIdle      time.Duration
	Highlight     time.Duration
	RevealDelay   time.Duration
	ExportEnabled bool
	ExportFile    string
	PublicURL     string
	Verbose       bool
}

// RegisterFlags declares the flags backing c on fs.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: STORYQUEST_PORT)")
	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: STORYQUEST_BIND)")
	fs.StringVar(&c.StorePath, "store", "", "sqlite database file; empty keeps rooms in memory (env: STORYQUEST_STORE)")
	fs.StringVar(&c.StoriesPath, "stories", "", "YAML story catalog; empty uses the built-in stories (env: STORYQUEST_STORIES)")
	fs.DurationVar(&c.TurnIdle, "turn-idle", 30*time.Second, "idle time before a turn reminder is spoken (env: STORYQUEST_TURN_IDLE)")
	fs.DurationVar(&c.Highlight, "highlight", 5*time.Second, "how long a reminded avatar stays highlighted (env: STORYQUEST_HIGHLIGHT)")
	fs.DurationVar(&c.RevealDelay, "reveal-delay", 3*time.Second, "delay before the completion screen after the final readback (env: STORYQUEST_REVEAL_DELAY)")
	fs.BoolVar(&c.ExportEnabled, "export", true, "append finished stories to the export file (env: STORYQUEST_EXPORT)")
	fs.StringVar(&c.ExportFile, "export-file", "./storyquest-stories.txt", "path finished stories are appended to (env: STORYQUEST_EXPORT_FILE)")
	fs.StringVar(&c.PublicURL, "public-url", "", "base URL tablets use to reach the server, for join QR codes (env: STORYQUEST_PUBLIC_URL)")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "log debug output (env: STORYQUEST_VERBOSE)")
}

// BindEnv fills every flag not given on the command line from its
// STORYQUEST_ environment variable.
func BindEnv(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
			}
		}
	})
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.TurnIdle <= 0 || c.Highlight <= 0 || c.RevealDelay <= 0 {
		return errors.New("--turn-idle, --highlight and --reveal-delay must be positive")
	}
	if c.ExportEnabled && c.ExportFile == "" {
		return errors.New("--export-file is required when export is enabled")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid --public-url: %q", c.PublicURL)
		}
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// JoinURL is the address a tablet opens to join room.
func (c *Config) JoinURL(room string) string {
	base := strings.TrimSuffix(c.PublicURL, "/")
	if base == "" {
		host := c.Bind
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		base = "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	return base + "/play/" + url.PathEscape(room)
}
