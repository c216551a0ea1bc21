// Package config holds the observer.* tunables, read once at engine
// construction and re-read only on an explicit Reload. Defaults live in
// viper. RegisterFlags adds hidden pflags named after most of the knobs, but
// they are not bound to the viper keys, so Load does not read them.
package config

import (
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/observeflow/netobserve-core/internal/printer"
)

// Recognized configuration keys.
const (
	KeyConnectionTimeoutSeconds       = "observer.connection_timeout_s"
	KeyConnectionClosedTimeoutSeconds = "observer.connection_closed_timeout_s"
	KeyProtocolCacheLimitBytes        = "observer.protocol_cache_limit_bytes"
	KeyMaxConnections                 = "observer.max_connections"
	KeyGCIntervalMillis               = "observer.gc_interval_ms"
	KeyProtocolEnable                 = "observer.protocol_enable"
	KeyDetailSampleRate               = "observer.detail_sample_rate"
	KeyProtocolStatEnabled            = "observer.protocol_stat_enabled"
)

func init() {
	viper.SetDefault(KeyConnectionTimeoutSeconds, 30)
	viper.SetDefault(KeyConnectionClosedTimeoutSeconds, 5)
	viper.SetDefault(KeyProtocolCacheLimitBytes, 4*1024*1024)
	viper.SetDefault(KeyMaxConnections, 100_000)
	viper.SetDefault(KeyGCIntervalMillis, 1000)
	viper.SetDefault(KeyProtocolEnable, []string{"http", "dns", "mysql", "redis", "pgsql", "dubbo", "kafka"})
	viper.SetDefault(KeyDetailSampleRate, 1.0)
	viper.SetDefault(KeyProtocolStatEnabled, true)
}

// Snapshot is the immutable view of configuration an engine was built with,
// or has since Reload'd to. Reads of a *Snapshot never need a lock — the
// engine swaps the pointer behind an atomic.Pointer instead (see Revision).
type Snapshot struct {
	ConnectionTimeout       time.Duration
	ConnectionClosedTimeout time.Duration
	ProtocolCacheLimitBytes int64
	MaxConnections          int
	GCInterval              time.Duration
	ProtocolEnable          map[string]bool
	DetailSampleRate        float64
	PerProtocolSampleRate   map[string]float64
	ProtocolStatEnabled     bool
}

// Load builds an immutable Snapshot from a viper instance, or the global
// viper.GetViper() if v is nil.
func Load(v *viper.Viper) Snapshot {
	if v == nil {
		v = viper.GetViper()
	}

	enabledList := v.GetStringSlice(KeyProtocolEnable)
	enabled := make(map[string]bool, len(enabledList))
	for _, p := range enabledList {
		enabled[p] = true
	}

	perProto := map[string]float64{}
	if sub := v.GetStringMap(KeyDetailSampleRate + "_overrides"); sub != nil {
		for k, val := range sub {
			if f, ok := val.(float64); ok {
				perProto[k] = f
			}
		}
	}

	return Snapshot{
		ConnectionTimeout:       time.Duration(v.GetInt(KeyConnectionTimeoutSeconds)) * time.Second,
		ConnectionClosedTimeout: time.Duration(v.GetInt(KeyConnectionClosedTimeoutSeconds)) * time.Second,
		ProtocolCacheLimitBytes: v.GetInt64(KeyProtocolCacheLimitBytes),
		MaxConnections:          v.GetInt(KeyMaxConnections),
		GCInterval:              time.Duration(v.GetInt(KeyGCIntervalMillis)) * time.Millisecond,
		ProtocolEnable:          enabled,
		DetailSampleRate:        v.GetFloat64(KeyDetailSampleRate),
		PerProtocolSampleRate:   perProto,
		ProtocolStatEnabled:     v.GetBool(KeyProtocolStatEnabled),
	}
}

// SampleRateFor returns the per-protocol override if one is configured,
// else the global DetailSampleRate.
func (s Snapshot) SampleRateFor(protocol string) float64 {
	if r, ok := s.PerProtocolSampleRate[protocol]; ok {
		return r
	}
	return s.DetailSampleRate
}

// RegisterFlags exposes the tuning knobs as hidden pflags so they don't
// clutter a hosting CLI's --help output. There is no flag for
// observer.protocol_enable, and the flags are not bound to the viper keys:
// a value set through one of them does not reach Load.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Duration("observer-connection-timeout", 30*time.Second, "idle flow eviction timeout")
	fs.Duration("observer-connection-closed-timeout", 5*time.Second, "post-close grace period")
	fs.Int64("observer-protocol-cache-limit-bytes", 4*1024*1024, "per-parser reassembly cache cap")
	fs.Int("observer-max-connections", 100_000, "connection table capacity")
	fs.Int("observer-gc-interval-ms", 1000, "garbage collection sweep interval")
	fs.Float64("observer-detail-sample-rate", 1.0, "fraction of exchanges exported as detail records")
	fs.Bool("observer-protocol-stat-enabled", true, "enable the debug counter set")

	for _, name := range []string{
		"observer-connection-timeout",
		"observer-connection-closed-timeout",
		"observer-protocol-cache-limit-bytes",
		"observer-max-connections",
		"observer-gc-interval-ms",
		"observer-detail-sample-rate",
		"observer-protocol-stat-enabled",
	} {
		_ = fs.MarkHidden(name)
	}
}

// Dir returns (creating if necessary) the on-disk directory used for
// config overrides.
func Dir() string {
	home, err := homedir.Dir()
	if err != nil {
		printer.Stderr.Warningf("config: failed to find $HOME, defaulting to '.': %v\n", err)
		home = "."
	}
	dir := filepath.Join(home, ".netobserve")

	if stat, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.Mkdir(dir, 0700); err != nil {
			printer.Stderr.Warningf("config: failed to create config directory %s: %v\n", dir, err)
		}
	} else if err == nil && !stat.IsDir() {
		printer.Stderr.Errorf("config: %s exists and is not a directory, please remove\n", dir)
	}

	return dir
}
