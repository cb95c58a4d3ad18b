package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"

	"github.com/lampllab/optotarget/daq"
	"github.com/lampllab/optotarget/matrix"
	"github.com/lampllab/optotarget/util"
)

// EnvPrefix marks environment variables that override the config file,
// e.g. OPTOTARGET_DEVICE_ADDR=10.0.0.5:5025
const EnvPrefix = "OPTOTARGET_"

type archiveConfig struct {
	// Root is the folder matrices are archived under; empty disables archiving
	Root string `koanf:"Root" yaml:"Root"`

	// Prefix is the filename prefix
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

type trialDBConfig struct {
	// DSN is a go-sql-driver/mysql DSN; empty disables trial recording
	DSN string `koanf:"DSN" yaml:"DSN"`
}

// Config is the optotarget configuration
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// WorkDir holds the status files and the worker's plan
	WorkDir string `koanf:"WorkDir" yaml:"WorkDir"`

	// Isolation is "process" or "goroutine".  Mock devices always use
	// goroutine isolation since a worker process cannot share them.
	Isolation string `koanf:"Isolation" yaml:"Isolation"`

	Device   daq.Config   `koanf:"Device" yaml:"Device"`
	Channels daq.Channels `koanf:"Channels" yaml:"Channels"`

	// Trigger is the digital edge trials wait on
	Trigger string `koanf:"Trigger" yaml:"Trigger"`

	// StimProbability is the chance of a stimulation trial, percent
	StimProbability float64 `koanf:"StimProbability" yaml:"StimProbability"`

	// Seed seeds trial selection; 0 seeds from the clock
	Seed int64 `koanf:"Seed" yaml:"Seed"`

	// Targets is a CSV file loaded into the table at startup
	Targets string `koanf:"Targets" yaml:"Targets"`

	Timing matrix.Timing `koanf:"Timing" yaml:"Timing"`

	// StatusPollInterval is how often watch reads status.txt, s
	StatusPollInterval float64 `koanf:"StatusPollInterval" yaml:"StatusPollInterval"`

	// ZeroDelay is the wait between stopping a protocol and zeroing, s
	ZeroDelay float64 `koanf:"ZeroDelay" yaml:"ZeroDelay"`

	// MaxBlockSize bounds the memory of one group's block, e.g. "64MB"
	MaxBlockSize string `koanf:"MaxBlockSize" yaml:"MaxBlockSize"`

	// MinWriteInterval paces manual writes to the device, s; 0 is unpaced
	MinWriteInterval float64 `koanf:"MinWriteInterval" yaml:"MinWriteInterval"`

	Archive archiveConfig `koanf:"Archive" yaml:"Archive"`
	TrialDB trialDBConfig `koanf:"TrialDB" yaml:"TrialDB"`
}

func defaultConfig() Config {
	return Config{
		Addr:               ":8000",
		WorkDir:            ".",
		Isolation:          "process",
		Device:             daq.Config{Type: "mock"},
		Channels:           daq.DefaultChannels(),
		Trigger:            "/Dev1/PFI0",
		StimProbability:    50,
		Timing:             matrix.DefaultTiming(),
		StatusPollInterval: 0.1,
		ZeroDelay:          0.2,
		MaxBlockSize:       "64MB",
		Archive:            archiveConfig{Prefix: "protocol"},
	}
}

// loadConfig layers the defaults, the YAML file at path, and the environment.
// A missing file is not an error.
func loadConfig(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return k, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return k, fmt.Errorf("error loading config: %w", err)
		}
	}
	// env keys are matched case-insensitively against the known keys
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.Replace(s, "_", ".", -1)
		if key, ok := known[s]; ok {
			return key
		}
		return s
	}), nil)
	return k, err
}

// unmarshal decodes k into a Config.  String values are decoded with
// UnmarshalText where the field supports it, e.g. Timing.Kind.
func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			Result:           &c,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	return c, err
}

// BlockSize parses MaxBlockSize; empty means unlimited
func (c Config) BlockSize() (datasize.ByteSize, error) {
	if c.MaxBlockSize == "" {
		return 0, nil
	}
	var sz datasize.ByteSize
	if err := sz.UnmarshalText([]byte(c.MaxBlockSize)); err != nil {
		return 0, fmt.Errorf("MaxBlockSize %q: %w", c.MaxBlockSize, err)
	}
	return sz, nil
}

// BuildOptions are the matrix options the config asks for
func (c Config) BuildOptions() ([]matrix.Option, error) {
	sz, err := c.BlockSize()
	if err != nil || sz == 0 {
		return nil, err
	}
	return []matrix.Option{matrix.WithMaxBlockSize(sz)}, nil
}

// Limiter paces manual writes, or is nil when MinWriteInterval is 0
func (c Config) Limiter() *rate.Limiter {
	if c.MinWriteInterval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(util.SecsToDuration(c.MinWriteInterval)), 1)
}

func (c Config) pollInterval() time.Duration {
	return util.SecsToDuration(c.StatusPollInterval)
}

func (c Config) zeroDelay() time.Duration {
	return util.SecsToDuration(c.ZeroDelay)
}

// inProcess reports whether the runtime runs on a goroutine
func (c Config) inProcess() bool {
	return strings.EqualFold(c.Isolation, "goroutine") || c.Device.Type == "" || c.Device.Type == "mock"
}
