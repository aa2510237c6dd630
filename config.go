package tapeproxy

import (
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/akupila/tapeproxy/proxy"
	"github.com/akupila/tapeproxy/tape"
	"gopkg.in/yaml.v2"
)

// DefaultTapeRoot is the directory tapes are stored in unless configured.
const DefaultTapeRoot = "testdata/tapes"

// Configuration holds the recorder and proxy settings.
type Configuration struct {
	// TapeRoot is the directory tape files are read from and written to.
	TapeRoot string `yaml:"tape_root"`

	// DefaultMode is used for tapes started with tape.Default.
	DefaultMode tape.Mode `yaml:"default_mode"`

	// Sequential replays each recorded entry at most once, so repeated
	// identical requests get the responses in the order they were recorded.
	Sequential bool `yaml:"sequential"`

	Proxy proxy.Config `yaml:"proxy"`
}

// DefaultConfiguration returns the configuration used when nothing is set.
func DefaultConfiguration() Configuration {
	return Configuration{
		TapeRoot:    DefaultTapeRoot,
		DefaultMode: tape.ReadWrite,
		Proxy:       proxy.DefaultConfig(),
	}
}

// LoadConfiguration reads a YAML configuration file. Settings missing from
// the file keep their defaults; unknown settings are an error.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read configuration: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse configuration %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot work.
func (c Configuration) Validate() error {
	if c.TapeRoot == "" {
		return errors.New("tapeproxy: tape root not set")
	}
	return c.Proxy.Validate()
}
