package daq

import "fmt"

// Config selects and addresses a Device
type Config struct {
	// Type is "mock" or "remote"
	Type string `koanf:"Type" yaml:"Type"`

	// Addr is host:port of the bridge, or a serial port path if Serial
	Addr string `koanf:"Addr" yaml:"Addr"`

	Serial bool `koanf:"Serial" yaml:"Serial"`
	Baud   int  `koanf:"Baud" yaml:"Baud"`
}

// Open returns the Device described by cfg.  Remote devices connect on first
// use, so a missing bridge surfaces on the first Reset.
func Open(cfg Config) (Device, error) {
	switch cfg.Type {
	case "", "mock":
		return NewMock(), nil
	case "remote":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("remote device requires an address")
		}
		return NewRemote(cfg.Addr, cfg.Serial, cfg.Baud), nil
	}
	return nil, fmt.Errorf("unknown device type %q, expected mock or remote", cfg.Type)
}
