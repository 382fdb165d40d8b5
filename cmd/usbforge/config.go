package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const defaultConfigFile = "/etc/usbforge/usbforge.toml"

type config struct {
	// LogLevel is one of logrus's level names.
	LogLevel string `toml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`
	// PayloadFS is the default payload filesystem when the flag is not
	// given.
	PayloadFS string `toml:"payload_fs"`
	// Proxy is the default HTTP proxy for bootstrap tools.
	Proxy string `toml:"proxy"`
}

func defaultConfig() *config {
	return &config{
		LogLevel:  "info",
		LogFormat: "text",
		PayloadFS: "exfat",
	}
}

// loadConfig reads the TOML config file. A missing file is fine unless the
// path was given explicitly.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logrus.WithField("key", key.String()).Warn("unknown configuration key")
	}
	return cfg, nil
}
