// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir  = "/var/lib/cairn"
	defaultUnitsDir = "/etc/cairn/units"

	// ledgerFile is the name of the state document inside the data
	// directory.
	ledgerFile = "state.yaml"
)

// Config holds the daemon's resolved settings, after the config file
// and the command line have both had their say.
type Config struct {
	// DataDir is where the daemon keeps its state ledger.
	DataDir string

	// UnitsDir is where unit definition files live.
	UnitsDir string

	// LoggingConfig is a loggo config string applied at startup, for
	// example "<root>=INFO;cairn.engine=DEBUG". Empty keeps defaults.
	LoggingConfig string

	// LogFile, when set, receives a rotated copy of the log stream.
	LogFile string

	// MetricsAddr, when set, serves prometheus metrics on the address.
	MetricsAddr string

	// SystemInstance marks the daemon as driving the whole host.
	SystemInstance bool

	// ServiceWatchdogs enables watchdog-sourced emergency actions.
	ServiceWatchdogs bool

	// JobTimeout, StartLimitInterval and StartLimitBurst override the
	// engine defaults for units that do not configure their own. Zero
	// values keep the engine's.
	JobTimeout         time.Duration
	StartLimitInterval time.Duration
	StartLimitBurst    int

	// StopGrace bounds how long a stopped service may ignore SIGTERM.
	// Zero keeps the operator default.
	StopGrace time.Duration
}

// Validate returns an error when the configuration cannot run the
// daemon.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.NotValidf("empty data directory")
	}
	if c.UnitsDir == "" {
		return errors.NotValidf("empty units directory")
	}
	return nil
}

// DefaultConfig returns the settings the daemon runs with when told
// nothing else.
func DefaultConfig() Config {
	return Config{
		DataDir:          defaultDataDir,
		UnitsDir:         defaultUnitsDir,
		SystemInstance:   true,
		ServiceWatchdogs: true,
	}
}

// configFile is the YAML schema of the daemon's config file. Every
// field is optional; absent fields keep their defaults. Boolean
// toggles are pointers so that an explicit false survives merging.
type configFile struct {
	DataDir            string `yaml:"data-dir,omitempty"`
	UnitsDir           string `yaml:"units-dir,omitempty"`
	LoggingConfig      string `yaml:"logging-config,omitempty"`
	LogFile            string `yaml:"log-file,omitempty"`
	MetricsAddr        string `yaml:"metrics-addr,omitempty"`
	SystemInstance     *bool  `yaml:"system-instance,omitempty"`
	ServiceWatchdogs   *bool  `yaml:"service-watchdogs,omitempty"`
	JobTimeout         string `yaml:"job-timeout,omitempty"`
	StartLimitInterval string `yaml:"start-limit-interval,omitempty"`
	StartLimitBurst    int    `yaml:"start-limit-burst,omitempty"`
	StopGrace          string `yaml:"stop-grace,omitempty"`
}

// ReadConfig applies the config file at path on top of c.
func (c *Config) ReadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Trace(err)
	}
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errors.Annotatef(err, "parsing %q", path)
	}
	if f.DataDir != "" {
		c.DataDir = f.DataDir
	}
	if f.UnitsDir != "" {
		c.UnitsDir = f.UnitsDir
	}
	if f.LoggingConfig != "" {
		c.LoggingConfig = f.LoggingConfig
	}
	if f.LogFile != "" {
		c.LogFile = f.LogFile
	}
	if f.MetricsAddr != "" {
		c.MetricsAddr = f.MetricsAddr
	}
	if f.SystemInstance != nil {
		c.SystemInstance = *f.SystemInstance
	}
	if f.ServiceWatchdogs != nil {
		c.ServiceWatchdogs = *f.ServiceWatchdogs
	}
	if c.JobTimeout, err = overrideDuration(c.JobTimeout, f.JobTimeout); err != nil {
		return errors.Annotatef(err, "job-timeout in %q", path)
	}
	if c.StartLimitInterval, err = overrideDuration(c.StartLimitInterval, f.StartLimitInterval); err != nil {
		return errors.Annotatef(err, "start-limit-interval in %q", path)
	}
	if f.StartLimitBurst != 0 {
		c.StartLimitBurst = f.StartLimitBurst
	}
	if c.StopGrace, err = overrideDuration(c.StopGrace, f.StopGrace); err != nil {
		return errors.Annotatef(err, "stop-grace in %q", path)
	}
	return nil
}

func overrideDuration(current time.Duration, field string) (time.Duration, error) {
	if field == "" {
		return current, nil
	}
	d, err := time.ParseDuration(field)
	if err != nil {
		return 0, errors.NotValidf("duration %q", field)
	}
	return d, nil
}
