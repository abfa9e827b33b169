// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/collections/transform"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/logger"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
)

// unitFile is the on-disk YAML schema of one unit definition. A unit
// named "foo.service" is defined by "<units-dir>/foo.service.yaml".
// Dependencies are keyed by kind name ("requires", "after"), payload
// is handed to the unit type's operator untouched.
type unitFile struct {
	Description           string              `yaml:"description,omitempty"`
	Masked                bool                `yaml:"masked,omitempty"`
	Aliases               []string            `yaml:"aliases,omitempty"`
	Perpetual             bool                `yaml:"perpetual,omitempty"`
	IgnoreOnIsolate       bool                `yaml:"ignore-on-isolate,omitempty"`
	StopWhenUnneeded      bool                `yaml:"stop-when-unneeded,omitempty"`
	AllowIsolate          bool                `yaml:"allow-isolate,omitempty"`
	RefuseManualStart     bool                `yaml:"refuse-manual-start,omitempty"`
	RefuseManualStop      bool                `yaml:"refuse-manual-stop,omitempty"`
	OnceOnly              bool                `yaml:"once-only,omitempty"`
	NoDefaultDependencies bool                `yaml:"no-default-dependencies,omitempty"`
	Dependencies          map[string][]string `yaml:"dependencies,omitempty"`
	OnFailureJobMode      string              `yaml:"on-failure-job-mode,omitempty"`
	JobTimeout            string              `yaml:"job-timeout,omitempty"`
	JobTimeoutAction      string              `yaml:"job-timeout-action,omitempty"`
	StartLimitInterval    string              `yaml:"start-limit-interval,omitempty"`
	StartLimitBurst       int                 `yaml:"start-limit-burst,omitempty"`
	StartLimitAction      string              `yaml:"start-limit-action,omitempty"`
	FailureAction         string              `yaml:"failure-action,omitempty"`
	SuccessAction         string              `yaml:"success-action,omitempty"`
	Payload               map[string]string   `yaml:"payload,omitempty"`
}

// definition converts the file schema into an engine definition,
// validating the parts the engine takes on trust.
func (f unitFile) definition() (engine.Definition, error) {
	def := engine.Definition{
		Description:           f.Description,
		Perpetual:             f.Perpetual,
		IgnoreOnIsolate:       f.IgnoreOnIsolate,
		StopWhenUnneeded:      f.StopWhenUnneeded,
		AllowIsolate:          f.AllowIsolate,
		RefuseManualStart:     f.RefuseManualStart,
		RefuseManualStop:      f.RefuseManualStop,
		OnceOnly:              f.OnceOnly,
		NoDefaultDependencies: f.NoDefaultDependencies,
		StartLimitBurst:       f.StartLimitBurst,
		Payload:               f.Payload,
	}

	for _, a := range f.Aliases {
		alias := unit.Name(a)
		if err := alias.Validate(); err != nil {
			return engine.Definition{}, errors.Annotatef(err, "alias %q", a)
		}
		def.Aliases = append(def.Aliases, alias)
	}

	for kindName, targets := range f.Dependencies {
		// Accept both the ledger spelling ("BindsTo") and the file
		// spelling ("binds-to").
		kind, ok := unit.ParseKind(strings.ReplaceAll(kindName, "-", ""))
		if !ok {
			return engine.Definition{}, errors.NotValidf("dependency kind %q", kindName)
		}
		for _, t := range targets {
			if err := unit.Name(t).Validate(); err != nil {
				return engine.Definition{}, errors.Annotatef(err, "%s dependency", kindName)
			}
		}
		def.Dependencies = append(def.Dependencies,
			transform.Slice(targets, func(t string) engine.DeclaredDependency {
				return engine.DeclaredDependency{Kind: kind, Target: unit.Name(t)}
			})...)
	}

	if f.OnFailureJobMode != "" {
		mode := job.Mode(f.OnFailureJobMode)
		if !mode.Valid() {
			return engine.Definition{}, errors.NotValidf("on-failure-job-mode %q", f.OnFailureJobMode)
		}
		def.OnFailureJobMode = mode
	}

	var err error
	if def.JobTimeout, err = fileDuration(f.JobTimeout); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "job-timeout")
	}
	if def.StartLimitInterval, err = fileDuration(f.StartLimitInterval); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "start-limit-interval")
	}
	if def.JobTimeoutAction, err = fileAction(f.JobTimeoutAction); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "job-timeout-action")
	}
	if def.StartLimitAction, err = fileAction(f.StartLimitAction); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "start-limit-action")
	}
	if def.FailureAction, err = fileAction(f.FailureAction); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "failure-action")
	}
	if def.SuccessAction, err = fileAction(f.SuccessAction); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "success-action")
	}
	return def, nil
}

func fileDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.NotValidf("duration %q", s)
	}
	return d, nil
}

func fileAction(s string) (engine.Action, error) {
	if s == "" {
		return engine.ActionNone, nil
	}
	a := engine.Action(s)
	if !a.Valid() {
		return engine.ActionNone, errors.NotValidf("action %q", s)
	}
	return a, nil
}

// builtinDefinitions are the units the daemon carries itself: the root
// slice and the targets the engine's scaffolding refers to. A unit
// file of the same name takes precedence.
var builtinDefinitions = map[unit.Name]engine.Definition{
	"-.slice": {
		Description:           "Root Slice",
		Perpetual:             true,
		NoDefaultDependencies: true,
	},
	"default.target": {
		Description:  "Default Target",
		AllowIsolate: true,
	},
	"reboot.target": {
		Description:           "Reboot",
		AllowIsolate:          true,
		NoDefaultDependencies: true,
	},
	"poweroff.target": {
		Description:           "Power Off",
		AllowIsolate:          true,
		NoDefaultDependencies: true,
	},
	"exit.target": {
		Description:           "Exit the Manager",
		AllowIsolate:          true,
		NoDefaultDependencies: true,
	},
}

// dirLoader resolves unit definitions from YAML files in a directory,
// falling back to the built-in definitions.
type dirLoader struct {
	dir    string
	logger logger.Logger
}

// NewDirLoader returns a Loader reading definitions under dir.
func NewDirLoader(dir string, logger logger.Logger) engine.Loader {
	return &dirLoader{dir: dir, logger: logger}
}

// Load is part of the engine.Loader interface.
func (l *dirLoader) Load(ctx context.Context, name unit.Name) (engine.Definition, error) {
	path := filepath.Join(l.dir, name.String()+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if def, ok := builtinDefinitions[name]; ok {
			return def, nil
		}
		return engine.Definition{}, errors.NotFoundf("unit %q", name)
	} else if err != nil {
		return engine.Definition{}, errors.Trace(err)
	}

	var f unitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return engine.Definition{}, errors.Annotatef(err, "parsing %q", path)
	}
	if f.Masked {
		return engine.Definition{}, engine.ErrUnitMasked
	}
	def, err := f.definition()
	if err != nil {
		return engine.Definition{}, errors.Annotatef(err, "unit %q", name)
	}
	l.logger.Debugf(ctx, "loaded %q from %s", name, path)
	return def, nil
}
