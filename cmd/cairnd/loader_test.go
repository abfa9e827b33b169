// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"path/filepath"
	stdtesting "testing"
	"time"

	"github.com/juju/errors"
	"github.com/juju/tc"
	"go.uber.org/goleak"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
	loggertesting "github.com/canonical/cairn/internal/logger/testing"
)

type loaderSuite struct {
	dir string
}

func TestLoaderSuite(t *stdtesting.T) {
	defer goleak.VerifyNone(t)
	tc.Run(t, &loaderSuite{})
}

func (s *loaderSuite) SetUpTest(c *tc.C) {
	s.dir = c.MkDir()
}

func (s *loaderSuite) newLoader(c *tc.C) engine.Loader {
	return NewDirLoader(s.dir, loggertesting.WrapCheckLog(c))
}

func (s *loaderSuite) writeUnit(c *tc.C, name, content string) {
	path := filepath.Join(s.dir, name+".yaml")
	err := os.WriteFile(path, []byte(content), 0644)
	c.Assert(err, tc.ErrorIsNil)
}

func (s *loaderSuite) TestLoadBuiltins(c *tc.C) {
	loader := s.newLoader(c)

	def, err := loader.Load(c.Context(), "default.target")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Description, tc.Equals, "Default Target")
	c.Check(def.AllowIsolate, tc.IsTrue)

	def, err = loader.Load(c.Context(), "-.slice")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Perpetual, tc.IsTrue)
	c.Check(def.NoDefaultDependencies, tc.IsTrue)

	for _, name := range []unit.Name{"reboot.target", "poweroff.target", "exit.target"} {
		def, err = loader.Load(c.Context(), name)
		c.Assert(err, tc.ErrorIsNil)
		c.Check(def.AllowIsolate, tc.IsTrue)
		c.Check(def.NoDefaultDependencies, tc.IsTrue)
	}
}

func (s *loaderSuite) TestLoadNotFound(c *tc.C) {
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "ghost.service")
	c.Check(err, tc.ErrorIs, errors.NotFound)
}

func (s *loaderSuite) TestLoadFromFile(c *tc.C) {
	s.writeUnit(c, "web.service", `
description: Web Server
once-only: true
stop-when-unneeded: true
dependencies:
  requires: [db.service]
  after: [db.service]
  wanted-by: [default.target]
payload:
  exec-start: /usr/sbin/webd
job-timeout: 45s
failure-action: reboot
on-failure-job-mode: replace-irreversibly
`)
	loader := s.newLoader(c)
	def, err := loader.Load(c.Context(), "web.service")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Description, tc.Equals, "Web Server")
	c.Check(def.OnceOnly, tc.IsTrue)
	c.Check(def.StopWhenUnneeded, tc.IsTrue)
	c.Check(def.JobTimeout, tc.Equals, 45*time.Second)
	c.Check(def.FailureAction, tc.Equals, engine.ActionReboot)
	c.Check(def.OnFailureJobMode, tc.Equals, job.ModeReplaceIrreversibly)
	c.Check(def.Payload, tc.DeepEquals, map[string]string{"exec-start": "/usr/sbin/webd"})
	c.Check(def.Dependencies, tc.SameContents, []engine.DeclaredDependency{
		{Kind: unit.KindRequires, Target: "db.service"},
		{Kind: unit.KindAfter, Target: "db.service"},
		{Kind: unit.KindWantedBy, Target: "default.target"},
	})
}

func (s *loaderSuite) TestLoadKindSpellings(c *tc.C) {
	// Kind names match with or without hyphens, in any case.
	s.writeUnit(c, "spell.service", `
dependencies:
  BindsTo: [a.service]
  binds-to: [b.service]
  ONFAILURE: [c.service]
`)
	loader := s.newLoader(c)
	def, err := loader.Load(c.Context(), "spell.service")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Dependencies, tc.SameContents, []engine.DeclaredDependency{
		{Kind: unit.KindBindsTo, Target: "a.service"},
		{Kind: unit.KindBindsTo, Target: "b.service"},
		{Kind: unit.KindOnFailure, Target: "c.service"},
	})
}

func (s *loaderSuite) TestLoadAliases(c *tc.C) {
	s.writeUnit(c, "db.service", `
description: Database
aliases: [postgres.service]
`)
	loader := s.newLoader(c)
	def, err := loader.Load(c.Context(), "db.service")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Aliases, tc.DeepEquals, []unit.Name{"postgres.service"})
}

func (s *loaderSuite) TestLoadFileOverridesBuiltin(c *tc.C) {
	s.writeUnit(c, "default.target", `
description: Multi-User System
dependencies:
  wants: [web.service]
`)
	loader := s.newLoader(c)
	def, err := loader.Load(c.Context(), "default.target")
	c.Assert(err, tc.ErrorIsNil)
	c.Check(def.Description, tc.Equals, "Multi-User System")
	c.Check(def.AllowIsolate, tc.IsFalse)
	c.Check(def.Dependencies, tc.DeepEquals, []engine.DeclaredDependency{
		{Kind: unit.KindWants, Target: "web.service"},
	})
}

func (s *loaderSuite) TestLoadMasked(c *tc.C) {
	s.writeUnit(c, "noisy.service", "masked: true\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "noisy.service")
	c.Check(err, tc.ErrorIs, engine.ErrUnitMasked)
}

func (s *loaderSuite) TestLoadBadYAML(c *tc.C) {
	s.writeUnit(c, "broken.service", "description: [oops\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "broken.service")
	c.Check(err, tc.ErrorMatches, "parsing .*")
}

func (s *loaderSuite) TestLoadBadKind(c *tc.C) {
	s.writeUnit(c, "odd.service", `
dependencies:
  sortof-wants: [a.service]
`)
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
	c.Check(err, tc.ErrorMatches, `unit "odd.service": dependency kind "sortof-wants" not valid`)
}

func (s *loaderSuite) TestLoadBadTargetName(c *tc.C) {
	s.writeUnit(c, "odd.service", `
dependencies:
  wants: ["no extension"]
`)
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
}

func (s *loaderSuite) TestLoadBadAlias(c *tc.C) {
	s.writeUnit(c, "odd.service", "aliases: [nodot]\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
}

func (s *loaderSuite) TestLoadBadMode(c *tc.C) {
	s.writeUnit(c, "odd.service", "on-failure-job-mode: gently\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
}

func (s *loaderSuite) TestLoadBadDuration(c *tc.C) {
	s.writeUnit(c, "odd.service", "job-timeout: forever\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
}

func (s *loaderSuite) TestLoadBadAction(c *tc.C) {
	s.writeUnit(c, "odd.service", "failure-action: explode\n")
	loader := s.newLoader(c)
	_, err := loader.Load(c.Context(), "odd.service")
	c.Check(err, tc.ErrorIs, errors.NotValid)
}
