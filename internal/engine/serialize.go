// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"io"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/unit"
)

// stateVersion identifies the serialized state layout.
const stateVersion = 1

// serializedState is the document written by Serialize. Runtime unit
// state and the job queue are recorded; the dependency graph is not,
// because definitions are re-resolved through the loader on the other
// side. Transient units carry their whole definition for the same
// reason.
type serializedState struct {
	Version   int              `yaml:"version"`
	NextJobID job.ID           `yaml:"next-job-id"`
	Units     []serializedUnit `yaml:"units,omitempty"`
	Jobs      []serializedJob  `yaml:"jobs,omitempty"`
}

type serializedUnit struct {
	Name           unit.Name             `yaml:"name"`
	ActiveState    unit.ActiveState      `yaml:"active-state"`
	InvocationID   string                `yaml:"invocation-id,omitempty"`
	EverActive     bool                  `yaml:"ever-active,omitempty"`
	OnFailureFired bool                  `yaml:"on-failure-fired,omitempty"`
	Definition     *serializedDefinition `yaml:"definition,omitempty"`
}

type serializedDefinition struct {
	Description           string                 `yaml:"description,omitempty"`
	Aliases               []unit.Name            `yaml:"aliases,omitempty"`
	Perpetual             bool                   `yaml:"perpetual,omitempty"`
	IgnoreOnIsolate       bool                   `yaml:"ignore-on-isolate,omitempty"`
	StopWhenUnneeded      bool                   `yaml:"stop-when-unneeded,omitempty"`
	AllowIsolate          bool                   `yaml:"allow-isolate,omitempty"`
	RefuseManualStart     bool                   `yaml:"refuse-manual-start,omitempty"`
	RefuseManualStop      bool                   `yaml:"refuse-manual-stop,omitempty"`
	OnceOnly              bool                   `yaml:"once-only,omitempty"`
	NoDefaultDependencies bool                   `yaml:"no-default-dependencies,omitempty"`
	Dependencies          []serializedDependency `yaml:"dependencies,omitempty"`
	OnFailureJobMode      job.Mode               `yaml:"on-failure-job-mode,omitempty"`
	JobTimeout            time.Duration          `yaml:"job-timeout,omitempty"`
	JobTimeoutAction      Action                 `yaml:"job-timeout-action,omitempty"`
	StartLimitInterval    time.Duration          `yaml:"start-limit-interval,omitempty"`
	StartLimitBurst       int                    `yaml:"start-limit-burst,omitempty"`
	StartLimitAction      Action                 `yaml:"start-limit-action,omitempty"`
	FailureAction         Action                 `yaml:"failure-action,omitempty"`
	SuccessAction         Action                 `yaml:"success-action,omitempty"`
	Payload               map[string]string      `yaml:"payload,omitempty"`
}

type serializedDependency struct {
	Kind   string    `yaml:"kind"`
	Target unit.Name `yaml:"target"`
}

type serializedJob struct {
	ID           job.ID    `yaml:"id"`
	Unit         unit.Name `yaml:"unit"`
	Type         job.Type  `yaml:"type"`
	Irreversible bool      `yaml:"irreversible,omitempty"`
	IgnoreOrder  bool      `yaml:"ignore-order,omitempty"`

	// DeadlineIn is how long the job had left at save time. Zero means
	// the job had no deadline.
	DeadlineIn time.Duration `yaml:"deadline-in,omitempty"`
}

func toSerializedDefinition(def Definition) *serializedDefinition {
	out := &serializedDefinition{
		Description:           def.Description,
		Aliases:               def.Aliases,
		Perpetual:             def.Perpetual,
		IgnoreOnIsolate:       def.IgnoreOnIsolate,
		StopWhenUnneeded:      def.StopWhenUnneeded,
		AllowIsolate:          def.AllowIsolate,
		RefuseManualStart:     def.RefuseManualStart,
		RefuseManualStop:      def.RefuseManualStop,
		OnceOnly:              def.OnceOnly,
		NoDefaultDependencies: def.NoDefaultDependencies,
		OnFailureJobMode:      def.OnFailureJobMode,
		JobTimeout:            def.JobTimeout,
		JobTimeoutAction:      def.JobTimeoutAction,
		StartLimitInterval:    def.StartLimitInterval,
		StartLimitBurst:       def.StartLimitBurst,
		StartLimitAction:      def.StartLimitAction,
		FailureAction:         def.FailureAction,
		SuccessAction:         def.SuccessAction,
		Payload:               def.Payload,
	}
	for _, d := range def.Dependencies {
		out.Dependencies = append(out.Dependencies, serializedDependency{
			Kind:   d.Kind.String(),
			Target: d.Target,
		})
	}
	return out
}

func (s *serializedDefinition) definition() (Definition, error) {
	def := Definition{
		Description:           s.Description,
		Aliases:               s.Aliases,
		Perpetual:             s.Perpetual,
		IgnoreOnIsolate:       s.IgnoreOnIsolate,
		StopWhenUnneeded:      s.StopWhenUnneeded,
		AllowIsolate:          s.AllowIsolate,
		RefuseManualStart:     s.RefuseManualStart,
		RefuseManualStop:      s.RefuseManualStop,
		OnceOnly:              s.OnceOnly,
		NoDefaultDependencies: s.NoDefaultDependencies,
		OnFailureJobMode:      s.OnFailureJobMode,
		JobTimeout:            s.JobTimeout,
		JobTimeoutAction:      s.JobTimeoutAction,
		StartLimitInterval:    s.StartLimitInterval,
		StartLimitBurst:       s.StartLimitBurst,
		StartLimitAction:      s.StartLimitAction,
		FailureAction:         s.FailureAction,
		SuccessAction:         s.SuccessAction,
		Payload:               s.Payload,
	}
	for _, d := range s.Dependencies {
		k, ok := unit.ParseKind(d.Kind)
		if !ok {
			return Definition{}, errors.NotValidf("dependency kind %q", d.Kind)
		}
		def.Dependencies = append(def.Dependencies, DeclaredDependency{
			Kind:   k,
			Target: d.Target,
		})
	}
	return def, nil
}

// Serialize writes the engine's runtime state to w, so a successor
// engine can pick up where this one leaves off.
func (e *Engine) Serialize(ctx context.Context, w io.Writer) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		return e.serializeState(w)
	}))
}

func (e *Engine) serializeState(w io.Writer) error {
	doc := serializedState{
		Version:   stateVersion,
		NextJobID: e.jobSerial,
	}
	now := e.clock.Now()
	for _, u := range e.registry.all() {
		su := serializedUnit{
			Name:           u.name,
			ActiveState:    u.activeState,
			InvocationID:   u.invocationID,
			EverActive:     u.everActive,
			OnFailureFired: u.onFailureFired,
		}
		if u.transient && u.transientDef != nil {
			su.Definition = toSerializedDefinition(*u.transientDef)
		}
		if su.Definition == nil && su.ActiveState == unit.Inactive &&
			su.InvocationID == "" && !su.EverActive && !su.OnFailureFired {
			continue
		}
		doc.Units = append(doc.Units, su)
	}
	for _, j := range e.jobsInOrder() {
		sj := serializedJob{
			ID:           j.id,
			Unit:         j.u.name,
			Type:         j.jtype,
			Irreversible: j.irreversible,
			IgnoreOrder:  j.ignoreOrder,
		}
		if !j.deadline.IsZero() {
			sj.DeadlineIn = j.deadline.Sub(now)
		}
		doc.Jobs = append(doc.Jobs, sj)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = w.Write(data)
	return errors.Trace(err)
}

// Restore loads state written by Serialize into an engine that has not
// done anything yet. Running jobs come back waiting and are dispatched
// again; file-backed units re-resolve through the loader, immediately
// when they carry a job and lazily otherwise.
func (e *Engine) Restore(ctx context.Context, r io.Reader) error {
	return errors.Trace(e.call(ctx, func(ctx context.Context) error {
		return e.restoreState(ctx, r)
	}))
}

func (e *Engine) restoreState(ctx context.Context, r io.Reader) error {
	if e.registry.size() != 0 || len(e.jobs) != 0 {
		return errors.Errorf("cannot restore into an engine that already has state")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	var doc serializedState
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Annotate(err, "parsing engine state")
	}
	if doc.Version != stateVersion {
		return errors.NotSupportedf("engine state version %d", doc.Version)
	}

	for _, su := range doc.Units {
		u, err := e.registry.getOrCreate(su.Name)
		if err != nil {
			return errors.Trace(err)
		}
		if !su.ActiveState.Valid() {
			return errors.NotValidf("active state %q of %q", su.ActiveState, su.Name)
		}
		if su.Definition != nil {
			def, err := su.Definition.definition()
			if err != nil {
				return errors.Annotatef(err, "unit %q", su.Name)
			}
			if err := e.applyLoaded(u, def, OriginTransient); err != nil {
				return errors.Trace(err)
			}
			u.transient = true
			u.loadState = unit.LoadLoaded
			u.transientDef = &def
		}
		u.activeState = su.ActiveState
		u.invocationID = su.InvocationID
		u.everActive = su.EverActive
		u.onFailureFired = su.OnFailureFired
	}

	now := e.clock.Now()
	for _, sj := range doc.Jobs {
		if !sj.Type.Valid() {
			return errors.NotValidf("type %q of job %d", sj.Type, sj.ID)
		}
		u, err := e.registry.getOrCreate(sj.Unit)
		if err != nil {
			return errors.Trace(err)
		}
		if u.j != nil {
			return errors.NotValidf("second job %d for unit %q", sj.ID, sj.Unit)
		}
		j := &Job{
			id:           sj.ID,
			u:            u,
			jtype:        sj.Type,
			state:        job.Waiting,
			irreversible: sj.Irreversible,
			ignoreOrder:  sj.IgnoreOrder,
		}
		if sj.DeadlineIn != 0 {
			d := sj.DeadlineIn
			if d < 0 {
				d = 0
			}
			j.deadline = now.Add(d)
		}
		u.j = j
		e.jobs[j.id] = j
		if j.id > e.jobSerial {
			e.jobSerial = j.id
		}
	}
	if doc.NextJobID > e.jobSerial {
		e.jobSerial = doc.NextJobID
	}

	// Jobs need their units' ordering edges back before the next
	// dispatch, so those units re-resolve now rather than lazily.
	for _, j := range e.jobsInOrder() {
		if _, err := e.ensureLoaded(ctx, j.u); err != nil {
			return errors.Trace(err)
		}
	}
	e.logger.Infof(ctx, "restored %d units and %d jobs", len(doc.Units), len(doc.Jobs))
	return nil
}
