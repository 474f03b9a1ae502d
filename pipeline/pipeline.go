// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package pipeline assembles ray tracing pipelines.
// Names (exports, hit groups and their imports) are
// resolved when the State is created, so that errors are
// reported before any driver object exists.
package pipeline

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/log"
)

var logger = log.New("pipeline")

const prefix = "pipeline: "

// Builder accumulates the parts of a ray tracing
// pipeline.
// The zero value is ready for use.
type Builder struct {
	lib       driver.ShaderCode
	exports   []string
	groups    []driver.HitGroup
	local     []driver.LocalSig
	global    driver.RootSig
	payload   int
	attrib    int
	recursion int
}

// Library sets the shader library and the functions that
// it exports to the pipeline.
func (b *Builder) Library(lib driver.ShaderCode, exports ...string) {
	b.lib = lib
	b.exports = append(b.exports, exports...)
}

// HitGroup adds a triangle hit group that uses the given
// closest-hit function.
func (b *Builder) HitGroup(name, closestHit string) {
	b.groups = append(b.groups, driver.HitGroup{Name: name, ClosestHit: closestHit})
}

// AddHitGroup adds an arbitrary hit group.
func (b *Builder) AddHitGroup(g driver.HitGroup) { b.groups = append(b.groups, g) }

// Local associates a local root signature with the given
// exports and hit groups.
func (b *Builder) Local(sig driver.RootSig, names ...string) {
	b.local = append(b.local, driver.LocalSig{Sig: sig, Exports: slices.Clone(names)})
}

// Config sets the maximum payload and attribute sizes,
// in bytes.
func (b *Builder) Config(maxPayload, maxAttrib int) {
	b.payload = maxPayload
	b.attrib = maxAttrib
}

// Recursion sets the maximum TraceRay recursion depth.
func (b *Builder) Recursion(depth int) { b.recursion = depth }

// Global sets the global root signature.
func (b *Builder) Global(sig driver.RootSig) { b.global = sig }

// State resolves the names given to b and returns the
// resulting pipeline state.
func (b *Builder) State() (*State, error) {
	if b.lib == nil {
		return nil, errors.New(prefix + "no library")
	}
	if len(b.exports) == 0 {
		return nil, errors.New(prefix + "no exports")
	}
	s := &State{
		RTState: driver.RTState{
			Library:      b.lib,
			Exports:      slices.Clone(b.exports),
			HitGroups:    slices.Clone(b.groups),
			Local:        slices.Clone(b.local),
			Global:       b.global,
			MaxPayload:   b.payload,
			MaxAttrib:    b.attrib,
			MaxRecursion: b.recursion,
		},
		names: make(map[string]*entry),
	}
	for _, name := range b.exports {
		if _, dup := s.names[name]; dup {
			return nil, errors.Newf(prefix+"export %q given twice", name)
		}
		s.names[name] = &entry{}
	}
	for _, g := range b.groups {
		if _, dup := s.names[g.Name]; dup {
			return nil, errors.Newf(prefix+"hit group %q clashes with another name", g.Name)
		}
		if g.ClosestHit == "" && g.AnyHit == "" {
			return nil, errors.Newf(prefix+"hit group %q has no shaders", g.Name)
		}
		for _, imp := range [...]string{g.ClosestHit, g.AnyHit, g.Intersection} {
			if imp == "" {
				continue
			}
			e, ok := s.names[imp]
			if !ok || e.group {
				return nil, errors.Newf(prefix+"hit group %q imports %q, which is not exported", g.Name, imp)
			}
		}
		s.names[g.Name] = &entry{group: true}
	}
	for i, l := range b.local {
		if l.Sig == nil {
			return nil, errors.Newf(prefix+"local association %d has no root signature", i)
		}
		desc := l.Sig.Desc()
		if !desc.Local {
			return nil, errors.Newf(prefix+"local association %d uses a global root signature", i)
		}
		for _, name := range l.Exports {
			e, ok := s.names[name]
			switch {
			case !ok:
				return nil, errors.Newf(prefix+"local root signature associated with unknown name %q", name)
			case e.sig != nil:
				return nil, errors.Newf(prefix+"%q associated with more than one local root signature", name)
			}
			e.sig = l.Sig
			e.args = desc.ArgSize()
		}
	}
	if b.global != nil && b.global.Desc().Local {
		return nil, errors.New(prefix + "global root signature is local")
	}
	// Hit groups without an association of their own
	// use the one of the functions that they import.
	for _, g := range b.groups {
		e := s.names[g.Name]
		for _, imp := range [...]string{g.ClosestHit, g.AnyHit, g.Intersection} {
			if imp == "" {
				continue
			}
			x := s.names[imp]
			switch {
			case x.sig == nil:
			case e.sig == nil:
				e.sig, e.args = x.sig, x.args
			case e.sig != x.sig:
				return nil, errors.Newf(prefix+"hit group %q has conflicting local root signatures", g.Name)
			}
		}
	}
	return s, nil
}

// entry is a resolved name.
type entry struct {
	group bool
	sig   driver.RootSig
	args  int64
}

// State is a resolved pipeline state.
type State struct {
	driver.RTState
	names map[string]*entry
}

// ArgSize returns the size of the local arguments of the
// given export or hit group, which is zero when no local
// root signature is associated with it.
// It returns false if name is unknown.
func (s *State) ArgSize(name string) (int64, bool) {
	e, ok := s.names[name]
	if !ok {
		return 0, false
	}
	return e.args, true
}

// LocalSig returns the local root signature associated
// with the given export or hit group, if any.
func (s *State) LocalSig(name string) driver.RootSig {
	if e, ok := s.names[name]; ok {
		return e.sig
	}
	return nil
}

// MaxArgSize returns the largest local argument size
// among the given names.
// Unknown names are ignored.
func (s *State) MaxArgSize(names ...string) int64 {
	var n int64
	for _, name := range names {
		if e, ok := s.names[name]; ok {
			n = max(n, e.args)
		}
	}
	return n
}

// New creates a driver pipeline from s.
func (s *State) New(rt driver.Raytracer) (*Pipeline, error) {
	pl, err := rt.NewRTPipeline(&s.RTState)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"NewRTPipeline")
	}
	logger.Debugf("created pipeline with %d exports and %d hit groups", len(s.Exports), len(s.HitGroups))
	return &Pipeline{pl, s}, nil
}

// Pipeline is a driver pipeline together with the state
// that it was created from.
type Pipeline struct {
	driver.RTPipeline
	state *State
}

// State returns the state used to create p.
func (p *Pipeline) State() *State { return p.state }

// ArgSize is p.State().ArgSize(name).
func (p *Pipeline) ArgSize(name string) (int64, bool) { return p.state.ArgSize(name) }
