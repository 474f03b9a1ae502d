// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"crypto/sha256"
	"encoding/binary"
	"regexp"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// rootSig implements driver.RootSig.
type rootSig struct {
	desc driver.RootSigDesc
	size int64
}

// NewRootSig creates a new root signature.
func (d *Driver) NewRootSig(desc *driver.RootSigDesc) (driver.RootSig, error) {
	s := &rootSig{desc: driver.RootSigDesc{Local: desc.Local}}
	for i, p := range desc.Params {
		switch p.Type {
		case driver.RPTable:
			if len(p.Ranges) == 0 {
				return nil, errors.Newf("soft: NewRootSig: parameter %d has no ranges", i)
			}
			for _, r := range p.Ranges {
				if r.Len < 1 || r.Offset < 0 {
					return nil, errors.Newf("soft: NewRootSig: parameter %d has an invalid range", i)
				}
			}
		case driver.RPConstBuf:
		case driver.RPConstants:
			if p.Count < 1 {
				return nil, errors.Newf("soft: NewRootSig: parameter %d has no constants", i)
			}
		default:
			return nil, errors.Newf("soft: NewRootSig: parameter %d has invalid type %d", i, p.Type)
		}
		p.Ranges = slices.Clone(p.Ranges)
		s.desc.Params = append(s.desc.Params, p)
	}
	s.size = s.desc.ArgSize()
	return s, nil
}

// Desc returns a copy of the root signature description.
func (s *rootSig) Desc() driver.RootSigDesc {
	desc := s.desc
	desc.Params = slices.Clone(desc.Params)
	for i := range desc.Params {
		desc.Params[i].Ranges = slices.Clone(desc.Params[i].Ranges)
	}
	return desc
}

// Destroy destroys the root signature.
func (s *rootSig) Destroy() {}

// idKind identifies the kind of a shader identifier.
type idKind uint32

const (
	idRayGen idKind = iota + 1
	idMiss
	idHitGroup
)

func (k idKind) String() string {
	switch k {
	case idRayGen:
		return "ray generation"
	case idMiss:
		return "miss"
	case idHitGroup:
		return "hit group"
	}
	return "invalid"
}

// shaderID is the layout of a shader identifier:
//
//	[0:4]  | pipeline ID
//	[4:8]  | idKind
//	[8:32] | hash of the export name
type shaderID [32]byte

func newShaderID(pl uint32, kind idKind, name string) (id shaderID) {
	binary.LittleEndian.PutUint32(id[0:], pl)
	binary.LittleEndian.PutUint32(id[4:], uint32(kind))
	h := sha256.Sum256([]byte(name))
	copy(id[8:], h[:])
	return
}

func (id *shaderID) pipeline() uint32 { return binary.LittleEndian.Uint32(id[0:]) }

// export is a named entry point of a ray tracing pipeline.
type export struct {
	name  string
	kind  idKind
	local *rootSig
	id    shaderID
}

// rtPipeline implements driver.RTPipeline.
type rtPipeline struct {
	d            *Driver
	id           uint32
	exports      map[string]*export
	byID         map[shaderID]*export
	global       *rootSig
	maxRecursion int
	rays         rayIndexing
}

// shaderAttr matches a [shader("stage")] attribute followed
// by the function that it applies to.
var shaderAttr = regexp.MustCompile(`\[shader\(\s*"(\w+)"\s*\)\]\s*(?:\[[^\]]*\]\s*)*\w+\s+(\w+)\s*\(`)

// reflectLib returns the stage of each function annotated
// in the library source.
func reflectLib(lib []byte) map[string]driver.Stage {
	fns := make(map[string]driver.Stage)
	for _, m := range shaderAttr.FindAllSubmatch(lib, -1) {
		var st driver.Stage
		switch string(m[1]) {
		case "raygeneration":
			st = driver.SRayGen
		case "miss":
			st = driver.SMiss
		case "closesthit":
			st = driver.SClosestHit
		case "anyhit":
			st = driver.SAnyHit
		case "intersection":
			st = driver.SIntersection
		default:
			continue
		}
		fns[string(m[2])] = st
	}
	return fns
}

// traceRay matches TraceRay calls whose hit group and miss
// indexing arguments are integer literals.
var traceRay = regexp.MustCompile(`TraceRay\(\s*[^,()]+,[^,()]+,[^,()]+,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,`)

// rayIndexing describes how the rays traced by a library
// index the shader table.
// Zero values mean that no call could be reflected.
type rayIndexing struct {
	// Largest RayContributionToHitGroupIndex.
	contrib int
	// Largest MultiplierForGeometryContributionToHitGroupIndex,
	// which is the number of ray types.
	mult int
	// Largest MissShaderIndex.
	miss int
}

func reflectTraces(lib []byte) (ix rayIndexing) {
	for _, m := range traceRay.FindAllSubmatch(lib, -1) {
		var v [3]int
		for i := range v {
			v[i], _ = strconv.Atoi(string(m[i+1]))
		}
		ix.contrib = max(ix.contrib, v[0])
		ix.mult = max(ix.mult, v[1])
		ix.miss = max(ix.miss, v[2])
	}
	return
}

// NewRTPipeline creates a new ray tracing pipeline.
func (d *Driver) NewRTPipeline(state *driver.RTState) (driver.RTPipeline, error) {
	lib, ok := state.Library.(*shaderCode)
	if !ok || lib == nil || lib.data == nil {
		return nil, errors.New("soft: NewRTPipeline: invalid library")
	}
	switch {
	case state.MaxRecursion < 0 || state.MaxRecursion > limits.MaxRecursion:
		return nil, errors.Newf("soft: NewRTPipeline: invalid recursion depth %d", state.MaxRecursion)
	case state.MaxAttrib < 0 || state.MaxAttrib > 32:
		return nil, errors.Newf("soft: NewRTPipeline: invalid attribute size %d", state.MaxAttrib)
	case state.MaxPayload < 0:
		return nil, errors.Newf("soft: NewRTPipeline: invalid payload size %d", state.MaxPayload)
	}
	var global *rootSig
	if state.Global != nil {
		global = state.Global.(*rootSig)
		if global.desc.Local {
			return nil, errors.New("soft: NewRTPipeline: global root signature is local")
		}
	}

	fns := reflectLib(lib.data)
	stages := make(map[string]driver.Stage)
	for _, name := range state.Exports {
		st, ok := fns[name]
		if !ok {
			return nil, errors.Newf("soft: NewRTPipeline: export %q not found in library", name)
		}
		if _, dup := stages[name]; dup {
			return nil, errors.Newf("soft: NewRTPipeline: export %q listed twice", name)
		}
		stages[name] = st
	}

	// Local root signature associations, by export or
	// hit group name.
	locals := make(map[string]*rootSig)
	for _, l := range state.Local {
		s, ok := l.Sig.(*rootSig)
		if !ok || !s.desc.Local {
			return nil, errors.New("soft: NewRTPipeline: association with a non-local root signature")
		}
		for _, name := range l.Exports {
			if _, dup := locals[name]; dup {
				return nil, errors.Newf("soft: NewRTPipeline: %q associated with more than one local root signature", name)
			}
			locals[name] = s
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	d.nextPL++
	pl := &rtPipeline{
		d:            d,
		id:           d.nextPL,
		exports:      make(map[string]*export),
		byID:         make(map[shaderID]*export),
		global:       global,
		maxRecursion: state.MaxRecursion,
		rays:         reflectTraces(lib.data),
	}
	add := func(name string, kind idKind, local *rootSig) {
		e := &export{name: name, kind: kind, local: local, id: newShaderID(pl.id, kind, name)}
		pl.exports[name] = e
		pl.byID[e.id] = e
	}
	for _, name := range state.Exports {
		switch stages[name] {
		case driver.SRayGen:
			add(name, idRayGen, locals[name])
		case driver.SMiss:
			add(name, idMiss, locals[name])
		}
	}
	for _, g := range state.HitGroups {
		if _, dup := stages[g.Name]; dup {
			return nil, errors.Newf("soft: NewRTPipeline: hit group %q clashes with an export", g.Name)
		}
		if _, dup := pl.exports[g.Name]; dup {
			return nil, errors.Newf("soft: NewRTPipeline: hit group %q defined twice", g.Name)
		}
		if g.ClosestHit == "" && g.AnyHit == "" {
			return nil, errors.Newf("soft: NewRTPipeline: hit group %q has no shaders", g.Name)
		}
		local := locals[g.Name]
		for _, x := range [...]struct {
			name  string
			stage driver.Stage
		}{
			{g.ClosestHit, driver.SClosestHit},
			{g.AnyHit, driver.SAnyHit},
			{g.Intersection, driver.SIntersection},
		} {
			if x.name == "" {
				continue
			}
			if st, ok := stages[x.name]; !ok || st != x.stage {
				return nil, errors.Newf("soft: NewRTPipeline: hit group %q imports %q, which is not an exported function of the right stage", g.Name, x.name)
			}
			if s := locals[x.name]; s != nil {
				if local != nil && local != s {
					return nil, errors.Newf("soft: NewRTPipeline: hit group %q has conflicting local root signatures", g.Name)
				}
				local = s
			}
		}
		add(g.Name, idHitGroup, local)
	}
	for name := range locals {
		if _, ok := stages[name]; ok {
			continue
		}
		if _, ok := pl.exports[name]; !ok {
			return nil, errors.Newf("soft: NewRTPipeline: local root signature associated with unknown export %q", name)
		}
	}
	d.plines[pl.id] = pl
	logger.Debugf("pipeline %d created with %d identifiers", pl.id, len(pl.exports))
	return pl, nil
}

// ShaderID returns the shader identifier of an export.
func (pl *rtPipeline) ShaderID(name string) ([]byte, bool) {
	e, ok := pl.exports[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.id[:]), true
}

// Destroy destroys the pipeline.
func (pl *rtPipeline) Destroy() {
	if pl == nil || pl.d == nil {
		return
	}
	pl.d.mu.Lock()
	if pl.d.plines != nil {
		delete(pl.d.plines, pl.id)
	}
	pl.d.mu.Unlock()
	*pl = rtPipeline{}
}
