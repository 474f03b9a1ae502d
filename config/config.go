// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package config defines the configuration of the ray
// tracing demo.
// Configuration files are YAML or TOML, as indicated by
// their extension. Absent fields take default values, as
// do sizes and counts that are not positive. Unknown
// fields are an error.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultDriver       = "soft"
	DefaultWidth        = 1280
	DefaultHeight       = 720
	DefaultFrames       = 60
	DefaultRotationStep = 0.005
	DefaultTriangles    = 3
	DefaultOffset       = 2
	DefaultGranularity  = 65536
)

// DefaultScale is the default scale of triangle
// instances.
var DefaultScale = [3]float32{0.2, 0.5, 0.5}

// Config is the demo configuration.
type Config struct {
	// Driver is matched against the names of
	// registered drivers (case insensitive).
	Driver string `yaml:"driver" toml:"driver"`
	Width  int    `yaml:"width" toml:"width"`
	Height int    `yaml:"height" toml:"height"`
	// Frames is the number of frames to render.
	Frames int `yaml:"frames" toml:"frames"`
	// RotationStep is added to the animation angle
	// every frame, in radians. Zero gives a static
	// scene.
	RotationStep float32 `yaml:"rotationStep" toml:"rotationStep"`

	Scene Scene `yaml:"scene" toml:"scene"`
	Accel Accel `yaml:"accel" toml:"accel"`
}

// Scene configures the instances of the scene.
type Scene struct {
	Triangles int        `yaml:"triangles" toml:"triangles"`
	Offset    float32    `yaml:"offset" toml:"offset"`
	Scale     [3]float32 `yaml:"scale,flow" toml:"scale"`
}

// Accel configures top-level structure allocation.
type Accel struct {
	ScratchPad  int64 `yaml:"scratchPad" toml:"scratchPad"`
	Granularity int64 `yaml:"granularity" toml:"granularity"`
}

func (c *Config) normalize() {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.Frames <= 0 {
		c.Frames = DefaultFrames
	}
	if c.Scene.Triangles <= 0 {
		c.Scene.Triangles = DefaultTriangles
	}
	if c.Scene.Scale == ([3]float32{}) {
		c.Scene.Scale = DefaultScale
	}
	if c.Accel.ScratchPad < 0 {
		c.Accel.ScratchPad = 0
	}
	if c.Accel.Granularity <= 0 {
		c.Accel.Granularity = DefaultGranularity
	}
}

// Default returns the default configuration.
func Default() *Config {
	c := Config{
		RotationStep: DefaultRotationStep,
		Scene:        Scene{Offset: DefaultOffset},
	}
	c.normalize()
	return &c
}

// Format is a configuration file format.
type Format int

// Formats.
const (
	YAML Format = iota
	TOML
)

// FormatOf returns the format indicated by the extension
// of path.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	default:
		return 0, errors.Newf("config: unknown file extension %q", ext)
	}
}

// Parse decodes a configuration and applies defaults.
func Parse(data []byte, f Format) (*Config, error) {
	c := *Default()
	var err error
	switch f {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&c); errors.Is(err, io.EOF) {
			err = nil
		}
	case TOML:
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&c)
	default:
		return nil, errors.Newf("config: invalid format %d", f)
	}
	if err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	c.normalize()
	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	c, err := Parse(data, f)
	if err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return c, nil
}

// Marshal encodes c in the given format.
func (c *Config) Marshal(f Format) ([]byte, error) {
	switch f {
	case YAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return nil, errors.Wrap(err, "config: encode")
		}
		if err := enc.Close(); err != nil {
			return nil, errors.Wrap(err, "config: encode")
		}
		return buf.Bytes(), nil
	case TOML:
		b, err := toml.Marshal(c)
		return b, errors.Wrap(err, "config: encode")
	}
	return nil, errors.Newf("config: invalid format %d", f)
}
