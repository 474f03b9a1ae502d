// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// buffer implements driver.Buffer.
type buffer struct {
	d       *Driver
	addr    driver.Addr
	data    []byte
	visible bool
	usg     driver.Usage

	// Acceleration structure stored in the buffer,
	// written by BuildAS execution.
	as *accelStruct
}

// bufAlign is the alignment of buffer capacities.
const bufAlign = 256

// NewBuffer creates a new buffer.
// Memory is always allocated in host memory, but
// non-visible buffers do not expose it.
func (d *Driver) NewBuffer(size int64, visible bool, usg driver.Usage) (driver.Buffer, error) {
	if size < 1 {
		return nil, errors.Newf("soft: NewBuffer: invalid size %d", size)
	}
	n := (size + bufAlign - 1) &^ (bufAlign - 1)
	b := &buffer{
		d:       d,
		visible: visible,
		usg:     usg,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, err := d.alloc(n, b)
	if err != nil {
		return nil, err
	}
	b.addr = addr
	b.data = make([]byte, n)
	return b, nil
}

// Visible returns whether the buffer is host visible.
func (b *buffer) Visible() bool { return b.visible }

// Bytes returns a slice referring to the buffer memory,
// or nil if the buffer is not host visible.
func (b *buffer) Bytes() []byte {
	if !b.visible {
		return nil
	}
	return b.data
}

// Cap returns the capacity of the buffer.
func (b *buffer) Cap() int64 { return int64(len(b.data)) }

// Addr returns the address of the buffer.
func (b *buffer) Addr() driver.Addr { return b.addr }

// Destroy destroys the buffer.
func (b *buffer) Destroy() {
	if b == nil || b.data == nil {
		return
	}
	b.d.mu.Lock()
	b.d.free(b.addr, int64(len(b.data)))
	b.d.mu.Unlock()
	*b = buffer{}
}

// image implements driver.Image.
type image struct {
	d      *Driver
	addr   driver.Addr
	pf     driver.PixelFmt
	size   driver.Dim3D
	layers int
	levels int
	usg    driver.Usage
	data   []byte
	views  int

	// Current layout, updated by Transition execution.
	layout driver.Layout
}

// NewImage creates a new image.
func (d *Driver) NewImage(pf driver.PixelFmt, size driver.Dim3D, layers, levels int, usg driver.Usage) (driver.Image, error) {
	switch {
	case pf.Size() == 0:
		return nil, errors.Newf("soft: NewImage: invalid pixel format %d", pf)
	case size.Width < 1 || size.Height < 1 || size.Width > limits.MaxImage2D || size.Height > limits.MaxImage2D:
		return nil, errors.Newf("soft: NewImage: invalid size %dx%d", size.Width, size.Height)
	case layers < 1 || layers > limits.MaxLayers || levels < 1:
		return nil, errors.Newf("soft: NewImage: invalid layers/levels %d/%d", layers, levels)
	}
	depth := max(size.Depth, 1)
	n := int64(pf.Size()) * int64(size.Width) * int64(size.Height) * int64(depth) * int64(layers)
	// Mip levels take at most a third of the base level.
	if levels > 1 {
		n += n / 3
	}
	img := &image{
		d:      d,
		pf:     pf,
		size:   driver.Dim3D{Width: size.Width, Height: size.Height, Depth: depth},
		layers: layers,
		levels: levels,
		usg:    usg,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, err := d.alloc(n, img)
	if err != nil {
		return nil, err
	}
	img.addr = addr
	img.data = make([]byte, n)
	return img, nil
}

// NewView creates a new image view.
func (img *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	switch {
	case layer < 0 || layers < 1 || layer+layers > img.layers:
		return nil, errors.Newf("soft: NewView: layer range [%d, %d) out of bounds", layer, layer+layers)
	case level < 0 || levels < 1 || level+levels > img.levels:
		return nil, errors.Newf("soft: NewView: level range [%d, %d) out of bounds", level, level+levels)
	case typ == driver.IView2D && layers != 1:
		return nil, errors.New("soft: NewView: 2D view must have a single layer")
	}
	img.d.mu.Lock()
	img.views++
	img.d.mu.Unlock()
	return &imageView{img: img, typ: typ}, nil
}

// Destroy destroys the image.
func (img *image) Destroy() {
	if img == nil || img.data == nil {
		return
	}
	img.d.mu.Lock()
	defer img.d.mu.Unlock()
	if img.views != 0 {
		logger.Warningf("image destroyed with %d live view(s)", img.views)
	}
	img.d.free(img.addr, int64(len(img.data)))
	*img = image{}
}

// imageView implements driver.ImageView.
type imageView struct {
	img *image
	typ driver.ViewType
}

// Destroy destroys the image view.
func (v *imageView) Destroy() {
	if v == nil || v.img == nil {
		return
	}
	if v.img.d != nil {
		v.img.d.mu.Lock()
		v.img.views--
		v.img.d.mu.Unlock()
	}
	*v = imageView{}
}

// shaderCode implements driver.ShaderCode.
type shaderCode struct {
	data []byte
}

// NewShaderCode creates a new shader code.
// The data is expected to be a shader library in source
// form; functions are reflected from their [shader]
// attributes when a pipeline is created.
func (d *Driver) NewShaderCode(data []byte) (driver.ShaderCode, error) {
	if len(data) == 0 {
		return nil, errors.New("soft: NewShaderCode: empty data")
	}
	return &shaderCode{data: append([]byte(nil), data...)}, nil
}

// Destroy destroys the shader code.
func (s *shaderCode) Destroy() {
	if s != nil {
		s.data = nil
	}
}
