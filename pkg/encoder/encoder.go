// Copyright 2025 The Zen Watcher Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Payload is an encoded frame ready for transport
type Payload struct {
	Data   []byte
	Width  int
	Height int
}

// Size returns the encoded size in bytes
func (p *Payload) Size() int { return len(p.Data) }

// Encoder downsamples frames to a display resolution and compresses them to JPEG.
// It holds no per-frame state and is safe for concurrent use.
type Encoder struct {
	target  types.Resolution
	quality int
	buf     int // initial buffer size hint
}

// New creates an encoder for the given display resolution and JPEG quality (1-100)
func New(target types.Resolution, quality int) *Encoder {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Encoder{
		target:  target,
		quality: quality,
		buf:     target.Width * target.Height / 8,
	}
}

// Encode resizes frame to fit the display resolution and JPEG-compresses it
func (e *Encoder) Encode(frame *types.Frame) (*Payload, error) {
	if frame == nil || frame.Image == nil {
		return nil, proctorerrors.NewEncodeFailure(string(sourceOf(frame)), "EMPTY_FRAME", "no image to encode", nil)
	}
	b := frame.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, proctorerrors.NewEncodeFailure(string(frame.Source), "EMPTY_FRAME",
			fmt.Sprintf("image has no area (%s)", b), nil)
	}

	img := frame.Image
	if !e.target.IsZero() {
		img = Resize(img, e.target)
	}

	out := bytes.NewBuffer(make([]byte, 0, e.buf))
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, proctorerrors.NewEncodeFailure(string(frame.Source), "JPEG_FAILED", "jpeg compression failed", err)
	}
	rb := img.Bounds()
	return &Payload{Data: out.Bytes(), Width: rb.Dx(), Height: rb.Dy()}, nil
}

// Fit returns the largest size with the aspect ratio of w x h that fits in bound.
// Images already inside bound are left at their size.
func Fit(w, h int, bound types.Resolution) types.Resolution {
	if w <= 0 || h <= 0 || bound.IsZero() {
		return types.Resolution{Width: w, Height: h}
	}
	if w <= bound.Width && h <= bound.Height {
		return types.Resolution{Width: w, Height: h}
	}
	scale := float64(bound.Width) / float64(w)
	if hs := float64(bound.Height) / float64(h); hs < scale {
		scale = hs
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return types.Resolution{Width: nw, Height: nh}
}

// Resize returns a new image scaled to fit within bound, preserving aspect ratio.
// It copies even when no scaling is needed.
func Resize(src image.Image, bound types.Resolution) image.Image {
	sb := src.Bounds()
	size := Fit(sb.Dx(), sb.Dy(), bound)
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	if size.Width == sb.Dx() && size.Height == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	return dst
}

func sourceOf(frame *types.Frame) types.SourceKind {
	if frame == nil {
		return ""
	}
	return frame.Source
}
