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
	stderrors "errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestFit(t *testing.T) {
	bound := types.Resolution{Width: 960, Height: 540}
	tests := []struct {
		w, h int
		want types.Resolution
	}{
		{1920, 1080, types.Resolution{Width: 960, Height: 540}},
		{2560, 1440, types.Resolution{Width: 960, Height: 540}},
		{1280, 1024, types.Resolution{Width: 675, Height: 540}},
		{800, 600, types.Resolution{Width: 720, Height: 540}},
		{640, 360, types.Resolution{Width: 640, Height: 360}},
	}
	for _, tt := range tests {
		got := Fit(tt.w, tt.h, bound)
		if got != tt.want {
			t.Errorf("Fit(%d,%d) = %v, want %v", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestEncode_DownscalesAndCompresses(t *testing.T) {
	enc := New(types.Resolution{Width: 320, Height: 180}, 60)
	frame := &types.Frame{Source: types.SourceScreen, Image: gradient(1280, 720), Width: 1280, Height: 720}

	p, err := enc.Encode(frame)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if p.Width != 320 || p.Height != 180 {
		t.Errorf("payload size = %dx%d, want 320x180", p.Width, p.Height)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(p.Data))
	if err != nil {
		t.Fatalf("payload is not a JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 320 {
		t.Errorf("decoded width = %d", decoded.Bounds().Dx())
	}
	// the source frame is not touched
	if frame.Image.Bounds().Dx() != 1280 {
		t.Error("encode must not modify the source image")
	}
}

func TestEncode_QualityAffectsSize(t *testing.T) {
	frame := &types.Frame{Image: gradient(320, 180)}
	low, err := New(types.Resolution{}, 10).Encode(frame)
	if err != nil {
		t.Fatal(err)
	}
	high, err := New(types.Resolution{}, 95).Encode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if low.Size() >= high.Size() {
		t.Errorf("quality 10 produced %d bytes, quality 95 produced %d", low.Size(), high.Size())
	}
}

func TestEncode_Failures(t *testing.T) {
	enc := New(types.Resolution{Width: 64, Height: 64}, 50)
	cases := []*types.Frame{
		nil,
		{Source: types.SourceWebcam},
		{Source: types.SourceWebcam, Image: image.NewRGBA(image.Rect(0, 0, 0, 0))},
	}
	for i, f := range cases {
		if _, err := enc.Encode(f); !stderrors.Is(err, proctorerrors.ErrEncodeFailure) {
			t.Errorf("case %d: expected ENCODE_FAILURE, got %v", i, err)
		}
	}
}

func TestResize_ReturnsCopy(t *testing.T) {
	src := gradient(10, 10)
	dst := Resize(src, types.Resolution{Width: 100, Height: 100})
	if dst == image.Image(src) {
		t.Fatal("Resize must return a new image")
	}
	if dst.Bounds().Dx() != 10 {
		t.Errorf("width = %d, want unchanged 10", dst.Bounds().Dx())
	}
}
