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

package types

import (
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// SourceKind identifies a capture device family
type SourceKind string

const (
	SourceScreen SourceKind = "screen"
	SourceWebcam SourceKind = "webcam"
)

// Frame is one captured image. It belongs to the capture cycle that produced it
// and is not retained after encoding.
type Frame struct {
	Seq        uint64
	Source     SourceKind
	Image      image.Image
	Width      int
	Height     int
	CapturedAt time.Time // wall clock plus monotonic reading
}

// Resolution is a width x height pair, written as "960x540" in config files.
type Resolution struct {
	Width  int
	Height int
}

// IsZero reports whether the resolution is unset
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// MarshalText implements encoding.TextMarshaler
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Resolution) UnmarshalText(text []byte) error {
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResolution parses "WIDTHxHEIGHT"
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q: expected WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// Detection classes after label alias mapping
const (
	ClassAllowed    = "allowed"
	ClassNotAllowed = "not_allowed"
)

// Box is a bounding box in pixel coordinates of the image it was computed on
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one classifier/detector output
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"` // classification, object
	Box        *Box    `json:"box,omitempty"`
}

// DetectionSnapshot is the value held by the detection cache slot.
// It is replaced whole and never mutated after publication.
type DetectionSnapshot struct {
	Detections []Detection
	FrameIndex uint64
	Resolution Resolution // resolution the detections were computed at
	UpdatedAt  time.Time
}
