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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/types"
)

// envReader applies PROCTOR_* overrides, collecting parse errors instead of
// silently keeping the default.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *envReader) fail(key, val string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, key, val, err))
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) integer(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if val, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) resolution(key string, dst *types.Resolution) {
	if val, ok := e.lookup(key); ok {
		r, err := types.ParseResolution(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = r
	}
}

// list reads a comma separated value; empty items are skipped
func (e *envReader) list(key string, dst *[]string) {
	if val, ok := e.lookup(key); ok {
		var out []string
		for _, item := range strings.Split(val, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func (e *envReader) source(prefix string, s *SourceConfig) {
	e.boolean(prefix+"_ENABLED", &s.Enabled)
	e.float(prefix+"_TARGET_FPS", &s.TargetFPS)
	e.integer(prefix+"_DETECTION_INTERVAL_FRAMES", &s.DetectionIntervalFrames)
	e.integer(prefix+"_JPEG_QUALITY", &s.JPEGQuality)
	e.resolution(prefix+"_DISPLAY_RESOLUTION", &s.DisplayResolution)
	e.resolution(prefix+"_DETECTION_RESOLUTION", &s.DetectionResolution)
	e.duration(prefix+"_CAPTURE_TIMEOUT", &s.CaptureTimeout)
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
