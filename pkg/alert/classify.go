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

// Package alert turns observations and detection snapshots into events,
// assigns their severity and synthesizes alerts for the serious ones.
package alert

import (
	"strings"

	"github.com/kube-zen/zen-proctor/pkg/config"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Thresholds parameterize Classify
type Thresholds struct {
	DetectionConfidence float64
	AICategories        []string
	AlertMinSeverity    types.Severity
}

// ThresholdsFrom converts the configuration form
func ThresholdsFrom(c config.SeverityThresholds) Thresholds {
	return Thresholds{
		DetectionConfidence: c.DetectionConfidence,
		AICategories:        c.AICategories,
		AlertMinSeverity:    c.MinSeverity(),
	}
}

func (t Thresholds) isAICategory(category string) bool {
	for _, c := range t.AICategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// SeverityInput is everything severity depends on
type SeverityInput struct {
	Kind        types.EventKind
	Match       *types.PolicyMatch // nil when nothing on the blocklist matched
	ExplicitURL bool               // the URL was read, not inferred from a title
	Allowed     bool               // host is on the allow list
	Detections  []types.Detection
}

// Classify assigns a severity. It is a pure function of its inputs. The bool
// is false when the input does not warrant an event at all, which is the case
// for detection input without any not-allowed detection.
func Classify(in SeverityInput, t Thresholds) (types.Severity, bool) {
	if in.Kind == types.EventDetection {
		top, found := topNotAllowed(in.Detections)
		switch {
		case !found:
			return "", false
		case top > t.DetectionConfidence:
			return types.SeverityCritical, true
		default:
			return types.SeverityLow, true
		}
	}

	switch {
	case in.Match != nil && t.isAICategory(in.Match.Category):
		return types.SeverityCritical, true
	case in.Match != nil:
		return types.SeverityHigh, true
	case in.Kind == types.EventURLAccess && in.ExplicitURL && !in.Allowed:
		return types.SeverityMedium, true
	default:
		return types.SeverityLow, true
	}
}

// topNotAllowed returns the highest not-allowed confidence
func topNotAllowed(dets []types.Detection) (float64, bool) {
	top, found := 0.0, false
	for _, d := range dets {
		if d.Class != types.ClassNotAllowed {
			continue
		}
		if !found || d.Confidence > top {
			top = d.Confidence
		}
		found = true
	}
	return top, found
}

// EventKindOf maps an observation to the event kind it produces
func EventKindOf(obs types.Observation) types.EventKind {
	switch {
	case obs.Kind == types.ObservationProcess:
		return types.EventAppOpen
	case obs.URL != "":
		return types.EventURLAccess
	default:
		return types.EventWindowChange
	}
}
