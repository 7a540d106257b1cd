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

package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"

	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	proctorhttp "github.com/kube-zen/zen-proctor/pkg/http"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

const detectorJPEGQuality = 85

// HTTPDetector posts JPEG images to an inference service and maps its labels.
//
// Request:  POST <url>, Content-Type: image/jpeg
// Response: {"detections":[{"class":"nao_permitido","confidence":0.91,"type":"classification","box":[x1,y1,x2,y2]}]}
type HTTPDetector struct {
	client  *proctorhttp.HardenedHTTPClient
	url     string
	aliases map[string]string
}

type detectResponse struct {
	Detections []struct {
		Class      string    `json:"class"`
		Confidence float64   `json:"confidence"`
		Type       string    `json:"type"`
		Box        []float64 `json:"box"`
	} `json:"detections"`
}

// NewHTTPDetector creates a detector for cfg.URL
func NewHTTPDetector(cfg config.DetectorConfig, client *proctorhttp.HardenedHTTPClient) *HTTPDetector {
	aliases := make(map[string]string, len(cfg.LabelAliases))
	for k, v := range cfg.LabelAliases {
		aliases[strings.ToLower(k)] = v
	}
	return &HTTPDetector{client: client, url: cfg.URL, aliases: aliases}
}

// Detect implements Detector
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, img, &jpeg.Options{Quality: detectorJPEGQuality}); err != nil {
		return nil, proctorerrors.NewDetectionFailure("detector", "ENCODE_FAILED", "cannot encode detector input", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, &body)
	if err != nil {
		return nil, proctorerrors.NewDetectionFailure("detector", "BAD_REQUEST", "cannot build detector request", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	var resp detectResponse
	if err := d.client.DoJSON(req, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, proctorerrors.NewDetectionFailure("detector", "REQUEST_FAILED", "detector request failed", err)
	}

	out := make([]types.Detection, 0, len(resp.Detections))
	for _, raw := range resp.Detections {
		if raw.Confidence < 0 || raw.Confidence > 1 {
			return nil, proctorerrors.NewDetectionFailure("detector", "BAD_CONFIDENCE",
				fmt.Sprintf("confidence %v outside [0,1]", raw.Confidence), nil)
		}
		det := types.Detection{
			Class:      d.mapLabel(raw.Class),
			Confidence: raw.Confidence,
			Type:       raw.Type,
		}
		if det.Type == "" {
			det.Type = "classification"
		}
		if len(raw.Box) == 4 {
			det.Box = &types.Box{X1: raw.Box[0], Y1: raw.Box[1], X2: raw.Box[2], Y2: raw.Box[3]}
		}
		out = append(out, det)
	}
	return out, nil
}

func (d *HTTPDetector) mapLabel(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if mapped, ok := d.aliases[l]; ok {
		return mapped
	}
	return l
}
