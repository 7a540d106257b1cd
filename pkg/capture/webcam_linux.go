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

//go:build linux

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

const (
	fourccMJPEG webcam.PixelFormat = 0x47504A4D // 'MJPG'
	fourccYUYV  webcam.PixelFormat = 0x56595559 // 'YUYV'
)

// webcamSource reads a V4L2 device. The driver queues frames in kernel buffers;
// every Capture drains them and decodes only the newest one.
type webcamSource struct {
	cfg    config.SourceConfig
	mu     sync.Mutex // serializes device access, including Close
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
	seq    seqCounter
	closed bool
}

func openWebcam(cfg config.SourceConfig) (Source, error) {
	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "OPEN_FAILED",
			"cannot open "+cfg.Device, err)
	}

	format, err := pickFormat(cam.GetSupportedFormats())
	if err != nil {
		cam.Close()
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "NO_FORMAT", cfg.Device, err)
	}

	want := cfg.CaptureResolution
	if want.IsZero() {
		want = types.Resolution{Width: 640, Height: 480}
	}
	format, w, h, err := cam.SetImageFormat(format, uint32(want.Width), uint32(want.Height))
	if err != nil {
		cam.Close()
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "SET_FORMAT_FAILED", cfg.Device, err)
	}
	// Few kernel buffers keep the backlog short.
	if err := cam.SetBufferCount(2); err != nil {
		logger.Debug("Webcam buffer count not applied",
			logger.Fields{Component: "capture", Operation: "open", Source: string(types.SourceWebcam), Error: err})
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "STREAM_FAILED", cfg.Device, err)
	}

	logger.Info("Webcam source opened",
		logger.Fields{
			Component: "capture",
			Operation: "open",
			Source:    string(types.SourceWebcam),
			Additional: map[string]interface{}{
				"device": cfg.Device,
				"width":  w,
				"height": h,
				"format": fmt.Sprintf("%#x", uint32(format)),
			},
		})
	return &webcamSource{cfg: cfg, cam: cam, format: format, width: int(w), height: int(h)}, nil
}

func pickFormat(supported map[webcam.PixelFormat]string) (webcam.PixelFormat, error) {
	if _, ok := supported[fourccMJPEG]; ok {
		return fourccMJPEG, nil
	}
	if _, ok := supported[fourccYUYV]; ok {
		return fourccYUYV, nil
	}
	return 0, errors.New("device supports neither MJPEG nor YUYV")
}

func (s *webcamSource) Kind() types.SourceKind { return types.SourceWebcam }

func (s *webcamSource) Capture(ctx context.Context) (*types.Frame, error) {
	img, err := captureWithTimeout(ctx, types.SourceWebcam, s.cfg.CaptureTimeout, s.grabLatest)
	if err != nil {
		return nil, err
	}
	return newFrame(types.SourceWebcam, s.seq.next(), img), nil
}

// grabLatest waits for one frame, then discards everything already buffered
// behind it so the returned image is the newest the device has.
func (s *webcamSource) grabLatest() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "CLOSED", "source is closed", nil)
	}

	waitSeconds := uint32(math.Ceil(s.cfg.CaptureTimeout.Seconds()))
	if err := s.cam.WaitForFrame(waitSeconds); err != nil {
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "NO_FRAME", "no frame within deadline", err)
		}
		return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "WAIT_FAILED", "device wait failed", err)
	}

	var latest []byte
	for {
		buf, err := s.cam.ReadFrame()
		if err != nil {
			return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "READ_FAILED", "frame read failed", err)
		}
		if len(buf) > 0 {
			latest = append(latest[:0], buf...)
		}
		if err := s.cam.WaitForFrame(0); err != nil {
			break // nothing else buffered
		}
	}
	if len(latest) == 0 {
		return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "EMPTY_FRAME", "device returned an empty frame", nil)
	}
	return s.decode(latest)
}

func (s *webcamSource) decode(buf []byte) (image.Image, error) {
	switch s.format {
	case fourccMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "DECODE_FAILED", "mjpeg decode failed", err)
		}
		return img, nil
	default:
		return yuyvToImage(buf, s.width, s.height)
	}
}

// yuyvToImage wraps packed 4:2:2 data in an image.YCbCr
func yuyvToImage(buf []byte, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "BAD_GEOMETRY",
			fmt.Sprintf("yuyv frame size %dx%d needs a positive even width", width, height), nil)
	}
	if len(buf) < width*height*2 {
		return nil, proctorerrors.NewCaptureTimeout(string(types.SourceWebcam), "SHORT_FRAME",
			fmt.Sprintf("yuyv frame has %d bytes, want %d", len(buf), width*height*2), nil)
	}
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := buf[y*width*2:]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			c := y*img.CStride + x/2
			img.Cb[c] = row[i+1]
			img.Cr[c] = row[i+3]
		}
	}
	return img, nil
}

func (s *webcamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.cam.StopStreaming()
	err := s.cam.Close()
	logger.Debug("Webcam source closed",
		logger.Fields{Component: "capture", Operation: "close", Source: string(types.SourceWebcam), Error: err})
	return err
}
