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

//go:build !linux

package capture

import (
	"runtime"

	"github.com/kube-zen/zen-proctor/pkg/config"
	proctorerrors "github.com/kube-zen/zen-proctor/pkg/errors"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

func openWebcam(cfg config.SourceConfig) (Source, error) {
	return nil, proctorerrors.NewDeviceUnavailable(string(types.SourceWebcam), "UNSUPPORTED_PLATFORM",
		"webcam capture is not available on "+runtime.GOOS, nil)
}
