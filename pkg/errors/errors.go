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

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// DEVICE_UNAVAILABLE indicates a capture device could not be opened or was lost
	DEVICE_UNAVAILABLE ErrorCategory = "DEVICE_UNAVAILABLE"
	// CAPTURE_TIMEOUT indicates a device read exceeded its deadline
	CAPTURE_TIMEOUT ErrorCategory = "CAPTURE_TIMEOUT"
	// ENCODE_FAILURE indicates a frame could not be resized or compressed
	ENCODE_FAILURE ErrorCategory = "ENCODE_FAILURE"
	// DETECTION_FAILURE indicates the detector errored or timed out
	DETECTION_FAILURE ErrorCategory = "DETECTION_FAILURE"
	// NETWORK_FAILURE indicates a transport or HTTP failure
	NETWORK_FAILURE ErrorCategory = "NETWORK_FAILURE"
	// AUTHENTICATION_FAILURE indicates the server rejected our credentials
	AUTHENTICATION_FAILURE ErrorCategory = "AUTHENTICATION_FAILURE"
	// CONFIG_ERROR indicates a configuration error
	CONFIG_ERROR ErrorCategory = "CONFIG_ERROR"
)

// Sentinels for errors.Is matching by category.
var (
	ErrDeviceUnavailable     = &ProctorError{Category: DEVICE_UNAVAILABLE}
	ErrCaptureTimeout        = &ProctorError{Category: CAPTURE_TIMEOUT}
	ErrEncodeFailure         = &ProctorError{Category: ENCODE_FAILURE}
	ErrDetectionFailure      = &ProctorError{Category: DETECTION_FAILURE}
	ErrNetworkFailure        = &ProctorError{Category: NETWORK_FAILURE}
	ErrAuthenticationFailure = &ProctorError{Category: AUTHENTICATION_FAILURE}
	ErrConfig                = &ProctorError{Category: CONFIG_ERROR}
)

// ProctorError represents a categorized monitoring error
type ProctorError struct {
	Category    ErrorCategory
	Source      string
	Code        string
	Message     string
	OriginalErr error
}

func (e *ProctorError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %s (source: %s): %v",
			e.Category, e.Code, e.Message, e.Source, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s: %s (source: %s)",
		e.Category, e.Code, e.Message, e.Source)
}

// Unwrap returns the underlying error
func (e *ProctorError) Unwrap() error {
	return e.OriginalErr
}

// Is reports whether target is a ProctorError of the same category.
// A target with a Code also has to match the code.
func (e *ProctorError) Is(target error) bool {
	t, ok := target.(*ProctorError)
	if !ok {
		return false
	}
	if t.Category != e.Category {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// CategoryOf returns the category of the first ProctorError in err's chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var pe *ProctorError
	if stderrors.As(err, &pe) {
		return pe.Category, true
	}
	return "", false
}

// IsTransient reports whether err should be absorbed by the component that saw it.
func IsTransient(err error) bool {
	cat, ok := CategoryOf(err)
	if !ok {
		return false
	}
	switch cat {
	case CAPTURE_TIMEOUT, ENCODE_FAILURE, DETECTION_FAILURE, NETWORK_FAILURE:
		return true
	}
	return false
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	cat, ok := CategoryOf(err)
	return ok && (cat == AUTHENTICATION_FAILURE || cat == CONFIG_ERROR)
}

func newError(cat ErrorCategory, source, code, message string, err error) *ProctorError {
	return &ProctorError{
		Category:    cat,
		Source:      source,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}

// NewDeviceUnavailable creates a new DEVICE_UNAVAILABLE error
func NewDeviceUnavailable(source, code, message string, err error) *ProctorError {
	return newError(DEVICE_UNAVAILABLE, source, code, message, err)
}

// NewCaptureTimeout creates a new CAPTURE_TIMEOUT error
func NewCaptureTimeout(source, code, message string, err error) *ProctorError {
	return newError(CAPTURE_TIMEOUT, source, code, message, err)
}

// NewEncodeFailure creates a new ENCODE_FAILURE error
func NewEncodeFailure(source, code, message string, err error) *ProctorError {
	return newError(ENCODE_FAILURE, source, code, message, err)
}

// NewDetectionFailure creates a new DETECTION_FAILURE error
func NewDetectionFailure(source, code, message string, err error) *ProctorError {
	return newError(DETECTION_FAILURE, source, code, message, err)
}

// NewNetworkFailure creates a new NETWORK_FAILURE error
func NewNetworkFailure(source, code, message string, err error) *ProctorError {
	return newError(NETWORK_FAILURE, source, code, message, err)
}

// NewAuthenticationFailure creates a new AUTHENTICATION_FAILURE error
func NewAuthenticationFailure(source, code, message string, err error) *ProctorError {
	return newError(AUTHENTICATION_FAILURE, source, code, message, err)
}

// NewConfigError creates a new CONFIG_ERROR
func NewConfigError(source, code, message string, err error) *ProctorError {
	return newError(CONFIG_ERROR, source, code, message, err)
}
