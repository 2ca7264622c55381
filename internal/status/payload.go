// Copyright 2024 The Alloy Agent Authors.
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

package status

import (
	"encoding/json"
	"unicode/utf8"
)

// errorJSONSentinel prefixes a validation Status's Message when it
// carries a structured payload, so a plain-text reader still gets a
// readable line while a control-plane client can split on the sentinel
// and unmarshal the rest.
const errorJSONSentinel = "ALLOY_ERROR_JSON:"

const (
	maxFieldMessageBytes = 4 * 1024
	maxOverallBytes      = 32 * 1024
	maxHintBytes         = 8 * 1024
)

// ValidationPayload is the structured body embedded in an
// INVALID_ARGUMENT Status message.
type ValidationPayload struct {
	Code         Code              `json:"code"`
	Message      string            `json:"message"`
	FieldErrors  map[string]string `json:"field_errors,omitempty"`
	Hint         string            `json:"hint,omitempty"`
}

// Validation builds an INVALID_ARGUMENT Status whose Message embeds the
// sentinel-prefixed JSON payload, truncating each part to its configured
// cap at a valid UTF-8 boundary and appending "…(truncated)" when it had
// to cut.
func Validation(message string, fieldErrors map[string]string, hint string) *Status {
	p := ValidationPayload{
		Code:        InvalidArgument,
		Message:     truncate(message, maxOverallBytes),
		Hint:        truncate(hint, maxHintBytes),
	}
	if len(fieldErrors) > 0 {
		p.FieldErrors = make(map[string]string, len(fieldErrors))
		for field, msg := range fieldErrors {
			p.FieldErrors[field] = truncate(msg, maxFieldMessageBytes)
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Marshaling a plain struct of strings cannot fail; fall back to
		// the bare message if it somehow did.
		return New(InvalidArgument, "%s", message)
	}
	return New(InvalidArgument, "%s%s", errorJSONSentinel, b)
}

// truncate cuts s to at most max bytes on a valid UTF-8 boundary,
// appending a "…(truncated)" suffix when it had to cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const suffix = "…(truncated)"
	budget := max - len(suffix)
	if budget < 0 {
		budget = 0
	}
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

// ParseValidation extracts a ValidationPayload from a Status message that
// was built by Validation, reporting ok=false if the message carries no
// sentinel (a plain validation error with no structured fields).
func ParseValidation(message string) (ValidationPayload, bool) {
	if len(message) < len(errorJSONSentinel) || message[:len(errorJSONSentinel)] != errorJSONSentinel {
		return ValidationPayload{}, false
	}
	var p ValidationPayload
	if err := json.Unmarshal([]byte(message[len(errorJSONSentinel):]), &p); err != nil {
		return ValidationPayload{}, false
	}
	return p, true
}
