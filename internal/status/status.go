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

// Package status carries the agent's canonical gRPC-style status codes
// across the supervisor, instance store, sandbox planner and RPC
// dispatcher so that every handler maps errors the same way.
package status

import (
	"errors"
	"fmt"
)

// Code is the small-int status enumeration used throughout the agent.
// Values and names match the canonical gRPC status codes so the control
// plane can reuse its existing error-handling paths.
type Code int32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = map[Code]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Status is the typed error every handler in the core returns instead of
// a bare error. It satisfies the error interface so it composes with
// fmt.Errorf("%w", ...) and errors.As.
type Status struct {
	Code    Code
	Message string
	// cause is kept for %w-style unwrapping without polluting Message,
	// which is what callers (and the tunnel's resp frame) actually see.
	cause error
}

func (s *Status) Error() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

func (s *Status) Unwrap() error { return s.cause }

// New builds a Status with the given code and formatted message.
func New(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Status that also carries cause for unwrapping, used when
// an internal error needs to surface as e.g. INTERNAL without losing the
// original cause for logging.
func Wrap(code Code, cause error, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NotFoundf is a convenience constructor for the agent's most common
// status: an instance or process id that isn't known.
func NotFoundf(format string, args ...any) *Status {
	return New(NotFound, format, args...)
}

// InvalidArgumentf is a convenience constructor for validation failures.
func InvalidArgumentf(format string, args ...any) *Status {
	return New(InvalidArgument, format, args...)
}

// FailedPreconditionf is a convenience constructor for state-refusal
// errors (delete/update while running, duplicate start, etc).
func FailedPreconditionf(format string, args ...any) *Status {
	return New(FailedPrecondition, format, args...)
}

// Internalf is a convenience constructor for unexpected failures.
func Internalf(cause error, format string, args ...any) *Status {
	return Wrap(Internal, cause, format, args...)
}

// Unavailablef is a convenience constructor for transient failures
// (tunnel flap, missing runtime socket, image pull failure).
func Unavailablef(format string, args ...any) *Status {
	return New(Unavailable, format, args...)
}

// FromError coerces any error into a Status, defaulting to Internal for
// errors that weren't already typed.
func FromError(err error) *Status {
	if err == nil {
		return nil
	}
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return Internalf(err, "%s", err.Error())
}
