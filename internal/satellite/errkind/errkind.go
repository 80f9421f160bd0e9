// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package errkind defines the classified error kinds the connection
// controller dispatches on (spec §7), following the teacher's typed
// sentinel-error idiom (types.LeaseBusyError / types.IsLeaseBusy).
package errkind

import "github.com/pkg/errors"

// Kind classifies an engine error for the connection controller's
// dispatch logic (spec §7).
type Kind int

const (
	Internal Kind = iota
	AuthRequired
	AuthExpired
	BehindWindow
	ConnectionCancelledByDisconnect
	TableNotFound
	SubscriptionAlreadyExists
	FKViolation
	ShapeDeliveryError
)

func (k Kind) String() string {
	switch k {
	case AuthRequired:
		return "AUTH_REQUIRED"
	case AuthExpired:
		return "AUTH_EXPIRED"
	case BehindWindow:
		return "BEHIND_WINDOW"
	case ConnectionCancelledByDisconnect:
		return "CONNECTION_CANCELLED_BY_DISCONNECT"
	case TableNotFound:
		return "TABLE_NOT_FOUND"
	case SubscriptionAlreadyExists:
		return "SUBSCRIPTION_ALREADY_EXISTS"
	case FKViolation:
		return "FK_VIOLATION"
	case ShapeDeliveryError:
		return "SHAPE_DELIVERY_ERROR"
	default:
		return "INTERNAL"
	}
}

// Error is a classified engine error: a Kind plus the underlying
// cause.
type Error struct {
	Kind  Kind
	Cause error
}

// New constructs a classified Error, wrapping cause with a stack
// trace.
func New(kind Kind, cause error) *Error {
	if cause == nil {
		cause = errors.New(kind.String())
	}
	return &Error{Kind: kind, Cause: errors.WithStack(cause)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Cause.Error()
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// As extracts the Kind of err, if it (or something it wraps) is an
// *Error.
func As(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return Internal, false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}
