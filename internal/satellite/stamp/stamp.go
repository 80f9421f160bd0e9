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

// Package stamp defines the marker interface for a replication
// checkpoint. No type in the engine implements it: the `lsn` meta
// value (§3) is persisted by the apply engine as a decimal string.
package stamp

// A Stamp is an opaque checkpoint value. An implementation carries
// whatever progress information a particular replication loop needs
// to resume correctly.
type Stamp interface {
	// isStamp is unexported so that Stamp can only be implemented
	// within this module.
	isStamp()
}

// Comparable is implemented by Stamps that support ordering.
type Comparable interface {
	Stamp
	// Less reports whether this Stamp represents strictly less
	// progress than other.
	Less(other Stamp) bool
}
