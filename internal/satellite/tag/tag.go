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

// Package tag implements the Tag Algebra (spec §4.1): causal markers
// of the form "<origin>@<ms-timestamp>" attached to every oplog
// entry's clearTags and every shadow row's tags set. Comparisons are
// by exact equality only; ordering across origins falls back to the
// embedded timestamp with a stable origin-string tiebreak, the same
// Compare-by-value idiom the teacher uses for hlc.Time
// (hlc.Compare/hlc.New/hlc.Zero, see internal/util/msort/msort.go and
// internal/source/cdc/resolver.go in the teacher tree).
package tag

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tag is a single causal marker: the writer's origin and the
// wall-clock millisecond timestamp of the write that produced it.
type Tag struct {
	Origin string
	Millis int64
}

// Generate creates a new Tag for a write made by origin at the given
// millisecond timestamp.
func Generate(origin string, millis int64) Tag {
	return Tag{Origin: origin, Millis: millis}
}

// String renders the wire form "<origin>@<millis>".
func (t Tag) String() string {
	return fmt.Sprintf("%s@%d", t.Origin, t.Millis)
}

// Parse parses the wire form "<origin>@<millis>".
func Parse(raw string) (Tag, error) {
	idx := strings.LastIndex(raw, "@")
	if idx < 0 {
		return Tag{}, errors.Errorf("malformed tag %q", raw)
	}
	millis, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return Tag{}, errors.Wrapf(err, "malformed tag %q", raw)
	}
	return Tag{Origin: raw[:idx], Millis: millis}, nil
}

// Compare orders two Tags by timestamp, breaking exact ties on the
// origin string for determinism. It does not imply causal order,
// only a stable total order for LWW tiebreaking.
func Compare(a, b Tag) int {
	switch {
	case a.Millis < b.Millis:
		return -1
	case a.Millis > b.Millis:
		return 1
	case a.Origin < b.Origin:
		return -1
	case a.Origin > b.Origin:
		return 1
	default:
		return 0
	}
}

// Set is an unordered collection of Tags. The zero value is an empty
// set. Sets are immutable from the perspective of Union/Difference:
// both return new sets.
type Set map[Tag]struct{}

// NewSet builds a Set from the given Tags.
func NewSet(tags ...Tag) Set {
	s := make(Set, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Contains reports whether t is a member of the set.
func (s Set) Contains(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool { return len(s) == 0 }

// Union returns a new Set containing every Tag in s or other.
func (s Set) Union(other Set) Set {
	ret := make(Set, len(s)+len(other))
	for t := range s {
		ret[t] = struct{}{}
	}
	for t := range other {
		ret[t] = struct{}{}
	}
	return ret
}

// Difference returns a new Set containing every Tag in s that is not
// also in other.
func (s Set) Difference(other Set) Set {
	ret := make(Set, len(s))
	for t := range s {
		if !other.Contains(t) {
			ret[t] = struct{}{}
		}
	}
	return ret
}

// Slice returns the set's members in canonical (sorted) order.
func (s Set) Slice() []Tag {
	ret := make([]Tag, 0, len(s))
	for t := range s {
		ret = append(ret, t)
	}
	sort.Slice(ret, func(i, j int) bool { return Compare(ret[i], ret[j]) < 0 })
	return ret
}

// Encode renders the set as its canonical wire/storage form: a JSON
// array of "<origin>@<millis>" strings in sorted order, so that two
// equal sets always encode to identical bytes.
func (s Set) Encode() (string, error) {
	sorted := s.Slice()
	strs := make([]string, len(sorted))
	for i, t := range sorted {
		strs[i] = t.String()
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", errors.Wrap(err, "tag: encode")
	}
	return string(b), nil
}

// Decode parses the canonical JSON-array wire form produced by
// Encode.
func Decode(raw string) (Set, error) {
	if raw == "" {
		return Set{}, nil
	}
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil, errors.Wrapf(err, "tag: decode %q", raw)
	}
	ret := make(Set, len(strs))
	for _, raw := range strs {
		t, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		ret[t] = struct{}{}
	}
	return ret, nil
}

// LatestMillis returns the greatest embedded timestamp in the set, or
// zero if the set is empty: a set-level mapping from a tag set to a
// wall-clock value (spec §4.1). The merge engine does not call it; it
// compares contribution timestamps directly.
func (s Set) LatestMillis() int64 {
	var max int64
	for t := range s {
		if t.Millis > max {
			max = t.Millis
		}
	}
	return max
}
