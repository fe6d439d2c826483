// Copyright (c) 2026 The Mezzo Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resources

// Hints pairs the amount a framework may be offered with the floor
// the master commits to keep reserved on the agent. Invariant:
// Guaranteed is contained in Expected.
type Hints struct {
	Expected   Resources `json:"expected" yaml:"expected"`
	Guaranteed Resources `json:"guaranteed,omitempty" yaml:"guaranteed,omitempty"`
}

// NewHints builds a Hints pair, clamping the guaranteed floor into the
// expected amount so the invariant holds by construction.
func NewHints(expected, guaranteed Resources) Hints {
	return Hints{
		Expected:   expected,
		Guaranteed: Minimum(guaranteed, expected),
	}
}

// Add folds another pair into this one componentwise.
func (h Hints) Add(other Hints) Hints {
	return Hints{
		Expected:   h.Expected.Add(other.Expected),
		Guaranteed: h.Guaranteed.Add(other.Guaranteed),
	}
}

// Subtract removes another pair componentwise, clamped like
// Resources.Subtract.
func (h Hints) Subtract(other Hints) Hints {
	return Hints{
		Expected:   h.Expected.Subtract(other.Expected),
		Guaranteed: h.Guaranteed.Subtract(other.Guaranteed),
	}
}

// Empty reports whether nothing usable remains in the pair.
func (h Hints) Empty() bool {
	return h.Expected.Empty() && h.Guaranteed.Empty()
}

func (h Hints) String() string {
	if h.Guaranteed.Empty() {
		return h.Expected.String()
	}
	return h.Expected.String() + " (guaranteed " + h.Guaranteed.String() + ")"
}
