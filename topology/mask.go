// File: topology/mask.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Affinity bitsets over processing unit numbers.

package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/momentics/hioload-rt/api"
)

// Mask identifies a set of processing units. The zero value is an empty mask.
// Masks returned by queries are private copies; mutate with Set/Clear only
// masks you own.
type Mask struct {
	set *bitset.BitSet
}

// MaskOf returns a mask with the given PUs set.
func MaskOf(pus ...int) Mask {
	var m Mask
	for _, pu := range pus {
		m.Set(pu)
	}
	return m
}

// Set adds pu to the mask.
func (m *Mask) Set(pu int) {
	if pu < 0 {
		return
	}
	if m.set == nil {
		m.set = bitset.New(uint(pu + 1))
	}
	m.set.Set(uint(pu))
}

// Clear removes pu from the mask.
func (m *Mask) Clear(pu int) {
	if m.set == nil || pu < 0 {
		return
	}
	m.set.Clear(uint(pu))
}

// Test reports whether pu is in the mask.
func (m Mask) Test(pu int) bool {
	return m.set != nil && pu >= 0 && m.set.Test(uint(pu))
}

// Any reports whether at least one PU is set.
func (m Mask) Any() bool { return m.set != nil && m.set.Any() }

// None reports whether the mask is empty.
func (m Mask) None() bool { return !m.Any() }

// Count returns the number of PUs in the mask.
func (m Mask) Count() int {
	if m.set == nil {
		return 0
	}
	return int(m.set.Count())
}

// First returns the lowest PU in the mask.
func (m Mask) First() (int, bool) {
	if m.set == nil {
		return 0, false
	}
	i, ok := m.set.NextSet(0)
	return int(i), ok
}

// PUs lists the PUs in ascending order.
func (m Mask) PUs() []int {
	if m.set == nil {
		return nil
	}
	out := make([]int, 0, m.set.Count())
	for i, ok := m.set.NextSet(0); ok; i, ok = m.set.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Equal reports whether both masks contain the same PUs.
func (m Mask) Equal(o Mask) bool {
	switch {
	case m.set == nil:
		return o.None()
	case o.set == nil:
		return m.None()
	}
	return m.set.SymmetricDifferenceCardinality(o.set) == 0
}

// Intersects reports whether the masks share a PU.
func (m Mask) Intersects(o Mask) bool {
	if m.set == nil || o.set == nil {
		return false
	}
	return m.set.IntersectionCardinality(o.set) > 0
}

// And returns the intersection of both masks.
func (m Mask) And(o Mask) Mask {
	if m.set == nil || o.set == nil {
		return Mask{}
	}
	return Mask{set: m.set.Intersection(o.set)}
}

// Or returns the union of both masks.
func (m Mask) Or(o Mask) Mask {
	switch {
	case m.set == nil:
		return o.Clone()
	case o.set == nil:
		return m.Clone()
	}
	return Mask{set: m.set.Union(o.set)}
}

// Clone returns an independent copy.
func (m Mask) Clone() Mask {
	if m.set == nil {
		return Mask{}
	}
	return Mask{set: m.set.Clone()}
}

// String renders the mask in cpulist form, e.g. "0-3,8".
func (m Mask) String() string {
	pus := m.PUs()
	if len(pus) == 0 {
		return ""
	}
	var sb strings.Builder
	start, prev := pus[0], pus[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if start == prev {
			sb.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&sb, "%d-%d", start, prev)
		}
	}
	for _, pu := range pus[1:] {
		if pu == prev+1 {
			prev = pu
			continue
		}
		flush()
		start, prev = pu, pu
	}
	flush()
	return sb.String()
}

// ParseMask parses a cpulist string such as "0-3,8,10-11".
func ParseMask(s string) (Mask, error) {
	var m Mask
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return Mask{}, api.Errorf(api.ErrCodeBadParameter, "invalid cpulist element %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return Mask{}, api.Errorf(api.ErrCodeBadParameter, "invalid cpulist range %q", part)
			}
		}
		for pu := first; pu <= last; pu++ {
			m.Set(pu)
		}
	}
	return m, nil
}
