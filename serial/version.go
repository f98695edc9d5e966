package serial

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a semver triple parsed from the device's version banner, e.g.
// "EBBv13_and_above EB Firmware Version 3.0.1" -> {3,0,1}.
type Version struct {
	Major, Minor, Patch int
	Raw                 string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]int{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
	} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	return v.Compare(other) >= 0
}

// MinVersion returns a predicate usable by dependent components to gate
// firmware-version-specific commands (§4.A "Version gating").
func (v Version) MinVersion(min string) bool {
	mv, err := ParseVersion(min)
	if err != nil {
		return false
	}
	return v.AtLeast(mv)
}

// ParseVersion extracts a semver triple from a raw banner or bare version
// string. It accepts both "3.0.1" and banners like
// "EBBv13_and_above EB Firmware Version 3.0.1".
func ParseVersion(raw string) (Version, error) {
	fields := strings.Fields(raw)
	candidate := raw
	if len(fields) > 0 {
		candidate = fields[len(fields)-1]
	}
	parts := strings.Split(candidate, ".")
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("serial: cannot parse version from %q", raw)
	}
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return Version{}, fmt.Errorf("serial: cannot parse version from %q: %w", raw, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Raw: raw}, nil
}
