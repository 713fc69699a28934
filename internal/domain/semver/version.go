package semver

import (
	"math"
	"strconv"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
)

// Keyword names the segment a bump increments.
type Keyword string

const (
	// Major increments the major segment and zeroes minor and patch.
	Major Keyword = "major"
	// Minor increments the minor segment and zeroes patch.
	Minor Keyword = "minor"
	// Patch increments the patch segment.
	Patch Keyword = "patch"
)

// Version is a major.minor.patch triple.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
}

// ParseKeyword reports whether s is a bump keyword.
func ParseKeyword(s string) (Keyword, bool) {
	switch k := Keyword(s); k {
	case Major, Minor, Patch:
		return k, true
	default:
		return "", false
	}
}

// IsKeyword reports whether s is one of major, minor or patch.
func IsKeyword(s string) bool {
	_, ok := ParseKeyword(s)

	return ok
}

// Parse reads the first three dot-separated segments of text.
// Each segment contributes its leading decimal digits; anything else is zero.
// Segments wider than uint64 saturate at math.MaxUint64.
func Parse(text string) Version {
	var segments [3]uint64

	for i, part := range strings.SplitN(text, ".", len(segments)+1) {
		if i == len(segments) {
			break
		}

		segments[i] = leadingNumber(part)
	}

	return Version{
		Major: segments[0],
		Minor: segments[1],
		Patch: segments[2],
	}
}

// Bump returns v with the segment named by k incremented and every lower segment zeroed.
// Unknown keywords return v unchanged. A segment at math.MaxUint64 is not
// incremented, so the result is never lower than v in that segment.
func (v Version) Bump(k Keyword) Version {
	switch k {
	case Major:
		return Version{Major: increment(v.Major)}
	case Minor:
		return Version{Major: v.Major, Minor: increment(v.Minor)}
	case Patch:
		return Version{Major: v.Major, Minor: v.Minor, Patch: increment(v.Patch)}
	default:
		return v
	}
}

func increment(n uint64) uint64 {
	if n == math.MaxUint64 {
		return n
	}

	return n + 1
}

// String renders v as "M.m.p".
func (v Version) String() string {
	return strconv.FormatUint(v.Major, 10) + "." +
		strconv.FormatUint(v.Minor, 10) + "." +
		strconv.FormatUint(v.Patch, 10)
}

// Resolve computes the version to publish.
//
// An empty request keeps previous, a bump keyword bumps previous, and any other
// value is returned as is.
func Resolve(requested, previous string) string {
	if requested == "" {
		return previous
	}

	if k, ok := ParseKeyword(requested); ok {
		return Parse(previous).Bump(k).String()
	}

	return requested
}

// IsUpgrade reports whether a browser would consider next newer than previous.
// Either side failing to parse counts as no upgrade.
func IsUpgrade(previous, next string) bool {
	prev, err := mmsemver.NewVersion(previous)
	if err != nil {
		return false
	}

	nxt, err := mmsemver.NewVersion(next)
	if err != nil {
		return false
	}

	return nxt.GreaterThan(prev)
}

// leadingNumber parses the decimal prefix of s after trimming spaces.
func leadingNumber(s string) uint64 {
	s = strings.TrimSpace(s)

	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	if end == 0 {
		return 0
	}

	n, err := strconv.ParseUint(s[:end], 10, 64)
	if err != nil {
		// Only ErrRange is possible for a digit-only prefix.
		return math.MaxUint64
	}

	return n
}
