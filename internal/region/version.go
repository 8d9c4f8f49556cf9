package region

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// encodeVersion packs a semver major/minor/patch triple into the single
// header word available for it. Pre-release and build metadata are not
// representable and are dropped: the format version gates structural
// layout compatibility, not informational release metadata.
func encodeVersion(v *semver.Version) uint64 {
	return v.Major()*1_000_000 + v.Minor()*1_000 + v.Patch()
}

func decodeVersion(word uint64) *semver.Version {
	major := word / 1_000_000
	rem := word % 1_000_000
	minor := rem / 1_000
	patch := rem % 1_000

	v, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
	if err != nil {
		// Unreachable: every component is a small non-negative integer.
		return semver.MustParse("0.0.0")
	}

	return v
}
