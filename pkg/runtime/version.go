package runtime

import (
	"fmt"
	"regexp"

	"github.com/blang/semver"

	"github.com/hutchlabs/hutch/pkg/types"
)

// UnknownVersion is reported when version text cannot be parsed.
// An unparseable version never fails a probe on its own.
const UnknownVersion = "unknown"

var (
	dockerVersionPattern  = regexp.MustCompile(`Docker version (\d+\.\d+\.\d+)`)
	podmanVersionPattern  = regexp.MustCompile(`podman version (\d+\.\d+(?:\.\d+)?)`)
	genericVersionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)
)

// parseVersionText extracts a normalized semantic version from engine
// version output, trying the engine-specific pattern before the generic one.
func parseVersionText(kind types.RuntimeKind, text string) string {
	var match string

	switch kind {
	case types.RuntimeDocker:
		if m := dockerVersionPattern.FindStringSubmatch(text); m != nil {
			match = m[1]
		}
	case types.RuntimePodman:
		if m := podmanVersionPattern.FindStringSubmatch(text); m != nil {
			match = m[1]
		}
	}

	if match == "" {
		match = genericVersionPattern.FindString(text)
	}
	if match == "" {
		return UnknownVersion
	}

	v, err := semver.ParseTolerant(match)
	if err != nil {
		return UnknownVersion
	}
	return v.String()
}

// Requirements bounds the acceptable engine version range
type Requirements struct {
	MinVersion string
	MaxVersion string
}

// CompatReport is the result of a compatibility validation. Incompatibility
// is a reportable condition, not an error.
type CompatReport struct {
	Kind            types.RuntimeKind
	Version         string
	Compatible      bool
	Issues          []string
	Recommendations []string
}

// ValidateCompatibility checks a probed runtime against version requirements.
// Comparison is numeric and dot-segment-wise; missing segments count as zero.
func (d *Detector) ValidateCompatibility(kind types.RuntimeKind, reqs Requirements) CompatReport {
	report := CompatReport{Kind: kind, Compatible: true}

	desc := d.Probe(kind)
	report.Version = desc.Version

	if !desc.Available {
		report.Compatible = false
		report.Issues = append(report.Issues, fmt.Sprintf("%s is not available: %s", kind, desc.Error))
		report.Recommendations = append(report.Recommendations, fmt.Sprintf("install %s or start its daemon", kind))
		return report
	}

	if desc.Version == UnknownVersion {
		report.Issues = append(report.Issues, "engine version could not be determined")
		report.Recommendations = append(report.Recommendations, "verify the engine CLI reports a standard version string")
		return report
	}

	actual, err := semver.ParseTolerant(desc.Version)
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("unparseable engine version %q", desc.Version))
		return report
	}

	if reqs.MinVersion != "" {
		min, err := semver.ParseTolerant(reqs.MinVersion)
		if err == nil && actual.LT(min) {
			report.Compatible = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s %s is older than the minimum supported %s", kind, desc.Version, min))
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("upgrade %s to %s or newer", kind, min))
		}
	}

	if reqs.MaxVersion != "" {
		max, err := semver.ParseTolerant(reqs.MaxVersion)
		if err == nil && actual.GT(max) {
			report.Compatible = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s %s is newer than the maximum supported %s", kind, desc.Version, max))
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("pin %s at %s or older", kind, max))
		}
	}

	return report
}
