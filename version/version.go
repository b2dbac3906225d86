// Package version reports how the pulsejob binary was built.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// Build information, set at build time via
//
//	-ldflags "-X github.com/teranos/pulsejob/version.Version=v0.3.0 ..."
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("pulsejob %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// Release parses Version as a semantic version. Dev builds report false.
func (i Info) Release() (*semver.Version, bool) {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Satisfies checks the running build against a constraint such as ">= 0.3".
// Dev builds satisfy every well-formed constraint.
func Satisfies(constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %s: %w", constraint, err)
	}
	v, ok := Get().Release()
	if !ok {
		return nil
	}
	if !c.Check(v) {
		return fmt.Errorf("configuration requires pulsejob %s, but running %s", constraint, v)
	}
	return nil
}

// LogFields returns key/value pairs for a startup log line.
func (i Info) LogFields() []interface{} {
	return []interface{}{"version", i.Version, "commit", i.Short(), "go", i.GoVersion}
}

// Collector exposes pulsejob_build_info, a constant 1 labelled with the build.
func Collector() prometheus.Collector {
	i := Get()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pulsejob_build_info",
		Help: "Build information of the running pulsejob binary.",
		ConstLabels: prometheus.Labels{
			"version":    i.Version,
			"commit":     i.Short(),
			"go_version": i.GoVersion,
		},
	}, func() float64 { return 1 })
}
