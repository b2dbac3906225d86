package am

import (
	"os"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/teranos/pulsejob/errors"
)

// FileReport lists keys in one configuration file that no setting reads.
type FileReport struct {
	Source  SourceInfo
	Unknown []string
}

// UnknownKeys decodes path strictly against Config and returns the keys it
// did not recognise, such as a misspelt "pulse.wokers".
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	var keys []string
	for _, k := range md.Undecoded() {
		keys = append(keys, k.String())
	}
	slices.Sort(keys)
	return keys, nil
}

// Lint checks every existing configuration file for unknown keys. Files
// that do not exist are skipped.
func Lint() ([]FileReport, error) {
	var reports []FileReport
	for _, src := range ConfigPaths() {
		if _, err := os.Stat(src.Path); err != nil {
			continue
		}
		unknown, err := UnknownKeys(src.Path)
		if err != nil {
			return nil, err
		}
		if len(unknown) > 0 {
			reports = append(reports, FileReport{Source: src, Unknown: unknown})
		}
	}
	return reports, nil
}
