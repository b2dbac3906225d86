package am

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/pulsejob/errors"
)

const overlayFile = "am_from_cli.toml"

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to delete old backup %s: %v\n", back3, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

// GetOverlayPath returns the path of the CLI-managed overlay, ~/.pulsejob/am_from_cli.toml
func GetOverlayPath() string {
	dir := configDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, overlayFile)
}

// loadOverlay reads the overlay file, or returns an empty one if it doesn't exist
func loadOverlay() (map[string]interface{}, string, error) {
	configPath := GetOverlayPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .pulsejob directory")
	}

	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrapf(err, "failed to parse %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", errors.Wrapf(err, "failed to read %s", configPath)
	}
	return config, configPath, nil
}

// saveOverlay writes the overlay with backup
func saveOverlay(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config overlay")
	}
	return nil
}

// section returns the named table of the overlay, creating it if needed
func section(config map[string]interface{}, name string) map[string]interface{} {
	if s, ok := config[name].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	config[name] = s
	return s
}

// UpdatePulseCategories replaces the pulse.categories allow-list in the overlay.
// An empty list enables every category.
func UpdatePulseCategories(categories []string) error {
	config, configPath, err := loadOverlay()
	if err != nil {
		return errors.Wrap(err, "failed to load config overlay")
	}

	sorted := slices.Clone(categories)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if sorted == nil {
		sorted = []string{}
	}
	section(config, "pulse")["categories"] = sorted

	return saveOverlay(config, configPath)
}

// UpdatePulseWorkers sets pulse.workers in the overlay
func UpdatePulseWorkers(workers int) error {
	if workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", workers)
	}
	config, configPath, err := loadOverlay()
	if err != nil {
		return errors.Wrap(err, "failed to load config overlay")
	}
	section(config, "pulse")["workers"] = workers
	return saveOverlay(config, configPath)
}
