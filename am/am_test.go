package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulsejob/internal/util"
)

// isolate points HOME and the working directory at fresh temp dirs and
// clears cached configuration.
func isolate(t *testing.T) (home, project string) {
	t.Helper()
	home = t.TempDir()
	project = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	Reset()
	t.Cleanup(Reset)
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".pulsejob"), DefaultDirPermissions))
	return home, project
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "pulsejob.db", cfg.GetDatabaseDSN())
	assert.Equal(t, DefaultServerPort, cfg.GetServerPort())
	assert.Equal(t, "127.0.0.1:8090", cfg.GetServerAddr())
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, 5*time.Second, cfg.Pulse.PollInterval())
	assert.Equal(t, time.Second, cfg.Pulse.PollJitter())
	assert.Equal(t, 5*time.Minute, cfg.Pulse.Lease())
	assert.Equal(t, 7*24*time.Hour, cfg.Pulse.HistoryRetention())
	assert.Empty(t, cfg.Pulse.Categories)
	assert.Equal(t, 3, cfg.External.FollowUpRetries)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeFile(t, path, `
[database]
driver = "postgres"
dsn = "postgres://pulse@localhost/jobs?sslmode=disable"

[pulse]
workers = 8
categories = ["billing", "mail"]
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Pulse.Workers)
	assert.Equal(t, []string{"billing", "mail"}, cfg.Pulse.Categories)
	assert.Equal(t, 16, cfg.Pulse.BatchSize, "defaults fill the gaps")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadLayersAndSources(t *testing.T) {
	home, project := isolate(t)

	writeFile(t, filepath.Join(home, ".pulsejob", "am.toml"), `
[pulse]
workers = 2
batch_size = 32
`)
	writeFile(t, filepath.Join(project, "am.toml"), `
[pulse]
workers = 6
`)
	t.Setenv("PULSEJOB_PULSE_LEASE_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pulse.Workers, "project wins over user")
	assert.Equal(t, 32, cfg.Pulse.BatchSize, "user value survives where project is silent")
	assert.Equal(t, 60, cfg.Pulse.LeaseSeconds, "environment wins over files")

	settings, err := Introspect()
	require.NoError(t, err)
	byKey := make(map[string]SettingInfo)
	for _, s := range settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceProject, byKey["pulse.workers"].Source)
	assert.Equal(t, SourceUser, byKey["pulse.batch_size"].Source)
	assert.Equal(t, SourceEnvironment, byKey["pulse.lease_seconds"].Source)
	assert.Equal(t, "PULSEJOB_PULSE_LEASE_SECONDS", byKey["pulse.lease_seconds"].SourcePath)
	assert.Equal(t, SourceDefault, byKey["database.driver"].Source)
}

func TestLoadIsCachedUntilReset(t *testing.T) {
	home, _ := isolate(t)
	userFile := filepath.Join(home, ".pulsejob", "am.toml")
	writeFile(t, userFile, "[pulse]\nworkers = 2\n")

	first, err := Load()
	require.NoError(t, err)
	writeFile(t, userFile, "[pulse]\nworkers = 9\n")

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, again)

	Reset()
	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.Pulse.Workers)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := LoadWithViper(v)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers serves external workers only", func(c *Config) { c.Pulse.Workers = 0 }, ""},
		{"negative workers", func(c *Config) { c.Pulse.Workers = -1 }, "pulse.workers"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"pure go sqlite", func(c *Config) { c.Database.Driver = "sqlite" }, ""},
		{"zero port", func(c *Config) { c.Server.Port = util.Ptr(0) }, "server.port cannot be 0"},
		{"port out of range", func(c *Config) { c.Server.Port = util.Ptr(70000) }, "server.port"},
		{"negative lease", func(c *Config) { c.Pulse.LeaseSeconds = -5 }, "pulse.lease_seconds"},
		{"backoff max below initial", func(c *Config) {
			c.Pulse.BackoffInitialSeconds = 60
			c.Pulse.BackoffMaxSeconds = 10
		}, "pulse.backoff_max_seconds"},
		{"retry in place", func(c *Config) {
			c.Pulse.BackoffInitialSeconds = 0
			c.Pulse.BackoffMaxSeconds = 0
		}, ""},
		{"bad cleanup cron", func(c *Config) { c.Pulse.HistoryCleanupCron = "every night" }, "pulse.history_cleanup_cron"},
		{"cron ignored without retention", func(c *Config) {
			c.Pulse.HistoryRetentionHours = 0
			c.Pulse.HistoryCleanupCron = "every night"
		}, ""},
		{"negative follow-up retries", func(c *Config) { c.External.FollowUpRetries = -1 }, "external.follow_up_retries"},
		{"dev build meets any requirement", func(c *Config) { c.Requires = ">= 0.3" }, ""},
		{"malformed requirement", func(c *Config) { c.Requires = "newest please" }, "invalid version constraint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpdatePulseCategories(t *testing.T) {
	home, _ := isolate(t)
	overlay := filepath.Join(home, ".pulsejob", "am_from_cli.toml")
	assert.Equal(t, overlay, GetOverlayPath())

	require.NoError(t, UpdatePulseCategories([]string{"mail", "billing", "mail"}))
	require.NoError(t, UpdatePulseWorkers(2))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "mail"}, cfg.Pulse.Categories)
	assert.Equal(t, 2, cfg.Pulse.Workers)

	t.Log("Every write keeps the previous file as .back1")
	_, err = os.Stat(overlay + ".back1")
	assert.NoError(t, err)

	require.NoError(t, UpdatePulseCategories(nil))
	Reset()
	cfg, err = Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Pulse.Categories)
	assert.Equal(t, 2, cfg.Pulse.Workers, "other overlay settings survive")

	assert.Error(t, UpdatePulseWorkers(-1))
}

func TestCreateBackupRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am_from_cli.toml")
	for i, content := range []string{"one", "two", "three", "four", "five"} {
		writeFile(t, path, content)
		if i < 4 {
			require.NoError(t, createBackup(path))
		}
	}

	read := func(suffix string) string {
		data, err := os.ReadFile(path + suffix)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "four", read(".back1"))
	assert.Equal(t, "three", read(".back2"))
	assert.Equal(t, "two", read(".back3"))
}

func TestRender(t *testing.T) {
	settings := map[string]interface{}{
		"pulse": map[string]interface{}{"workers": 4},
	}

	out, err := Render(settings, "toml")
	require.NoError(t, err)
	assert.Contains(t, string(out), "[pulse]")
	assert.Contains(t, string(out), "workers = 4")

	out, err = Render(settings, "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pulse":{"workers":4}}`, string(out))

	out, err = Render(settings, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "pulse:\n    workers: 4\n", string(out))

	_, err = Render(settings, "xml")
	assert.Error(t, err)
}

func TestWatcherReloadsOverlay(t *testing.T) {
	home, _ := isolate(t)
	overlay := filepath.Join(home, ".pulsejob", "am_from_cli.toml")

	cw, err := NewConfigWatcher(zaptest.NewLogger(t).Sugar(), overlay)
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	defer cw.Stop()

	reloaded := make(chan *Config, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c
		return nil
	})
	cw.Start()

	writeFile(t, overlay, "[pulse]\ncategories = [\"mail\"]\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, []string{"mail"}, cfg.Pulse.Categories)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after the overlay changed")
	}

	t.Log("An invalid file is not handed to callbacks")
	writeFile(t, overlay, "[pulse]\nworkers = -3\n")
	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config delivered: %v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresOwnWrites(t *testing.T) {
	home, _ := isolate(t)

	cw, err := NewConfigWatcher(zaptest.NewLogger(t).Sugar(), GetOverlayPath())
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	defer cw.Stop()
	SetGlobalWatcher(cw)
	defer SetGlobalWatcher(nil)

	reloads := make(chan struct{}, 4)
	cw.OnReload(func(*Config) error {
		reloads <- struct{}{}
		return nil
	})
	cw.Start()

	require.NoError(t, UpdatePulseCategories([]string{"mail"}))
	select {
	case <-reloads:
		t.Fatal("own write triggered a reload")
	case <-time.After(300 * time.Millisecond):
	}

	_, err = os.Stat(filepath.Join(home, ".pulsejob", "am_from_cli.toml"))
	assert.NoError(t, err)
}

func TestNewConfigWatcherNeedsADirectory(t *testing.T) {
	_, err := NewConfigWatcher(nil, filepath.Join(t.TempDir(), "missing", "am.toml"))
	assert.Error(t, err)
	assert.True(t, isBackupFile("/x/am.toml.back2"))
	assert.False(t, isBackupFile("/x/am.toml"))
}

func TestUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeFile(t, path, `
requires = ">= 0.1"

[pulse]
wokers = 8
workers = 2

[server]
port = 9000
tls = true
`)

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"pulse.wokers", "server.tls"}, unknown)
}

func TestUnknownKeysRejectsBrokenToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	writeFile(t, path, "[pulse\nworkers = 2\n")

	_, err := UnknownKeys(path)
	assert.Error(t, err)
}

func TestLint(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(home, ".pulsejob", "am.toml"), "[pulse]\nworkers = 2\n")
	writeFile(t, filepath.Join(project, "am.toml"), "[database]\ndriver = \"sqlite\"\npasword = \"x\"\n")

	reports, err := Lint()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, SourceProject, reports[0].Source.Source)
	assert.Equal(t, []string{"database.pasword"}, reports[0].Unknown)
}
