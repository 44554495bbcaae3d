package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSizeBytes(t *testing.T) {
	tests := []struct {
		in   string
		want SizeBytes
	}{
		{"1024", 1024},
		{"8KiB", 8 << 10},
		{"64MB", 64_000_000},
		{"1 GiB", 1 << 30},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s SizeBytes
			require.NoError(t, s.Set(tt.in))
			assert.Equal(t, tt.want, s)
		})
	}

	var s SizeBytes
	assert.Error(t, s.Set("lots"))
	assert.Equal(t, "32 KiB", SizeBytes(32<<10).String())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.Set("250ms"))
	assert.Equal(t, 250*time.Millisecond, d.Std())
	require.NoError(t, d.Set("1.5"))
	assert.Equal(t, 1500*time.Millisecond, d.Std())
	assert.Error(t, d.Set("soon"))
}

func TestLoadLayers(t *testing.T) {
	file := writeFile(t, "h1.yaml", `
listen: ":9000"
server:
  workers: 64
  read_timeout: 5s
limits:
  max_body: 2MiB
cache:
  sqlite: /tmp/h1-cache.db
  sweep_cron: "*/5 * * * *"
compression:
  algorithms: [gzip]
auth:
  policies:
    - prefix: /admin
      scheme: basic
      realm: admin
      principals: [root]
  users:
    root: "sha256:abc"
`)
	envFile := writeFile(t, ".env", "H1_SERVER_WORKERS=32\nH1_CACHE_MAX_BYTES=1MiB\nOTHER=ignored\n")
	t.Setenv("H1_SERVER_WORKERS", "16")
	t.Setenv("H1_COMPRESSION_ENABLED", "false")

	cfg, err := Load([]string{"-config", file, "-env-file", envFile, "-listen", ":9100", "-idle-timeout", "30s"})
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Listen, "flags win")
	assert.Equal(t, 16, cfg.Server.Workers, "environment beats .env and file")
	assert.Equal(t, SizeBytes(1<<20), cfg.Cache.MaxBytes, ".env beats defaults")
	assert.False(t, cfg.Compression.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Server.IdleTimeout.Std())
	assert.Equal(t, SizeBytes(2<<20), cfg.Limits.MaxBody)
	assert.Equal(t, []string{"gzip"}, cfg.Compression.Algorithms)
	assert.Equal(t, "/tmp/h1-cache.db", cfg.Cache.SQLite)
	require.Len(t, cfg.Auth.Policies, 1)
	assert.Equal(t, []string{"root"}, cfg.Auth.Policies[0].Principals)
	assert.Equal(t, "sha256:abc", cfg.Auth.Users["root"])

	// Defaults survive where nothing overrides them.
	assert.Equal(t, 100, cfg.Limits.MaxHeaders)
	assert.Equal(t, Duration(24*time.Hour), cfg.Cache.MaxAge)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	file := writeFile(t, "bad.yaml", `
server:
  workers: 0
cache:
  sweep_cron: "every minute"
compression:
  algorithms: [zstd]
auth:
  policies:
    - prefix: admin
      scheme: digest
`)
	_, err := Load([]string{"-config", file, "-env-file", filepath.Join(t.TempDir(), "none")})
	require.Error(t, err)
	for _, want := range []string{"workers", "sweep_cron", "zstd", "must start with /", "digest"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadReportsBadValues(t *testing.T) {
	_, err := Load([]string{"-max-body", "huge"})
	assert.Error(t, err)

	t.Setenv("H1_SERVER_WORKERS", "many")
	_, err = Load([]string{"-env-file", filepath.Join(t.TempDir(), "none")})
	assert.ErrorContains(t, err, "server.workers")
}

func TestYAMLRoundTrip(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, Default().Server, back.Server)
	assert.Equal(t, Default().Limits, back.Limits)
}

func TestManager(t *testing.T) {
	m := NewManager()
	file := writeFile(t, "m.yaml", "server:\n  read_timeout: 2s\n  workers: 8\nfeatures: [a, b]\nverbose: yes\n")
	require.NoError(t, m.LoadFromYAML(file))

	assert.Equal(t, 2*time.Second, m.GetDuration("server.read_timeout"))
	assert.Equal(t, 8, m.GetInt("SERVER_WORKERS"))
	assert.Equal(t, []string{"a", "b"}, m.GetStringSlice("features"))
	assert.True(t, m.GetBool("verbose"))
	assert.Equal(t, "fallback", m.GetString("missing", "fallback"))
	assert.Len(t, m.GetAll(), 4)

	var target struct {
		Server struct {
			ReadTimeout Duration `yaml:"read_timeout"`
			Workers     int
		} `yaml:"server"`
	}
	require.NoError(t, m.Unmarshal("", &target))
	assert.Equal(t, 2*time.Second, target.Server.ReadTimeout.Std())
	assert.Equal(t, 8, target.Server.Workers)

	assert.Error(t, m.Unmarshal("", target), "non-pointer")
}
