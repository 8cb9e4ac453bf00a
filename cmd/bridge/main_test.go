package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/underpass.report/internal/config"
	"github.com/banshee-data/underpass.report/internal/protocol"
	"github.com/banshee-data/underpass.report/internal/serialmux"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "underpass.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("", "", "")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_DefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeConfig(t, dir, "[snapshot]\npath = \"/var/lib/underpass/latest.json\"\n")

	cfg, err := loadConfig("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/underpass/latest.json", cfg.Snapshot.Path)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[source]\nport = \"/dev/ttyACM0\"\n")

	cfg, err := loadConfig(path, "/dev/ttyUSB3", "127.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Source.Port)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Listen)

	tcp := writeConfig(t, dir, "[source]\nkind = \"tcp\"\n")
	cfg, err = loadConfig(tcp, "10.0.0.7:65432", "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:65432", cfg.Source.Address)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Source.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[protocol]\nframing = \"slip\"\n")

	_, err := loadConfig(path, "", "")
	assert.Error(t, err)
}

func TestBuildOpener(t *testing.T) {
	cfg := config.Default()

	o, err := buildOpener(cfg, false, "")
	require.NoError(t, err)
	assert.IsType(t, &serialmux.SerialOpener{}, o)
	assert.Equal(t, "/dev/ttyUSB0 115200 8N1", o.Address())

	cfg.Source.Kind = config.SourceTCP
	o, err = buildOpener(cfg, false, "")
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:65432", o.Address())

	_, err = buildOpener(cfg, true, "")
	assert.Error(t, err, "dev mode needs a capture")

	_, err = buildOpener(cfg, true, filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)

	o, err = buildOpener(cfg, true, "testdata/capture.bin")
	require.NoError(t, err)
	fo, ok := o.(*serialmux.FixtureOpener)
	require.True(t, ok)
	assert.True(t, fo.Loop)
	assert.NotEmpty(t, fo.Data)
}

// The dev capture must stay decodable: three frames, two logged lines and a
// little garbage.
func TestCaptureFixture(t *testing.T) {
	data, err := os.ReadFile("testdata/capture.bin")
	require.NoError(t, err)

	d := protocol.NewMagicDemuxer(protocol.DefaultOptions())
	d.Append(data)

	var lux []uint16
	var lines []string
	for {
		progressed := false
		for {
			r, ok := d.NextFrame()
			if !ok {
				break
			}
			lux = append(lux, r.Luminosity)
			progressed = true
		}
		if line, ok := d.NextDebugLine(); ok {
			lines = append(lines, line)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	assert.Equal(t, []uint16{3000, 80, 1500}, lux)
	assert.Equal(t, []string{"Nodo avviato", ">>> luce: giorno, duty 50"}, lines)
	assert.Zero(t, d.Buffered())
	assert.Equal(t, uint64(3), d.Stats().GarbageBytes)
}
