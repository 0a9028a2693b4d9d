package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOptionsDates(t *testing.T) {
	dates, err := generateOptions{businessID: "b1", providerID: "p1", from: "2026-02-27", days: 3}.dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-02-27", "2026-02-28", "2026-03-01"}, dates)

	_, err = generateOptions{businessID: "b1", providerID: "p1", from: "2026-02-27", days: 0}.dates()
	require.Error(t, err)
	_, err = generateOptions{businessID: "b1", from: "2026-02-27", days: 1}.dates()
	require.Error(t, err)
	_, err = generateOptions{businessID: "b1", providerID: "p1", from: "next week", days: 1}.dates()
	require.Error(t, err)
}

func TestLoadSettingsFromEnvFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	file := filepath.Join(dir, "slotctl.env")
	require.NoError(t, os.WriteFile(file, []byte("DATABASE_URL=postgres://file/db\nTX_TIMEOUT=3s\n"), 0o600))

	v := viper.New()
	v.Set("ENV_FILE", file)
	s, err := loadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/db", s.DatabaseURL)
	assert.Equal(t, 3*time.Second, s.TxTimeout)
	assert.Equal(t, 2*time.Minute, s.Timeout)
}

func TestLoadSettingsRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	v := viper.New()
	v.Set("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err := loadSettings(v)
	require.Error(t, err)
}

func TestPurgeValidatesFlagsBeforeConnecting(t *testing.T) {
	root := newRootCmd(viper.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"purge", "--business", "b1"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--appointment")
}
