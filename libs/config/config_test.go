package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPort(t *testing.T) {
	t.Setenv("TEST_PORT", "8085")
	p, err := Port("TEST_PORT", "1")
	require.NoError(t, err)
	assert.Equal(t, "8085", p)

	t.Setenv("TEST_PORT", "99999")
	_, err = Port("TEST_PORT", "1")
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90")
	assert.Equal(t, 90*time.Second, Duration("TEST_DURATION", time.Minute))

	t.Setenv("TEST_DURATION", "2h")
	assert.Equal(t, 2*time.Hour, Duration("TEST_DURATION", time.Minute))

	t.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, Duration("TEST_DURATION", time.Minute))
}

func TestBoolAndList(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	assert.True(t, Bool("TEST_BOOL", false))
	t.Setenv("TEST_BOOL", "maybe")
	assert.False(t, Bool("TEST_BOOL", false))

	t.Setenv("TEST_LIST", " a, ,b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, List("TEST_LIST", ""))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SLOTENGINE_DOTENV_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SLOTENGINE_DOTENV_KEY") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", String("SLOTENGINE_DOTENV_KEY", ""))
}
