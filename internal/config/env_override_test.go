package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_Kernel(t *testing.T) {
	t.Run("KERNELBRIDGE_KERNEL_COMMAND replaces command", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KERNELBRIDGE_KERNEL_COMMAND", "/opt/dotnet/dotnet")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/opt/dotnet/dotnet", cfg.Kernel.Command)
		assert.Equal(t, []string{"interactive", "stdio"}, cfg.Kernel.Args)
	})

	t.Run("KERNELBRIDGE_KERNEL_ARGS splits on whitespace", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KERNELBRIDGE_KERNEL_ARGS", "interactive  stdio --default-kernel fsharp")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, []string{"interactive", "stdio", "--default-kernel", "fsharp"}, cfg.Kernel.Args)
	})

	t.Run("empty KERNELBRIDGE_KERNEL_ARGS clears args", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KERNELBRIDGE_KERNEL_ARGS", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Empty(t, cfg.Kernel.Args)
	})

	t.Run("unset variables leave config alone", func(t *testing.T) {
		clearEnv(t)

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, DefaultConfig(), cfg)
	})
}

func TestEnvOverrides_ExecutionAndLogging(t *testing.T) {
	clearEnv(t)
	t.Setenv("KERNELBRIDGE_TIMEOUT", "90s")
	t.Setenv("KERNELBRIDGE_LOG_DIR", "/var/log/kernelbridge")

	cfg := &Config{}
	cfg.applyEnvOverrides()

	assert.Equal(t, 90*time.Second, cfg.GetExecutionTimeout())
	assert.Equal(t, "/var/log/kernelbridge", cfg.Logging.Directory)
}

func TestEnvOverrides_AppliedOnLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("KERNELBRIDGE_KERNEL_COMMAND", "from-env")

	// Without a file.
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Kernel.Command)

	// Env wins over the file.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel:\n  command: from-file\n"), 0644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Kernel.Command)
}
