package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load("/nonexistent/config.yaml")
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Defense.ProbesPerMinute)
	assert.Equal(t, 300, cfg.Defense.ProbeCooldownSec)
	assert.Equal(t, float64(95), cfg.Defense.CriticalRisk)
	assert.Contains(t, cfg.Defense.SafeList, "8.8.8.8")
	assert.Equal(t, 4, cfg.Analyzer.WorkerCount)
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("SH_SERVER_PORT", "9999")
	defer os.Unsetenv("SH_SERVER_PORT")

	cfg := Load("/nonexistent/config.yaml")
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,c"))
	assert.Empty(t, splitCSV(""))
}
