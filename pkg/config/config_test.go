package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetList(t *testing.T) {
	t.Setenv("CAPS", " clima, ,ia ,")
	assert.Equal(t, []string{"clima", "ia"}, GetList("CAPS", nil))

	t.Setenv("EMPTY_CAPS", " , ")
	assert.Equal(t, []string{"x"}, GetList("EMPTY_CAPS", []string{"x"}))
	assert.Equal(t, []string{"y"}, GetList("UNSET_CAPS_KEY", []string{"y"}))
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "abc")
	assert.Equal(t, 7, GetInt("SOME_INT", 7))
	t.Setenv("SOME_INT", " 12 ")
	assert.Equal(t, 12, GetInt("SOME_INT", 7))
}

func TestLoadPlatformConfigDefaults(t *testing.T) {
	t.Setenv("READINESS_TIMEOUT_SECONDS", "")
	cfg := LoadPlatformConfig()
	assert.Equal(t, 300*time.Second, cfg.ReadinessTimeout)
	assert.Equal(t, 20, cfg.MaxBotsPerOwner)
	assert.Equal(t, "bot-platform", cfg.Namespace)
	assert.Equal(t, RuntimeKubernetes, cfg.RuntimeBackend)
	assert.Equal(t, []string{"clima", "noticias", "ia"}, cfg.Capabilities)
}
