package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamingIsDeterministic(t *testing.T) {
	d := Descriptor{ID: 42, Name: "weatherbot"}
	assert.Equal(t, "weatherbot-42:latest", ImageTag(d))
	assert.Equal(t, "bot-weatherbot-42", DeploymentName(d))
	assert.Equal(t, "weatherbot-service", ServiceName(d))

	mixed := Descriptor{ID: 7, Name: "FunBot"}
	assert.Equal(t, "funbot-7:latest", ImageTag(mixed))
	assert.Equal(t, "bot-funbot-7", DeploymentName(mixed))
	assert.Equal(t, "https://t.me/FunBot", PublicURL("https://t.me/", mixed))
	assert.Equal(t, "http://funbot-service.bot-platform.svc.cluster.local", InternalAddress(mixed, "bot-platform"))
}

func TestCheckIdentifier(t *testing.T) {
	require.NoError(t, CheckIdentifier(Descriptor{ID: 1, Name: "Good-Bot"}))

	for _, d := range []Descriptor{
		{ID: 0, Name: "goodbot"},
		{ID: 3, Name: "bad bot"},
		{ID: 3, Name: "bad;rm -rf"},
		{ID: 3, Name: ""},
	} {
		err := CheckIdentifier(d)
		require.Error(t, err, "%+v", d)
		assert.True(t, errors.Is(err, ErrValidation))
	}
}

func TestValidateBotName(t *testing.T) {
	valid := []string{"weatherbot", "News-Bot", "a1bot", "MiSuperBOT"}
	for _, name := range valid {
		assert.NoError(t, ValidateBotName(name), name)
	}
	invalid := []string{"", "bot", "weather", "my--bot", "-newsbot", "bad_bot", "abcdefghijklmnopqrstuvwxyz0123456bot"}
	for _, name := range invalid {
		err := ValidateBotName(name)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestValidateToken(t *testing.T) {
	assert.NoError(t, ValidateToken("123456789:AAH-abc_DEF"))
	assert.ErrorIs(t, ValidateToken(""), ErrValidation)
	assert.ErrorIs(t, ValidateToken("abc:def"), ErrValidation)
	assert.ErrorIs(t, ValidateToken("123456:with space"), ErrValidation)
}

func TestNormalizeCapabilities(t *testing.T) {
	allowed := []string{"clima", "noticias", "ia"}
	caps, err := NormalizeCapabilities([]string{" IA", "clima", "ia", ""}, allowed)
	require.NoError(t, err)
	assert.Equal(t, []string{"ia", "clima"}, caps)

	_, err = NormalizeCapabilities(nil, allowed)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NormalizeCapabilities([]string{"crypto"}, allowed)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(BotStatusCreating, BotStatusActive))
	assert.True(t, ValidTransition(BotStatusCreating, BotStatusError))
	assert.False(t, ValidTransition(BotStatusActive, BotStatusError))
	assert.False(t, ValidTransition(BotStatusError, BotStatusActive))
	assert.False(t, ValidTransition(BotStatusCreating, BotStatusCreating))
	assert.True(t, BotStatusActive.Valid())
	assert.False(t, BotStatus("deleting").Valid())
}

func TestStageErrorMatchesKind(t *testing.T) {
	err := fmt.Errorf("pipeline: %w", NewStageError(StageBuild, ErrBuild, errors.New("exit 1"), "step 3/5 failed"))
	assert.ErrorIs(t, err, ErrBuild)
	assert.NotErrorIs(t, err, ErrDeploy)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageBuild, stageErr.Stage)
	assert.Contains(t, stageErr.Error(), "step 3/5 failed")
}

func TestDescriptorCopiesCapabilities(t *testing.T) {
	b := Bot{ID: 1, Name: "funbot", Capabilities: []string{"clima"}}
	d := b.Descriptor()
	d.Capabilities[0] = "ia"
	assert.Equal(t, "clima", b.Capabilities[0])
}
