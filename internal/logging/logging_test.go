package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetupLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, "warn", false)

	logger.Info().Msg("filtered")
	logger.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "filtered")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, "chatty", false)

	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(Setup(&buf, "info", false), "composite")

	logger.Info().Msg("build finished")

	assert.Contains(t, buf.String(), `"component":"composite"`)
}
