package telemetry

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_LiveModeUsesJSON(t *testing.T) {
	log := NewLogger("live", "info")
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestNewLogger_PaperModeUsesText(t *testing.T) {
	log := NewLogger("paper", "debug")
	_, ok := log.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, log.Level)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log := NewLogger("paper", "not-a-level")
	assert.Equal(t, logrus.InfoLevel, log.Level)
}

func TestCorrelationID_NonEmptyAndVaries(t *testing.T) {
	a := CorrelationID()
	b := CorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestComponent_TagsComponentField(t *testing.T) {
	log := NewLogger("paper", "info")
	entry := Component(log, "profittarget")
	assert.Equal(t, "profittarget", entry.Data["component"])
}
