package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDisabledIsNoop(t *testing.T) {
	dir := t.TempDir()
	err := Initialize(dir, LoggingConfig{DebugMode: false})
	require.NoError(t, err)
	assert.False(t, IsDebugMode())

	l := Get(CategoryStore)
	l.Info("should not panic or write anything")
}

func TestGetReturnsSameLoggerForCategory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, LoggingConfig{DebugMode: true}))
	defer CloseAll()

	a := Get(CategoryKernel)
	b := Get(CategoryKernel)
	assert.Same(t, a, b)
}

func TestCategoryDisabledViaConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, LoggingConfig{
		DebugMode:  true,
		Categories: map[string]bool{string(CategoryIngest): false},
	}))
	defer CloseAll()

	assert.False(t, IsCategoryEnabled(CategoryIngest))
	assert.True(t, IsCategoryEnabled(CategoryStore))
}

func TestStartTimerStop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, LoggingConfig{DebugMode: true}))
	defer CloseAll()

	timer := StartTimer(CategoryRetrieval, "recall_unified")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}
