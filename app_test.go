//go:build unit

package managerorder

import (
	"sync/atomic"
	"testing"

	"github.com/douglas-dreer/manager-order/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingApp struct {
	runs int32
	err  error
}

func (a *countingApp) Run(_ *Launcher) error {
	atomic.AddInt32(&a.runs, 1)

	return a.err
}

func TestLauncherAddValidation(t *testing.T) {
	l := NewLauncher(WithLogger(log.NewNop()))

	assert.ErrorIs(t, l.Add("  ", &countingApp{}), ErrEmptyApp)
	assert.ErrorIs(t, l.Add("app", nil), ErrNilApp)
	assert.NoError(t, l.Add("app", &countingApp{}))

	var nilLauncher *Launcher
	assert.ErrorIs(t, nilLauncher.Add("app", &countingApp{}), ErrNilLauncher)
}

func TestLauncherRunsEveryApp(t *testing.T) {
	publisher := &countingApp{}
	consumer := &countingApp{}

	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("publisher", publisher),
		RunApp("consumer", consumer),
	)

	require.NoError(t, l.RunWithError())

	assert.Equal(t, int32(1), atomic.LoadInt32(&publisher.runs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&consumer.runs))
}

func TestLauncherRequiresLogger(t *testing.T) {
	l := NewLauncher(RunApp("app", &countingApp{}))

	assert.ErrorIs(t, l.RunWithError(), ErrLoggerNil)
}

func TestLauncherCollectsConfigErrors(t *testing.T) {
	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("", &countingApp{}),
	)

	err := l.RunWithError()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigFailed)
	assert.ErrorIs(t, err, ErrEmptyApp)
}

func TestLauncherNilReceiver(t *testing.T) {
	var l *Launcher

	assert.ErrorIs(t, l.RunWithError(), ErrNilLauncher)
	l.Run()
}

func TestLauncherZeroValueIsUsable(t *testing.T) {
	l := &Launcher{Logger: log.NewNop()}

	app := &countingApp{}
	require.NoError(t, l.Add("app", app))
	require.NoError(t, l.RunWithError())
	assert.Equal(t, int32(1), atomic.LoadInt32(&app.runs))
}
