package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (d *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	d.job = job
	return nil
}

func (d *manualDriver) Stop(context.Context) error {
	d.stopped = true
	return nil
}

type countingRunner struct {
	runs int
	err  error
}

func (r *countingRunner) Run(context.Context) (RunReport, error) {
	r.runs++
	return RunReport{RunID: "run"}, r.err
}

func TestSchedulerDrivesRunner(t *testing.T) {
	t.Parallel()

	driver := &manualDriver{}
	runner := &countingRunner{}
	s := NewScheduler(driver, runner, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, driver.job)

	driver.job(baseTime)
	runner.err = errors.New("save state: disk full")
	driver.job(baseTime.Add(time.Hour))
	assert.Equal(t, 2, runner.runs, "a failed run must not stop later runs")

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, driver.stopped)
}

func TestSchedulerWithoutDriver(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, &countingRunner{}, nil)
	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
