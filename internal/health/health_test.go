package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComposite_AllHealthy(t *testing.T) {
	c := NewComposite(
		StoreChecker(func() error { return nil }),
		EventBusChecker(func() int { return 2 }),
	)
	report := c.Run(context.Background())
	assert.True(t, report.Ready)
	assert.Equal(t, "ok", report.Checks["store"])
	assert.Equal(t, "2 subscribers", report.Checks["event_bus"])
}

func TestComposite_OneFailingFlipsReady(t *testing.T) {
	c := NewComposite(
		StoreChecker(func() error { return errors.New("db closed") }),
		EventBusChecker(func() int { return 0 }),
	)
	report := c.Run(context.Background())
	assert.False(t, report.Ready)
	assert.Equal(t, "db closed", report.Checks["store"])
	assert.Equal(t, "db closed", report.Message)
}

func TestDispatchLoopChecker_StaleTick(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	c := DispatchLoopChecker(func() time.Time { return old }, time.Minute)
	result := c.Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestDispatchLoopChecker_NeverTicked(t *testing.T) {
	c := DispatchLoopChecker(func() time.Time { return time.Time{} }, time.Minute)
	result := c.Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestDispatchLoopChecker_Fresh(t *testing.T) {
	c := DispatchLoopChecker(func() time.Time { return time.Now() }, time.Minute)
	result := c.Check(context.Background())
	assert.True(t, result.Healthy)
}
