// Package health composes readiness checks for the ops HTTP server: a small
// Checker interface, run synchronously, folded into a single ready/not-ready
// verdict plus a per-check detail map.
package health

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of a single readiness check.
type Result struct {
	Healthy bool
	Message string
}

// Checker is one named readiness probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc struct {
	NameStr string
	Fn      func(ctx context.Context) Result
}

func (c CheckerFunc) Name() string                       { return c.NameStr }
func (c CheckerFunc) Check(ctx context.Context) Result    { return c.Fn(ctx) }

// Report is the aggregate readiness verdict.
type Report struct {
	Ready     bool
	Checks    map[string]string
	Message   string
	Timestamp time.Time
}

// Composite runs every registered Checker and folds the results into one
// Report. A single failing check flips the whole report to not-ready.
type Composite struct {
	checkers []Checker
}

func NewComposite(checkers ...Checker) *Composite {
	return &Composite{checkers: checkers}
}

func (c *Composite) Run(ctx context.Context) Report {
	checks := make(map[string]string, len(c.checkers))
	ready := true
	message := ""

	for _, checker := range c.checkers {
		result := checker.Check(ctx)
		if result.Healthy {
			if result.Message != "" {
				checks[checker.Name()] = result.Message
			} else {
				checks[checker.Name()] = "ok"
			}
			continue
		}
		checks[checker.Name()] = result.Message
		ready = false
		if message == "" {
			message = result.Message
		}
	}

	return Report{Ready: ready, Checks: checks, Message: message, Timestamp: time.Now()}
}

// StoreChecker builds a Checker that verifies store reachability by
// attempting a cheap read.
func StoreChecker(ping func() error) Checker {
	return CheckerFunc{
		NameStr: "store",
		Fn: func(ctx context.Context) Result {
			if err := ping(); err != nil {
				return Result{Healthy: false, Message: err.Error()}
			}
			return Result{Healthy: true}
		},
	}
}

// DispatchLoopChecker builds a Checker that verifies the dispatch loop's
// last tick happened within maxAge of now, mirroring a ready handler that
// treats a stalled reconciliation loop as not-ready.
func DispatchLoopChecker(lastTick func() time.Time, maxAge time.Duration) Checker {
	return CheckerFunc{
		NameStr: "dispatch_loop",
		Fn: func(ctx context.Context) Result {
			last := lastTick()
			if last.IsZero() {
				return Result{Healthy: false, Message: "no tick observed yet"}
			}
			if age := time.Since(last); age > maxAge {
				return Result{Healthy: false, Message: "last tick too old"}
			}
			return Result{Healthy: true}
		},
	}
}

// EventBusChecker builds a Checker that always reports healthy but surfaces
// the current subscriber count as an informational detail line.
func EventBusChecker(subscriberCount func() int) Checker {
	return CheckerFunc{
		NameStr: "event_bus",
		Fn: func(ctx context.Context) Result {
			return Result{Healthy: true, Message: fmt.Sprintf("%d subscribers", subscriberCount())}
		},
	}
}
