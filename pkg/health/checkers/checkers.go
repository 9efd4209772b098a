// Package checkers holds health.Check implementations for the service's
// dependencies.
package checkers

import (
	"context"
	"errors"
	"fmt"
)

// Pinger is satisfied by stores and connection pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency healthy when its Ping succeeds.
type PingChecker struct {
	name   string
	target Pinger
}

// NewPingChecker returns a check named name that pings target.
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) error {
	if err := c.target.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", c.name, err)
	}
	return nil
}

// Readier is satisfied by long-running components such as the command bot.
type Readier interface {
	Ready() error
}

// ReadyChecker adapts a Readier. A nil Readier is reported as not configured.
type ReadyChecker struct {
	name   string
	target Readier
}

// ErrNotConfigured is returned by ReadyChecker when no component was wired.
var ErrNotConfigured = errors.New("component not configured")

func NewReadyChecker(name string, target Readier) *ReadyChecker {
	return &ReadyChecker{name: name, target: target}
}

func (c *ReadyChecker) Name() string {
	return c.name
}

func (c *ReadyChecker) Check(ctx context.Context) error {
	if c.target == nil {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.target.Ready()
}
