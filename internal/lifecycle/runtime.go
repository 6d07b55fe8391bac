package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type namedComponent struct {
	name      string
	component Component
}

// Runtime starts components in registration order and stops them in reverse.
type Runtime struct {
	components  []namedComponent
	stopTimeout time.Duration
}

func NewRuntime(stopTimeout time.Duration) *Runtime {
	return &Runtime{stopTimeout: stopTimeout}
}

func (r *Runtime) Register(name string, component Component) {
	if component == nil {
		return
	}
	r.components = append(r.components, namedComponent{name: name, component: component})
}

func (r *Runtime) Start(ctx context.Context) error {
	started := make([]namedComponent, 0, len(r.components))
	for _, nc := range r.components {
		if err := nc.component.Start(ctx); err != nil {
			_ = r.stopComponents(started)
			return fmt.Errorf("start component %s: %w", nc.name, err)
		}
		r.getLogEntry().WithField("component", nc.name).Debug("started")
		started = append(started, nc)
	}
	return nil
}

func (r *Runtime) Stop() error {
	return r.stopComponents(r.components)
}

func (r *Runtime) stopComponents(components []namedComponent) error {
	ctx := context.Background()
	if r.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.stopTimeout)
		defer cancel()
	}

	var stopErr error
	for i := len(components) - 1; i >= 0; i-- {
		nc := components[i]
		if err := nc.component.Stop(ctx); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("stop component %s: %w", nc.name, err))
			continue
		}
		r.getLogEntry().WithField("component", nc.name).Debug("stopped")
	}
	return stopErr
}

func (r *Runtime) getLogEntry() *log.Entry {
	return log.WithField("object", "Runtime")
}
