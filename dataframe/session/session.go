// Package session assembles the configuration of a distributed dataframe session and starts it with a
// pluggable engine.
//
// The engine does all the work; this package only normalizes option keys, layers defaults, YAML files and
// environment variables, and keeps track of the live handle.
package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine is a live distributed-dataframe engine.
type Engine interface {
	// Name identifies the engine implementation, for logging.
	Name() string

	// Close releases the engine resources.
	Close() error
}

// Builder starts an Engine configured by config.
type Builder func(ctx context.Context, config *Config) (Engine, error)

// Session is a live session: an Engine plus the configuration it was created with.
type Session struct {
	ID     uuid.UUID
	Config *Config
	Engine Engine
}

// Create builds the configuration from the defaults plus extra (keys normalized, see NewConfig) and
// starts a session with builder.
func Create(ctx context.Context, builder Builder, appName string, extra map[string]string) (*Session, error) {
	return New(ctx, builder, NewConfig(appName, extra))
}

// New starts a session with builder, using a copy of config.
func New(ctx context.Context, builder Builder, config *Config) (*Session, error) {
	if builder == nil {
		return nil, errors.New("session builder is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:     uuid.New(),
		Config: config.Clone(),
	}
	klog.V(1).Infof("Creating session %q (%s) with %d options", s.Config.AppName, s.ID, len(s.Config.Options))
	engine, err := builder(ctx, s.Config)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating session %q", s.Config.AppName)
	}
	if engine == nil {
		return nil, errors.Errorf("session builder returned no engine for %q", s.Config.AppName)
	}
	s.Engine = engine
	klog.V(1).Infof("Session %q (%s) started on engine %s", s.Config.AppName, s.ID, engine.Name())
	return s, nil
}

// Close closes the session engine. It is safe to call more than once.
func (s *Session) Close() error {
	if s.Engine == nil {
		return nil
	}
	engine := s.Engine
	s.Engine = nil
	if err := engine.Close(); err != nil {
		return errors.Wrapf(err, "failed to close session %q (%s)", s.Config.AppName, s.ID)
	}
	return nil
}
