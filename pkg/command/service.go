// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package command exposes named administrative operations that can be invoked over REST or the CLI.
package command

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-hclog"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrCommandNotFound  = errors.New("command not found")
	ErrCommandExists    = errors.New("command already registered")
	ErrInvalidParameter = errors.New("invalid command parameter")
)

type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Func is a Command backed by a function.
type Func struct {
	CommandName string
	Help        string
	Fn          func(ctx context.Context, params map[string]any) (any, error)
}

func (f Func) Name() string {
	return f.CommandName
}

func (f Func) Description() string {
	return f.Help
}

func (f Func) Execute(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}

type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Service struct {
	mu       sync.RWMutex
	commands map[string]Command
	logger   hclog.Logger
	tracer   trace.Tracer
}

type Option func(*Service)

func WithLogger(logger hclog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func NewService(options ...Option) *Service {
	s := &Service{
		commands: make(map[string]Command),
		logger:   hclog.Default().Named("commands"),
		tracer:   otel.GetTracerProvider().Tracer("zenflow/command"),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

func (s *Service) Register(cmd Command) error {
	if cmd == nil || cmd.Name() == "" {
		return errors.New("command without a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, cmd.Name())
	}
	s.commands[cmd.Name()] = cmd
	return nil
}

func (s *Service) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	delete(s.commands, name)
	return nil
}

func (s *Service) Execute(ctx context.Context, name string, params map[string]any) (res any, err error) {
	s.mu.RLock()
	cmd, ok := s.commands[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("command:%s", name), trace.WithAttributes(
		attribute.String(otelPkg.AttributeCommandName, name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if params == nil {
		params = map[string]any{}
	}
	s.logger.Debug("executing command", "command", name)
	res, err = cmd.Execute(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("command %s failed: %w", name, err)
	}
	return res, nil
}

func (s *Service) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Info, 0, len(s.commands))
	for _, cmd := range s.commands {
		res = append(res, Info{Name: cmd.Name(), Description: cmd.Description()})
	}
	slices.SortFunc(res, func(a, b Info) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return res
}
