package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/thejerf/suture/v4"
)

// RunFunc is a blocking unit of work that returns when ctx is cancelled.
type RunFunc func(ctx context.Context) error

// FuncService adapts a RunFunc to suture.Service.
type FuncService struct {
	name string
	run  RunFunc
}

var _ suture.Service = (*FuncService)(nil)

// NewFuncService wraps run under name.
func NewFuncService(name string, run RunFunc) *FuncService {
	return &FuncService{name: name, run: run}
}

// Serve implements suture.Service. A run that returns nil while ctx is still
// live counts as a failure so the supervisor restarts it.
func (s *FuncService) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New(s.name + " exited unexpectedly")
	}
	slog.Error("service failed", slog.String("service", s.name), slog.Any("err", err))
	return err
}

// String implements fmt.Stringer for supervisor logs.
func (s *FuncService) String() string { return s.name }

// NewHTTPService supervises a server.Start style function: one that serves
// until ctx is cancelled and then shuts down gracefully.
func NewHTTPService(start RunFunc) *FuncService {
	return NewFuncService("http-server", start)
}

func onceAdder(add, again func()) func() {
	var once sync.Once
	return func() {
		done := false
		once.Do(func() {
			add()
			done = true
		})
		if !done {
			again()
		}
	}
}
