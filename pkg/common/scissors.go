package common

import (
	"context"
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScissorsErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_scissor_errors_caught",
			Help: "Total number of unhandled panics caught",
		}, []string{"runnable"})
)

// RunWithScissors starts a go routine that recovers from any panic by sending an error to errC.
func RunWithScissors(ctx context.Context, errC chan error, name string, runnable supervisor.Runnable) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				switch x := r.(type) {
				case error:
					errC <- fmt.Errorf("%s: %w", name, x)
				default:
					errC <- fmt.Errorf("%s: %v", name, x)
				}
				ScissorsErrors.WithLabelValues(name).Inc()
			}
		}()
		err := runnable(ctx)
		if err != nil {
			errC <- err
		}
	}()
}

type (
	Scissors struct {
		name     string
		runnable supervisor.Runnable
	}
)

// WrapWithScissors turns panics of the runnable into returned errors.
func WrapWithScissors(runnable supervisor.Runnable, name string) supervisor.Runnable {
	s := Scissors{name: name, runnable: runnable}
	return s.Run
}

func (e *Scissors) Run(ctx context.Context) (result error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case error:
				result = x
			default:
				result = fmt.Errorf("%v", x)
			}
			ScissorsErrors.WithLabelValues(e.name).Inc()
		}
	}()

	return e.runnable(ctx)
}
