package plugins

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fluxgate/agent/internal/buffer"
	"github.com/fluxgate/agent/internal/event"
	"github.com/fluxgate/agent/internal/topology"
)

// ConsoleSink writes every received payload to Writer (os.Stdout if
// nil), one line per event, finalizing each as Delivered.
type ConsoleSink struct {
	Writer io.Writer
}

func (s ConsoleSink) Build(ctx context.Context) (topology.SinkRunner, topology.HealthcheckFunc, error) {
	w := s.Writer
	if w == nil {
		w = os.Stdout
	}
	return consoleRunner{w: w}, nil, nil
}

func (s ConsoleSink) InputType() topology.OutputType { return topology.Logs | topology.Metrics | topology.Traces }
func (s ConsoleSink) Resources() []topology.Resource { return nil }
func (s ConsoleSink) AcknowledgementsConfig() (bool, bool) { return false, false }

type consoleRunner struct {
	w io.Writer
}

func (r consoleRunner) Run(ctx context.Context, in buffer.Buffer) error {
	for {
		arr, err := in.Recv(ctx)
		if err != nil {
			return nil
		}
		for _, e := range arr.Events {
			if _, err := fmt.Fprintf(r.w, "%s\n", e.Payload()); err != nil {
				e.Finalize(event.Errored)
				continue
			}
			e.Finalize(event.Delivered)
		}
	}
}
