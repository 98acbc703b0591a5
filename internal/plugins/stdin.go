// Package plugins provides the two minimal built-in source/sink types
// the agent binary ships with out of the box — a line-oriented stdin
// source and a stdout console sink. Real protocol sources/sinks are
// external collaborators the core only consumes through the narrow
// traits of internal/topology (spec §6); these two exist only so
// cmd/agent has something to build and run without a bespoke plugin.
package plugins

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/fluxgate/agent/internal/event"
	"github.com/fluxgate/agent/internal/fanout"
	"github.com/fluxgate/agent/internal/topology"
)

// StdinSource reads newline-delimited payloads from os.Stdin and emits
// one single-event batch per line.
type StdinSource struct {
	Logger log.Logger
}

func (s StdinSource) Build(ctx context.Context) (topology.SourceRunner, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return stdinRunner{logger: logger}, nil
}

func (s StdinSource) Outputs() []topology.OutputType       { return []topology.OutputType{topology.Logs} }
func (s StdinSource) Resources() []topology.Resource       { return nil }
func (s StdinSource) CanAcknowledge() bool                { return false }

type stdinRunner struct {
	logger log.Logger
}

// Run scans os.Stdin line by line, sending each as a one-event batch,
// until ctx is cancelled or stdin reaches EOF.
func (r stdinRunner) Run(ctx context.Context, out *fanout.Fanout) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			n := event.NewBatchNotifier(1, func(id string, status event.Status) {
				if status != event.Delivered {
					level.Warn(r.logger).Log("msg", "stdin batch finalized non-delivered", "id", id, "status", status.String())
				}
			})
			arr := event.EventArray{
				Events:   []event.Event{event.New([]byte(line), nil, n)},
				Notifier: n,
			}
			if err := out.Send(ctx, arr); err != nil {
				return fmt.Errorf("stdin source: %w", err)
			}
		}
	}
}
