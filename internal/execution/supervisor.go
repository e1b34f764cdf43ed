package execution

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often the supervisor reports on running nodes.
const DefaultPollInterval = 100 * time.Millisecond

// Supervisor runs one goroutine per unit and collects their results.
//
// There is no forced shutdown: when a node fails, the others are left running
// and stop once they observe their closed pipes.
type Supervisor struct {
	log          *slog.Logger
	pollInterval time.Duration

	// OnResult is called from the supervisor goroutine for every finished
	// unit, in completion order.
	OnResult func(Result)
}

func NewSupervisor(log *slog.Logger, pollInterval time.Duration) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Supervisor{
		log:          log,
		pollInterval: pollInterval,
	}
}

// Run starts every unit and blocks until all of them have returned. It
// returns the failed results in the order they were observed.
func (s *Supervisor) Run(ctx context.Context, units []Unit) []Result {
	results := make(chan Result, len(units))

	var grp errgroup.Group
	for _, u := range units {
		grp.Go(func() error {
			results <- RunUnit(ctx, u)
			return nil
		})
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	running := make(map[int]string, len(units))
	for _, u := range units {
		running[u.Index] = u.Name
	}

	var failures []Result
	for len(running) > 0 {
		select {
		case res := <-results:
			delete(running, res.Unit.Index)
			if res.Failed() {
				failures = append(failures, res)
				s.log.Error("Node failed",
					"node", res.Unit.Name,
					"error", res.Err,
					"running", len(running))
			} else {
				s.log.Debug("Node finished",
					"node", res.Unit.Name,
					"duration", res.Duration)
			}
			if s.OnResult != nil {
				s.OnResult(res)
			}
		case <-ticker.C:
			if len(failures) > 0 {
				s.log.Debug("Waiting for nodes to observe closed pipes",
					"running", runningNames(running, units))
			}
		}
	}

	_ = grp.Wait()
	return failures
}

func runningNames(running map[int]string, units []Unit) []string {
	names := make([]string, 0, len(running))
	for _, u := range units {
		if name, ok := running[u.Index]; ok {
			names = append(names, name)
		}
	}
	return names
}
