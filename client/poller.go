package client

import (
	"log"
	"sync/atomic"

	"github.com/go-co-op/gocron/v2"
)

// poller re-fetches the record on a fixed interval while the match is
// Waiting, as a safety net under the best-effort change feed.
type poller struct {
	sched   gocron.Scheduler
	stopped atomic.Bool
}

func startPoller(cfg Config, tick func()) (*poller, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}

	p := &poller{sched: sched}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.PollInterval),
		gocron.NewTask(func() {
			if p.stopped.Load() {
				return
			}
			tick()
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	return p, nil
}

// stop may be called from inside a tick; the scheduler is shut down in
// the background since Shutdown waits for running jobs.
func (p *poller) stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := p.sched.Shutdown(); err != nil {
			log.Printf("[POLL] scheduler shutdown: %v", err)
		}
	}()
}
