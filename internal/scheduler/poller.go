package scheduler

import (
	"context"
	"fmt"
	"time"

	"convoy/internal/pipeline"

	log "github.com/sirupsen/logrus"
)

// resultSink receives poll results. The Scheduler is the only
// implementation outside tests; pollers never mutate scheduler collections
// themselves.
type resultSink interface {
	stageObserved(itemID, stage string)
	terminalObserved(itemID, outcome, errMsg string)
}

// poller repeatedly queries the status of one in-flight request until a
// terminal status is observed or its context is cancelled. A transport
// error is never terminal by itself; the poller retries on the next cycle,
// up to maxFailures consecutive failures when that ceiling is set.
type poller struct {
	client      pipeline.Client
	itemID      string
	handle      string
	interval    time.Duration
	maxFailures int
	sink        resultSink
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		report, err := p.client.GetStatus(ctx, p.handle)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			failures++
			log.WithFields(log.Fields{"item": p.itemID, "handle": p.handle}).
				Warnf("Status poll failed (%d consecutive): %v", failures, err)
			if p.maxFailures > 0 && failures >= p.maxFailures {
				p.sink.terminalObserved(p.itemID, pipeline.OutcomeFailed,
					fmt.Sprintf("status polling gave up after %d consecutive transport errors: %v", failures, err))
				return
			}
		case report.Terminal:
			p.sink.terminalObserved(p.itemID, report.Outcome, report.Error)
			return
		default:
			failures = 0
			p.sink.stageObserved(p.itemID, report.Stage)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
