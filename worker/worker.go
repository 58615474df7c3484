package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Waiter blocks until a drain is requested or the timeout passes.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

type tickWaiter struct{}

func (tickWaiter) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

// Start runs a single drain loop until ctx is cancelled. It drains whenever
// the waiter reports a signal and at least once per interval otherwise. A
// nil waiter falls back to the interval alone.
func Start(ctx context.Context, wg *sync.WaitGroup, p *Processor, w Waiter, interval time.Duration, log logrus.FieldLogger) {
	if w == nil {
		w = tickWaiter{}
	}
	log = log.WithField("component", "worker")

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return
			default:
			}

			signalled, err := w.Wait(ctx, interval)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.WithError(err).Warn("wait for drain signal")
				// Back off so a dead signal source does not spin.
				if _, err := (tickWaiter{}).Wait(ctx, time.Second); err != nil {
					continue
				}
			}

			results, err := p.ProcessPending(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Error("drain failed")
				}
				continue
			}
			if len(results) > 0 {
				log.WithFields(logrus.Fields{
					"processed": len(results),
					"signalled": signalled,
				}).Info("drained queue")
			}
		}
	}()
}
