package service

import (
	"context"
	"time"

	"exportd/internal/dataexport"
	logx "exportd/pkg/logx"
)

// startTimers runs the liveness toucher and the one-shot processing-time
// stopper for the current job. The returned func stops both.
//
// The toucher refreshes the task's last-touched timestamp at half the
// expiration interval; if it falls silent, other nodes reclaim the task. The
// stopper pauses the execution once MaxProcessingTime elapses so a long task
// rotates through the cluster instead of monopolizing one node.
func (e *execution) startTimers(acct dataexport.Account, cfg Config) (stop func()) {
	done := make(chan struct{})

	interval := cfg.ExpirationTime / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-e.ctx.Done():
				return
			case <-t.C:
				tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				e.touchLive(tctx, acct)
				cancel()
			}
		}
	}()

	var stopper *time.Timer
	if cfg.MaxProcessingTime > 0 {
		stopper = time.AfterFunc(cfg.MaxProcessingTime, func() {
			e.stop(stopPause, "max processing time exceeded")
		})
	}

	return func() {
		close(done)
		if stopper != nil {
			stopper.Stop()
		}
	}
}

// touchLive refreshes last_touched only while the task can still make
// progress; a terminal or vanished task needs no liveness proof.
func (e *execution) touchLive(ctx context.Context, acct dataexport.Account) {
	st, err := e.s.store.Status(ctx, acct)
	if err != nil {
		e.log.Warn("status check before touch failed", logx.Int("user", acct.UserID), logx.Err(err))
		return
	}
	if st == dataexport.StatusNone || st.Terminal() {
		return
	}
	if err := e.s.store.Touch(ctx, acct); err != nil {
		e.log.Warn("touch failed", logx.Int("user", acct.UserID), logx.Err(err))
	}
}
