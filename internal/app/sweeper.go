/**
 * @description
 * This file implements the abandoned-payment sweeper. An STK push that the
 * tenant never answers produces no callback at all, so `initiated` rows would
 * otherwise sit in limbo forever. The sweeper periodically marks stale rows
 * as abandoned and publishes the corresponding status events.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 */

package app

import (
	"context"
	"log"
	"time"
)

const (
	defaultAbandonAfter  = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// StartAbandonSweeper launches the background sweep loop. It stops when the
// given context is cancelled. abandonAfter bounds how long an initiated
// payment may wait for a callback before being written off.
func (s *Service) StartAbandonSweeper(ctx context.Context, abandonAfter, interval time.Duration) {
	if abandonAfter <= 0 {
		abandonAfter = defaultAbandonAfter
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("level=info component=sweeper msg=\"abandon sweeper started\" abandon_after=%s interval=%s", abandonAfter, interval)
		for {
			select {
			case <-ctx.Done():
				log.Println("level=info component=sweeper msg=\"abandon sweeper stopped\"")
				return
			case <-ticker.C:
				s.sweepAbandoned(ctx, abandonAfter)
			}
		}
	}()
}

// sweepAbandoned performs one sweep pass.
func (s *Service) sweepAbandoned(ctx context.Context, abandonAfter time.Duration) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-abandonAfter)
	abandoned, err := s.repo.AbandonStalePayments(sweepCtx, cutoff)
	if err != nil {
		log.Printf("level=error component=sweeper msg=\"sweep failed\" err=%v", err)
		return
	}
	if len(abandoned) == 0 {
		return
	}

	log.Printf("level=info component=sweeper msg=\"stale payments abandoned\" count=%d cutoff=%s", len(abandoned), cutoff.Format(time.RFC3339))
	for i := range abandoned {
		s.publishStatusEvent(sweepCtx, &abandoned[i])
	}
}
