package main

import (
	"context"
	"log"
	"time"
)

// runPurgeLoop deletes sessions past their retention every interval until
// ctx is done.
func runPurgeLoop(ctx context.Context, interval time.Duration, purge func(context.Context) (int64, error)) {
	if interval <= 0 || purge == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				log.Printf("purge expired sessions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("purged %d expired registration sessions", n)
			}
		}
	}
}
