package duckdb

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultRetentionDays = 30

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
}

// RetentionCleaner periodically deletes records older than the retention
// period. It runs one pass at start to catch up after downtime.
type RetentionCleaner struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner returns nil when retention is disabled (days <= 0).
func NewRetentionCleaner(store *Store, conf ...RetentionConfig) *RetentionCleaner {
	days := DefaultRetentionDays
	interval := time.Hour
	if len(conf) > 0 {
		days = conf[0].RetentionDays
		if conf[0].Interval > 0 {
			interval = conf[0].Interval
		}
	}
	if days <= 0 {
		return nil
	}

	rc := &RetentionCleaner{
		store:    store,
		maxAge:   time.Duration(days) * 24 * time.Hour,
		interval: interval,
		done:     make(chan struct{}),
	}
	rc.cleanup()

	rc.wg.Add(1)
	go rc.loop()
	return rc
}

func (rc *RetentionCleaner) loop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-rc.maxAge)
	n, err := rc.store.DeleteBefore(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("duckdb: retention cleanup failed")
		return
	}
	if n > 0 {
		log.Info().Int64("records", n).Time("cutoff", cutoff).Msg("duckdb: retention cleanup")
	}
}

// Stop is safe on a nil cleaner and safe to call more than once.
func (rc *RetentionCleaner) Stop() {
	if rc == nil {
		return
	}
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
