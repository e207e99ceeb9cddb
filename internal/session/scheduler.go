package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftline/server/config"
)

// Scheduler drives every room's simulation from a single goroutine. One
// ticker, one pass over the rooms per tick; with the per-room work this small
// there is nothing to gain from a goroutine per room, and a single driver
// keeps tick timing uniform across rooms.
type Scheduler struct {
	registry *Registry
	log      *logrus.Entry
}

// NewScheduler creates a scheduler over the registry's rooms.
func NewScheduler(registry *Registry, log *logrus.Entry) *Scheduler {
	return &Scheduler{registry: registry, log: log}
}

// Run ticks until the context is canceled. Physics advances every tick;
// authoritative snapshots go out once per broadcast window.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Second / time.Duration(config.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithFields(logrus.Fields{
		"tick_rate":           config.TickRate,
		"ticks_per_broadcast": config.TicksPerBroadcast,
	}).Info("scheduler running")

	var tickCount uint64
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			tickCount++
			tickTime := now()
			broadcast := tickCount%config.TicksPerBroadcast == 0

			for _, room := range s.registry.Rooms() {
				room.Tick(tickTime)
				if broadcast {
					room.BroadcastSnapshot()
				}
			}
		}
	}
}
