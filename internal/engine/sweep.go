package engine

import (
	"github.com/robfig/cron/v3"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// StartSweep schedules the periodic liveness sweep. The sweep only observes:
// it refreshes the state gauges and logs newly detected crashes, and never
// respawns or mutates desired state — crash recovery is the user's call or
// the next boot reconciliation's.
func (e *Engine) StartSweep(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, e.SweepOnce); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// SweepOnce walks all records and reconciles the metrics view of the world.
func (e *Engine) SweepOnce() {
	records, err := e.store.List()
	if err != nil {
		e.logger.Error("liveness sweep: list records", "err", err)
		return
	}

	counts := make(map[string]int, 3)
	for _, inst := range records {
		observed := e.observed(inst.Name)
		counts[string(observed)]++

		if observed != domain.ObservedCrashed {
			continue
		}
		e.crashMu.Lock()
		seen := e.crashSeen[inst.Name]
		e.crashSeen[inst.Name] = true
		e.crashMu.Unlock()
		if !seen {
			e.metrics.RecordCrash()
			e.logger.Warn("instance crashed",
				"instance", inst.Name,
				"desired", inst.Desired,
			)
		}
	}

	e.metrics.SetInstanceStates(counts)
}
