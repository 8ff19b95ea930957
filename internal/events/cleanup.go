package events

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long raw market events stay queryable. Snapshots
// only look back one hour, so a day leaves ample headroom.
const DefaultRetention = 24 * time.Hour

// Janitor deletes old market events once a day at a configured UTC time.
type Janitor struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	spec      string
}

// NewJanitor schedules a daily cleanup at clockMinutes past midnight UTC.
func NewJanitor(store *Store, clockMinutes int, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		store:     store,
		retention: retention,
		spec:      fmt.Sprintf("%d %d * * *", clockMinutes%60, clockMinutes/60),
	}
}

func (j *Janitor) Start() error {
	j.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := j.cron.AddFunc(j.spec, j.run); err != nil {
		return err
	}
	j.cron.Start()
	log.Info().Str("schedule", j.spec).Dur("retention", j.retention).Msg("event cleanup scheduled")
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) run() {
	cutoff := time.Now().UTC().Add(-j.retention)
	deleted := j.store.CleanupOlderThan(cutoff)
	log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("event cleanup ran")
}
