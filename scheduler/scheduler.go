// Package scheduler enqueues the periodic price refresh. Several
// replicas may run; the leader lease ensures only one of them
// schedules at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"spotqueue/coord"
	"spotqueue/model"
	"spotqueue/service"
)

const leaseName = "scheduler"

type Scheduler struct {
	svc            *service.Service
	lease          *coord.Lease
	selfID         string
	leaseTTL       time.Duration
	updateInterval time.Duration
	instanceTypes  []string
}

func New(svc *service.Service, lease *coord.Lease, selfID string, leaseTTL, updateInterval time.Duration, instanceTypes []string) *Scheduler {
	return &Scheduler{
		svc:            svc,
		lease:          lease,
		selfID:         selfID,
		leaseTTL:       leaseTTL,
		updateInterval: updateInterval,
		instanceTypes:  instanceTypes,
	}
}

// Run attempts the lease at a third of its TTL so leadership survives
// scheduling jitter, and enqueues one low-priority batch refresh per
// update interval while leading. A replica that loses the lease simply
// stops scheduling; the refresh itself is idempotent, so the brief
// double-enqueue possible during handover is harmless.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler %s] starting (interval %s, %d instance types)", s.selfID, s.updateInterval, len(s.instanceTypes))

	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	var lastEnqueue time.Time
	wasLeader := false
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler %s] shutting down", s.selfID)
			return
		case <-ticker.C:
		}

		leader, err := s.lease.AcquireOrRenew(ctx, leaseName, s.selfID, s.leaseTTL)
		if err != nil {
			log.Printf("[scheduler %s] lease error: %v", s.selfID, err)
			continue
		}
		if leader != wasLeader {
			if leader {
				log.Printf("[scheduler %s] acquired leadership", s.selfID)
			} else {
				log.Printf("[scheduler %s] lost leadership", s.selfID)
			}
			wasLeader = leader
		}
		if !leader {
			continue
		}
		if time.Since(lastEnqueue) < s.updateInterval {
			continue
		}
		if id, err := s.enqueueRefresh(ctx); err != nil {
			log.Printf("[scheduler %s] enqueue error: %v", s.selfID, err)
		} else {
			lastEnqueue = time.Now()
			log.Printf("[scheduler %s] enqueued refresh task %s for %d instance types", s.selfID, id, len(s.instanceTypes))
		}
	}
}

func (s *Scheduler) enqueueRefresh(ctx context.Context) (string, error) {
	payload, err := json.Marshal(model.FetchBatchPayload{
		InstanceTypes: s.instanceTypes,
		Source:        "scheduler",
	})
	if err != nil {
		return "", err
	}
	return s.svc.Enqueue(ctx, model.TypeFetchBatch, payload, model.PriorityLow)
}
