package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldclinic/clinic_session/internal/bruteforce"
	"github.com/fieldclinic/clinic_session/internal/clinical"
	"github.com/fieldclinic/clinic_session/internal/facility"
	"github.com/fieldclinic/clinic_session/internal/remote"
)

// PinProtectionSource fetches the server-driven PIN protection settings.
type PinProtectionSource interface {
	BruteForceConfig(ctx context.Context) (remote.PinProtectionConfig, error)
}

// NewPinProtectionJob pulls PIN protection settings into target. Invalid
// settings from the server are rejected and the current value is kept.
func NewPinProtectionJob(source PinProtectionSource, target *bruteforce.ConfigValue) Job {
	return JobFunc("pin_protection_config", func(ctx context.Context) error {
		cfg, err := source.BruteForceConfig(ctx)
		if err != nil {
			return err
		}
		if cfg.LimitOfFailedAttempts <= 0 || cfg.BlockDurationSeconds < 0 {
			return fmt.Errorf("invalid pin protection config: limit=%d block=%ds",
				cfg.LimitOfFailedAttempts, cfg.BlockDurationSeconds)
		}
		target.Set(bruteforce.Config{
			LimitOfFailedAttempts: cfg.LimitOfFailedAttempts,
			BlockDuration:         time.Duration(cfg.BlockDurationSeconds) * time.Second,
			IsEnabled:             cfg.IsEnabled,
		})
		return nil
	})
}

// FacilitySource pulls facilities changed since a cursor.
type FacilitySource interface {
	PullFacilities(ctx context.Context, since time.Time) (remote.FacilityPage, error)
}

// FacilityPull is the incremental facility pull. It runs as a scheduled job
// and on demand before a found user is saved; runs never overlap.
type FacilityPull struct {
	source  FacilitySource
	repo    facility.Repository
	cursors clinical.Cursors

	mu sync.Mutex
}

// NewFacilityPull wires a facility pull that resumes from the facility cursor.
func NewFacilityPull(source FacilitySource, repo facility.Repository, cursors clinical.Cursors) *FacilityPull {
	return &FacilityPull{source: source, repo: repo, cursors: cursors}
}

func (p *FacilityPull) Name() string { return "facilities" }

// Run pulls one page and advances the cursor only after it is stored.
// Remote errors are returned unwrapped.
func (p *FacilityPull) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	since, _, err := p.cursors.Get(ctx, clinical.EntityFacility)
	if err != nil {
		return err
	}
	page, err := p.source.PullFacilities(ctx, since)
	if err != nil {
		return err
	}
	if len(page.Facilities) > 0 {
		if err := p.repo.SaveFacilities(ctx, page.Facilities); err != nil {
			return fmt.Errorf("store facilities: %w", err)
		}
	}
	if page.ProcessedSince.IsZero() {
		return nil
	}
	return p.cursors.Set(ctx, clinical.EntityFacility, page.ProcessedSince)
}

// PullFacilities runs the pull outside the schedule.
func (p *FacilityPull) PullFacilities(ctx context.Context) error {
	return p.Run(ctx)
}
