package followup

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/internal/platform/voice"
)

// dispatchBatch caps how many due calls one clinic hands off per pass.
const dispatchBatch = 50

// SlugLister enumerates the clinic schemas the dispatcher fans out over.
// Satisfied by *clinic.Service.
type SlugLister interface {
	ActiveSlugs(ctx context.Context) ([]string, error)
}

// Dispatcher hands due pending calls to the voice vendor. It runs from a
// ticker goroutine in serve and from the one-shot CLI command.
type Dispatcher struct {
	pool    *pgxpool.Pool
	clinics SlugLister
	svc     *Service
	calls   voice.Interface
	log     zerolog.Logger
}

func NewDispatcher(pool *pgxpool.Pool, clinics SlugLister, svc *Service, calls voice.Interface, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		clinics: clinics,
		svc:     svc,
		calls:   calls,
		log:     log.With().Str("component", "followup_dispatcher").Logger(),
	}
}

// DispatchDue walks every active clinic schema and hands its due pending
// calls to the vendor. A vendor error marks that call failed and moves on;
// a clinic-level error is logged and the remaining clinics still run.
// Returns the number of calls successfully handed off.
func (d *Dispatcher) DispatchDue(ctx context.Context) (int, error) {
	slugs, err := d.clinics.ActiveSlugs(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, slug := range slugs {
		err := db.WithClinicConn(ctx, d.pool, slug, func(cctx context.Context) error {
			n, err := d.lockedDispatch(cctx, slug)
			dispatched += n
			return err
		})
		if err != nil {
			d.log.Error().Err(err).Str("clinic", slug).Msg("dispatch pass failed for clinic")
		}
	}
	return dispatched, nil
}

// lockedDispatch serializes a clinic's pass across server replicas with an
// advisory transaction lock: a busy lock means another instance already
// holds this clinic's due calls, and dialing them from here too would ring
// owners twice. Completed hand-offs commit even when the pass fails midway.
func (d *Dispatcher) lockedDispatch(ctx context.Context, slug string) (int, error) {
	tx, txCtx, err := db.WithTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(txCtx,
		`SELECT pg_try_advisory_xact_lock($1)`, dispatchLockKey(slug)).Scan(&locked); err != nil {
		return 0, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !locked {
		d.log.Debug().Str("clinic", slug).Msg("another instance is dispatching this clinic")
		return 0, nil
	}

	n, dispatchErr := d.dispatchClinic(txCtx, slug)
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dispatch pass: %w", err)
	}
	return n, dispatchErr
}

// dispatchLockKey folds a clinic slug into the advisory lock keyspace.
func dispatchLockKey(slug string) int64 {
	h := fnv.New64a()
	h.Write([]byte("followup_dispatch:" + slug))
	return int64(h.Sum64())
}

func (d *Dispatcher) dispatchClinic(ctx context.Context, slug string) (int, error) {
	due, err := d.svc.ListDue(ctx, time.Now().UTC(), dispatchBatch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, sc := range due {
		call, err := d.calls.CreateCall(ctx, voice.CreateCallRequest{
			Phone:       sc.Phone,
			ScheduledAt: sc.ScheduledFor,
			Metadata: map[string]string{
				"call_id":     sc.ID.String(),
				"case_id":     sc.CaseID.String(),
				"clinic_slug": slug,
			},
		})
		if err != nil {
			d.log.Warn().Err(err).
				Str("clinic", slug).
				Str("call_id", sc.ID.String()).
				Msg("vendor rejected call")
			if markErr := d.svc.MarkFailed(ctx, sc.ID, err.Error()); markErr != nil {
				return dispatched, markErr
			}
			continue
		}

		if err := d.svc.MarkQueued(ctx, sc.ID, call.ID); err != nil {
			return dispatched, err
		}
		dispatched++
		d.log.Info().
			Str("clinic", slug).
			Str("call_id", sc.ID.String()).
			Str("provider_call_id", call.ID).
			Msg("call handed to vendor")
	}
	return dispatched, nil
}

// Run ticks DispatchDue until the context ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", interval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchDue(ctx); err != nil {
				d.log.Error().Err(err).Msg("dispatch pass failed")
			}
		}
	}
}
