package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"TrancheVault/internal/core"
	"TrancheVault/internal/event"
	"TrancheVault/internal/observability"
)

// Worker drains the persist channel and batch-writes to Postgres. It runs
// independently from the settlement core; the persist channel uses BLOCKING
// sends from the core, so if this worker falls behind, the core stalls —
// guaranteeing no event is lost.
type Worker struct {
	writer       *VaultWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

// batch accumulates rows derived from CoreOutputs between flushes.
type batch struct {
	events       []EventRow
	interactions []InteractionRow
	tranches     []TrancheRow
	settlements  []SettlementRow
	pools        []PoolRow
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.interactions = b.interactions[:0]
	b.tranches = b.tranches[:0]
	b.settlements = b.settlements[:0]
	b.pools = b.pools[:0]
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewVaultWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the worker loop. It batches incoming outputs and flushes either
// when the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var b batch
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(b.events) > 0 {
				if err := w.flush(context.Background(), &b); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := w.flush(context.Background(), &b); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			w.appendOutput(&b, output)

			if len(b.events) >= w.batchSize {
				if err := w.flushWithRetry(ctx, &b); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				b.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(b.events) > 0 {
				if err := w.flushWithRetry(ctx, &b); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				b.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// appendOutput converts a CoreOutput into the rows it produces.
func (w *Worker) appendOutput(b *batch, out core.CoreOutput) {
	env := out.Envelope
	b.events = append(b.events, EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	})

	if in := out.Interaction; in != nil {
		b.interactions = append(b.interactions, InteractionRow{
			Nonce:         int64(in.Nonce),
			TrancheID:     in.TrancheID.Hex(),
			Units:         in.Units,
			Expiry:        in.Expiry,
			Finalised:     in.Finalised,
			Failed:        in.Failed,
			Allocated:     in.Allocated,
			FailureKind:   in.FailureKind.String(),
			FailureReason: in.FailureReason,
			UpdatedSeq:    env.Sequence,
		})
	}

	if tl := out.Tranche; tl != nil {
		b.tranches = append(b.tranches, TrancheRow{
			TrancheID:        tl.TrancheID.Hex(),
			HeldUnits:        tl.HeldUnits,
			Redeemed:         tl.Redeemed,
			Unallocated:      tl.Unallocated,
			NumDeposits:      tl.NumDeposits,
			NumFinalised:     tl.NumFinalised,
			RedemptionFailed: tl.RedemptionFailed,
			FailureKind:      tl.FailureKind.String(),
			UpdatedSeq:       env.Sequence,
		})
	}

	if pool := out.Pool; pool != nil {
		b.pools = append(b.pools, PoolRow{
			PoolID:         pool.PoolID.String(),
			TrancheAddress: pool.TrancheAddress.Hex(),
			VenueAddress:   pool.VenueAddress.Hex(),
			PositionAsset:  pool.PositionAsset.Hex(),
			InputAsset:     pool.InputAsset.Hex(),
			Expiry:         pool.Expiry,
		})
	}

	if env.EventType == event.EventTypeSettled && out.Interaction != nil {
		var settled event.Settled
		if err := json.Unmarshal(env.Payload, &settled); err != nil {
			log.Printf("WARN: cannot decode Settled payload at seq %d: %v", env.Sequence, err)
			return
		}
		b.settlements = append(b.settlements, SettlementRow{
			Nonce:       int64(settled.Nonce),
			TrancheID:   out.Interaction.TrancheID.Hex(),
			Success:     settled.Success,
			Allocated:   settled.AllocatedAmount,
			Recipient:   settled.Recipient.Hex(),
			FailureKind: settled.FailureKind,
			Reason:      settled.Reason,
			Sequence:    env.Sequence,
			Timestamp:   env.Timestamp,
		})
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops events — it retries until the write succeeds or the context is
// cancelled, and even then attempts one final flush.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(b.events))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), b)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes all row kinds in one transaction.
func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := w.writer.WriteInteractionBatch(ctx, tx, b.interactions); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_interactions").Inc()
		}
		return err
	}
	if err := w.writer.WriteTrancheBatch(ctx, tx, b.tranches); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_tranches").Inc()
		}
		return err
	}
	if err := w.writer.WriteSettlementBatch(ctx, tx, b.settlements); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_settlements").Inc()
		}
		return err
	}
	if err := w.writer.WritePoolBatch(ctx, tx, b.pools); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_pools").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		w.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		if len(b.events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (w *Worker) GetWriter() *VaultWriter {
	return w.writer
}
