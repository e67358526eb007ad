package dhcp4

import (
	"context"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// batchMaxOps is the maximum number of write operations committed in a
// single batch.
const batchMaxOps = 100

// batchMaxWait is the longest the writer waits to fill a batch before
// committing whatever it has.
const batchMaxWait = 100 * time.Millisecond

// retryDelay is how long the writer waits before retrying a failed batch.
const retryDelay = time.Second

// RunWriter drains the write queue, committing batches of up to
// batchMaxOps operations or every batchMaxWait, whichever comes first. It
// runs until ctx is canceled, flushing any remaining queued operations
// before returning.
func (s *LeaseStore) RunWriter(ctx context.Context) {
	batch := make([]writeOp, 0, batchMaxOps)
	timer := time.NewTimer(batchMaxWait)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		s.commitBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case op := <-s.writes:
					batch = append(batch, op)
					if len(batch) >= batchMaxOps {
						flush()
					}
				default:
					flush()

					return
				}
			}
		case op := <-s.writes:
			batch = append(batch, op)
			if len(batch) >= batchMaxOps {
				flush()
				timer.Reset(batchMaxWait)
			}
		case <-timer.C:
			flush()
			timer.Reset(batchMaxWait)
		}
	}
}

// commitBatch commits batch to the persister, retrying with a fixed delay
// on failure.  Persistence failures never roll back in-memory state and
// never propagate to a DHCP reply; they are logged, and no metric counts
// them.
func (s *LeaseStore) commitBatch(ctx context.Context, batch []writeOp) {
	s.metrics.batches.Inc()

	for {
		if err := s.applyBatch(ctx, batch); err != nil {
			s.logger.ErrorContext(
				ctx,
				"committing lease batch",
				"ops", len(batch),
				slogutil.KeyError, err,
			)

			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		break
	}

	s.markPersisted(batch)
	s.metrics.pendingWrites.Sub(float64(len(batch)))
}

// applyBatch converts batch to the persister's operation set and applies it
// in one transaction, preserving submission order (the order ops were
// appended to batch), which is also per-hardware-address order since ops
// enter the write queue in the order they were made.
func (s *LeaseStore) applyBatch(ctx context.Context, batch []writeOp) (err error) {
	ops := make([]BatchOp, len(batch))
	for i, op := range batch {
		switch op.kind {
		case opUpsert:
			ops[i] = BatchOp{Kind: BatchUpsert, Lease: op.lease}
		case opDeleteHW:
			ops[i] = BatchOp{Kind: BatchDeleteHW, HW: op.hw}
		case opDeleteAddr:
			ops[i] = BatchOp{Kind: BatchDeleteAddr, Addr: op.addr}
		}
	}

	return s.persister.ApplyBatch(ctx, ops)
}

// markPersisted replaces every still-current in-memory lease whose queuing
// predates this commit with a copy that has IsPersisted set.
func (s *LeaseStore) markPersisted(batch []writeOp) {
	for _, op := range batch {
		if op.kind != opUpsert {
			continue
		}

		key, ok := NewHWKey(op.lease.HWAddr)
		if !ok {
			continue
		}

		if v, ok := s.byHW.Load(key); ok {
			if cur := v.(*Lease); cur == op.lease {
				persisted := cur.Clone()
				persisted.IsPersisted = true
				if s.byHW.CompareAndSwap(key, cur, persisted) {
					s.byIP.CompareAndSwap(cur.Address, cur, persisted)
				}
			}
		}
	}
}
