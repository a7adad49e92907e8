package credential

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatdeck/wa-engine/database"
	"github.com/chatdeck/wa-engine/models"
)

// batch is one SetKeys submission, or a flush marker when done is set.
type batch struct {
	updates map[KeyRef][]byte
	done    chan struct{}
}

// tenantWriter serializes key-material writes for one tenant. A single
// goroutine drains the queue so batches apply in submission order; callers
// never wait for the database.
type tenantWriter struct {
	tenantID string
	db       *database.Database
	queue    chan batch
	stopped  chan struct{}
	finished chan struct{}
}

func newTenantWriter(db *database.Database, tenantID string) *tenantWriter {
	w := &tenantWriter{
		tenantID: tenantID,
		db:       db,
		queue:    make(chan batch, 64),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *tenantWriter) enqueue(b batch) {
	select {
	case <-w.stopped:
		if b.done != nil {
			close(b.done)
		}
	default:
		w.queue <- b
	}
}

func (w *tenantWriter) stop() {
	done := make(chan struct{})
	w.queue <- batch{done: done}
	<-done
	close(w.stopped)
}

func (w *tenantWriter) run() {
	defer close(w.finished)
	for {
		select {
		case b := <-w.queue:
			w.handle(b)
		case <-w.stopped:
			// Drain what was queued before the stop, then exit.
			for {
				select {
				case b := <-w.queue:
					w.handle(b)
				default:
					return
				}
			}
		}
	}
}

func (w *tenantWriter) handle(b batch) {
	if b.done != nil {
		close(b.done)
		return
	}
	if err := w.apply(b.updates); err != nil {
		// A lost key write risks re-pairing after restart but must not
		// take down the connection task.
		log.Error().Err(err).Str("tenant", w.tenantID).Msg("credential: key batch write failed")
	}
}

// apply writes one batch in a single transaction: present values upsert,
// nil values delete.
func (w *tenantWriter) apply(updates map[KeyRef][]byte) error {
	refs := make([]KeyRef, 0, len(updates))
	for ref := range updates {
		refs = append(refs, ref)
	}
	// Deterministic statement order within the batch.
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return w.db.ORM().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ref := range refs {
			value := updates[ref]
			if value == nil {
				err := tx.Where("tenant_id = ? AND key_type = ? AND key_id = ?",
					w.tenantID, string(ref.Type), ref.ID).
					Delete(&models.SignalKey{}).Error
				if err != nil {
					return err
				}
				continue
			}
			row := models.SignalKey{
				TenantID: w.tenantID,
				KeyType:  string(ref.Type),
				KeyID:    ref.ID,
				Blob:     value,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tenant_id"}, {Name: "key_type"}, {Name: "key_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"blob":       value,
					"updated_at": time.Now(),
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
