package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

var (
	eventPrefix = []byte("events")
	metaPrefix  = []byte("meta")
	headKey     = []byte("head")
)

// Record is a journaled event and its offset. Offsets start at 1 and keep
// growing across restarts, unlike event sequence numbers.
type Record struct {
	Offset uint64   `json:"offset"`
	Event  lx.Event `json:"event"`
}

// Journal appends every published engine event to a database
type Journal struct {
	mu     sync.Mutex
	db     database.Database
	events database.Database
	meta   database.Database
	head   uint64
	failed uint64
	log    log.Logger
}

var _ lx.EventSink = (*Journal)(nil)

// Open loads the journal head from db
func Open(db database.Database, logger log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.Root().New("module", "journal")
	}
	j := &Journal{
		db:     db,
		events: prefixdb.New(eventPrefix, db),
		meta:   prefixdb.New(metaPrefix, db),
		log:    logger,
	}

	raw, err := j.meta.Get(headKey)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read journal head: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("corrupt journal head: %d bytes", len(raw))
	default:
		j.head = binary.BigEndian.Uint64(raw)
	}

	j.log.Info("journal opened", "head", j.head)
	return j, nil
}

// Publish appends ev. Write failures are logged and counted, never returned,
// since the engine has already committed.
func (j *Journal) Publish(ev lx.Event) {
	if err := j.Append(ev); err != nil {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		j.log.Error("journal append failed", "sequence", ev.Sequence, "type", string(ev.Type), "error", err)
	}
}

// Append writes ev at the next offset
func (j *Journal) Append(ev lx.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	offset := j.head + 1
	key := database.PackUInt64(offset)

	// the head moves only after the event is stored
	if err := j.events.Put(key, value); err != nil {
		return err
	}
	if err := j.meta.Put(headKey, key); err != nil {
		return err
	}
	j.head = offset
	return nil
}

// Head returns the offset of the last appended event
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Failed returns how many appends were dropped
func (j *Journal) Failed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Records returns up to limit records starting at offset from
func (j *Journal) Records(from uint64, limit int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	iter := j.events.NewIteratorWithStart(database.PackUInt64(from))
	defer iter.Release()

	var out []Record
	for iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var ev lx.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("decode event at %x: %w", iter.Key(), err)
		}
		out = append(out, Record{
			Offset: binary.BigEndian.Uint64(iter.Key()),
			Event:  ev,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
