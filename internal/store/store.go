// Package store persists distribution run state in an embedded badger
// database: the run header, every settlement record, the idempotency marker,
// the payout table and the last accepted market parameters.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// DoneMarker is the idempotency marker of a date. It is written once every
// transfer of the run has been attempted.
type DoneMarker struct {
	RunID       string          `json:"run_id"`
	Status      model.RunStatus `json:"status"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Store is a badger-backed run store. It is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	return open(badger.DefaultOptions(path))
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts = opts.WithLogger(badgerLogger{logrus.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return &Store{db: db}, nil
}

// badgerLogger demotes badger's chatty info output to debug.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(date string) []byte { return []byte(runPrefix + date) }
func doneKey(date string) []byte { return []byte(donePrefix + date) }
func tableKey(date string) []byte { return []byte(tablePrefix + date) }
func recordsPrefix(date string) []byte { return []byte(recordPrefix + date + "/") }

func recordKey(date string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", recordPrefix, date, index))
}

// PutRun writes the run header.
func (s *Store) PutRun(run model.Run) error {
	return s.put(runKey(run.RunDate), run)
}

// GetRun reads the run header, or model.ErrRunNotFound.
func (s *Store) GetRun(date string) (model.Run, error) {
	var run model.Run
	err := s.get(runKey(date), &run)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Run{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, date)
	}
	return run, err
}

// PutRecord writes or replaces a single settlement record.
func (s *Store) PutRecord(rec model.SettlementRecord) error {
	return s.put(recordKey(rec.RunDate, rec.Index), rec)
}

// PutRecords writes many records in one batch.
func (s *Store) PutRecords(recs []model.SettlementRecord) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", rec.Index, err)
		}
		if err := wb.Set(recordKey(rec.RunDate, rec.Index), data); err != nil {
			return fmt.Errorf("failed to queue record %d: %w", rec.Index, err)
		}
	}
	return wb.Flush()
}

// Records returns every record of a date in index order.
func (s *Store) Records(date string) ([]model.SettlementRecord, error) {
	var recs []model.SettlementRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := recordsPrefix(date)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.SettlementRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// MarkDone writes the idempotency marker for date.
func (s *Store) MarkDone(date string, marker DoneMarker) error {
	return s.put(doneKey(date), marker)
}

// Done reports whether date carries an idempotency marker.
func (s *Store) Done(date string) (DoneMarker, bool, error) {
	var marker DoneMarker
	err := s.get(doneKey(date), &marker)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return DoneMarker{}, false, nil
	}
	if err != nil {
		return DoneMarker{}, false, err
	}
	return marker, true, nil
}

// PutTable stores the payout table a run was executed against.
func (s *Store) PutTable(table model.PayoutTable) error {
	return s.put(tableKey(table.RunDate), table)
}

// GetTable reads a stored payout table, or model.ErrRunNotFound.
func (s *Store) GetTable(date string) (model.PayoutTable, error) {
	var table model.PayoutTable
	err := s.get(tableKey(date), &table)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.PayoutTable{}, fmt.Errorf("%w: no payout table for %s", model.ErrRunNotFound, date)
	}
	return table, err
}

// PutLastMarket records the parameters of the last accepted run.
func (s *Store) PutLastMarket(params model.MarketParameters) error {
	return s.put([]byte(lastMarketKey), params)
}

// LastMarket returns the parameters of the last accepted run, if any.
func (s *Store) LastMarket() (model.MarketParameters, bool, error) {
	var params model.MarketParameters
	err := s.get([]byte(lastMarketKey), &params)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.MarketParameters{}, false, nil
	}
	if err != nil {
		return model.MarketParameters{}, false, err
	}
	return params, true, nil
}

// ArchiveRun moves the run header, records, marker and table of date under
// archive/<date>/<runID>/ so a forced re-execution starts from a clean key
// space while the previous attempt stays auditable.
func (s *Store) ArchiveRun(date, runID string) (int, error) {
	sources := [][]byte{runKey(date), doneKey(date), tableKey(date)}
	type kv struct{ key, val []byte }
	var moved []kv

	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range sources {
			item, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			moved = append(moved, kv{key: k, val: val})
		}

		prefix := recordsPrefix(date)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			moved = append(moved, kv{key: it.Item().KeyCopy(nil), val: val})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read run %s for archiving: %w", date, err)
	}
	if len(moved) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	base := fmt.Sprintf("%s%s/%s/", archivePrefix, date, runID)
	for _, m := range moved {
		if err := wb.Set([]byte(base+string(m.key)), m.val); err != nil {
			return 0, err
		}
		if err := wb.Delete(m.key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to archive run %s: %w", date, err)
	}

	logrus.WithFields(logrus.Fields{
		"run_date": date,
		"run_id":   runID,
		"keys":     len(moved),
	}).Info("Archived previous run")
	return len(moved), nil
}

// RunDates lists every date with a run header, oldest first.
func (s *Store) RunDates() ([]string, error) {
	var dates []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			dates = append(dates, strings.TrimPrefix(string(it.Item().Key()), runPrefix))
		}
		return nil
	})
	sort.Strings(dates)
	return dates, err
}

func (s *Store) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *Store) get(key []byte, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}
