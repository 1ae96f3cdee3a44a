// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package badgersink implements a monitor sink persisting samples, alerts
// and leaks in a badger key-value store.
package badgersink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	logger "github.com/containers/memgov/pkg/log"
	"github.com/containers/memgov/pkg/monitor"
)

var log = logger.Get("badgersink")

const (
	samplePrefix = "sample/"
	alertPrefix  = "alert/"
	leakPrefix   = "leak/"
)

// Config is the configuration of a badger sink.
type Config struct {
	// Path is the directory of the database. Ignored if InMemory is set.
	Path string `json:"path,omitempty"`
	// InMemory keeps the database in memory only.
	InMemory bool `json:"inMemory,omitempty"`
	// SampleTTL is the lifetime of stored samples, 0 keeps them forever.
	SampleTTL time.Duration `json:"sampleTTL,omitempty"`
	// SyncWrites syncs every write to disk.
	SyncWrites bool `json:"syncWrites,omitempty"`
}

// Sink is a monitor.Sink backed by badger.
type Sink struct {
	db  *badger.DB
	cfg Config
}

var _ monitor.Sink = (*Sink)(nil)

// Open opens a badger sink.
func Open(cfg Config) (*Sink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.Errorf("badgersink: no path for persistent database")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badgersink: failed to open database")
	}

	if cfg.InMemory {
		log.Info("opened in-memory monitor sink")
	} else {
		log.Info("opened monitor sink at %s", cfg.Path)
	}

	return &Sink{db: db, cfg: cfg}, nil
}

func sampleKey(t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d", samplePrefix, t.UnixNano()))
}

func (s *Sink) put(key []byte, obj interface{}, ttl time.Duration) error {
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "badgersink: failed to marshal %s", key)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	return errors.Wrapf(err, "badgersink: failed to store %s", key)
}

// StoreSample stores a sample keyed by its time.
func (s *Sink) StoreSample(sample monitor.Sample) error {
	return s.put(sampleKey(sample.Time), sample, s.cfg.SampleTTL)
}

// StoreAlert stores or updates an alert.
func (s *Sink) StoreAlert(a monitor.Alert) error {
	return s.put([]byte(alertPrefix+a.ID), a, 0)
}

// StoreLeak stores or updates a leak.
func (s *Sink) StoreLeak(l monitor.Leak) error {
	return s.put([]byte(leakPrefix+l.ID), l, 0)
}

// Samples returns the stored samples taken at or after since, oldest first.
func (s *Sink) Samples(since time.Time) ([]monitor.Sample, error) {
	var samples []monitor.Sample
	err := s.scan(samplePrefix, sampleKey(since), func(value []byte) error {
		var sample monitor.Sample
		if err := json.Unmarshal(value, &sample); err != nil {
			return err
		}
		samples = append(samples, sample)
		return nil
	})
	return samples, err
}

// Alerts returns all stored alerts ordered by id.
func (s *Sink) Alerts() ([]monitor.Alert, error) {
	var alerts []monitor.Alert
	err := s.scan(alertPrefix, nil, func(value []byte) error {
		var a monitor.Alert
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		alerts = append(alerts, a)
		return nil
	})
	return alerts, err
}

// Leaks returns all stored leaks ordered by id.
func (s *Sink) Leaks() ([]monitor.Leak, error) {
	var leaks []monitor.Leak
	err := s.scan(leakPrefix, nil, func(value []byte) error {
		var l monitor.Leak
		if err := json.Unmarshal(value, &l); err != nil {
			return err
		}
		leaks = append(leaks, l)
		return nil
	})
	return leaks, err
}

func (s *Sink) scan(prefix string, start []byte, fn func([]byte) error) error {
	if start == nil {
		start = []byte(prefix)
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(value); err != nil {
				return errors.Wrapf(err, "key %s", it.Item().Key())
			}
		}
		return nil
	})

	return errors.Wrapf(err, "badgersink: failed to scan %s", prefix)
}

// RunGC runs a value log garbage collection cycle on a persistent database.
func (s *Sink) RunGC(discardRatio float64) error {
	if s.cfg.InMemory {
		return nil
	}
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return errors.Wrap(err, "badgersink: value log GC failed")
}

// Close closes the database.
func (s *Sink) Close() error {
	return errors.Wrap(s.db.Close(), "badgersink: failed to close database")
}
