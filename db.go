/*
 * Copyright 2024 The Rublo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rublo

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// DefaultDataDir is where filter blobs live, relative to the process
	// working directory.
	DefaultDataDir = "rublo"
	// FileExtension of a persisted filter blob.
	FileExtension = ".rbl"

	defaultDumpInterval  = 60 * time.Second
	defaultSweepInterval = 5 * time.Second
	defaultIdleThreshold = time.Hour
)

// DBConfig is passed to OpenDB for creating new DB instances.
type DBConfig struct {
	// Dir is the data directory. Created if missing. Defaults to
	// DefaultDataDir.
	Dir string
	// ScaleFactor applied to every filter created through this DB.
	// Defaults to SmallScaleFactor.
	ScaleFactor ScaleFactor
	// DumpInterval between full persistence passes over the warm set.
	DumpInterval time.Duration
	// SweepInterval between cold-eviction passes.
	SweepInterval time.Duration
	// IdleThreshold of inactivity after which a warm filter is evicted to
	// disk.
	IdleThreshold time.Duration
	// Logger for background workers. Defaults to the standard logrus logger.
	Logger logrus.FieldLogger
	// Metrics determines whether performance counters are kept.
	Metrics bool
}

func (c *DBConfig) withDefaults() DBConfig {
	out := *c
	if out.Dir == "" {
		out.Dir = DefaultDataDir
	}
	if out.ScaleFactor == 0 {
		out.ScaleFactor = SmallScaleFactor
	}
	if out.DumpInterval == 0 {
		out.DumpInterval = defaultDumpInterval
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = defaultSweepInterval
	}
	if out.IdleThreshold == 0 {
		out.IdleThreshold = defaultIdleThreshold
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// DB is the named registry of scalable Bloom filters. Warm filters are
// resident in memory; cold filters exist only as blobs in the data
// directory and are tracked by name. A name is never in both sets.
//
// One mutex guards the registry. Request handlers and both background
// workers serialize on it, including across the disk I/O of a cold
// pull-back or a dump pass. Correctness over latency.
type DB struct {
	mu      sync.Mutex
	filters map[string]*ScalableBloomFilter
	cold    map[string]struct{}

	cfg      DBConfig
	log      logrus.FieldLogger
	lockFile *os.File

	Metrics *Metrics

	stop     chan struct{}
	wg       sync.WaitGroup
	isClosed bool
}

// OpenDB locks the data directory, loads every persisted filter into the
// warm set and starts the dump and cold-sweep workers. The cold set starts
// empty; filters only become cold through subsequent sweeps. Blobs that
// fail to decode are logged and skipped so one corrupt file cannot keep the
// server down.
func OpenDB(config *DBConfig) (*DB, error) {
	cfg := config.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating data dir %s", cfg.Dir)
	}
	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}
	d := &DB{
		filters:  make(map[string]*ScalableBloomFilter),
		cold:     make(map[string]struct{}),
		cfg:      cfg,
		log:      cfg.Logger,
		lockFile: lock,
		stop:     make(chan struct{}),
	}
	if cfg.Metrics {
		d.Metrics = newMetrics()
	}
	if err := d.loadAll(); err != nil {
		d.unlockDir()
		return nil, err
	}
	d.wg.Add(2)
	go d.dumpLoop()
	go d.sweepLoop()
	return d, nil
}

// lockDir takes an exclusive flock on <dir>/.lock so two servers cannot
// share a data directory.
func lockDir(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "data dir %s is locked by another process", dir)
	}
	return f, nil
}

func (d *DB) unlockDir() {
	if d.lockFile == nil {
		return
	}
	_ = unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN)
	_ = d.lockFile.Close()
	d.lockFile = nil
}

func (d *DB) loadAll() error {
	paths, err := filepath.Glob(filepath.Join(d.cfg.Dir, "*"+FileExtension))
	if err != nil {
		return errors.Wrap(err, "scanning data dir")
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			d.log.WithError(err).WithField("file", path).Warn("skipping unreadable filter blob")
			continue
		}
		f := new(ScalableBloomFilter)
		if err := f.UnmarshalBinary(data); err != nil {
			d.log.WithError(err).WithField("file", path).Warn("skipping corrupt filter blob")
			continue
		}
		d.filters[f.Name()] = f
	}
	return nil
}

func (d *DB) path(name string) string {
	return filepath.Join(d.cfg.Dir, name+FileExtension)
}

// writeFilter persists one filter. Written to a temp file first so a crash
// mid-write never clobbers the previous good blob. Callers hold the lock.
func (d *DB) writeFilter(f *ScalableBloomFilter) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	path := d.path(f.Name())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	return nil
}

// readFilter loads one filter blob from disk. Callers hold the lock.
func (d *DB) readFilter(name string) (*ScalableBloomFilter, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		return nil, err
	}
	f := new(ScalableBloomFilter)
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (d *DB) errUnknown(name string) error {
	return errors.Errorf("no scalable filter named %s", name)
}

// warmOrLoad returns the named warm filter, pulling it back from disk and
// promoting it if it is cold. The caller holds the lock, so the load and
// the promotion are atomic relative to every other request.
func (d *DB) warmOrLoad(name string) (*ScalableBloomFilter, error) {
	if f, ok := d.filters[name]; ok {
		return f, nil
	}
	if _, ok := d.cold[name]; !ok {
		return nil, d.errUnknown(name)
	}
	f, err := d.readFilter(name)
	if err != nil {
		return nil, errors.Wrapf(err, "error recovering cold filter %s", name)
	}
	d.filters[name] = f
	delete(d.cold, name)
	d.Metrics.add(filterLoad, 1)
	return f, nil
}

// Create registers an empty scalable filter under name. Creating a name
// that is already warm or cold is a no-op: the existing state, in memory or
// on disk, wins.
func (d *DB) Create(name string, capacity uint64, fpp float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.filters[name]; ok {
		return nil
	}
	if _, ok := d.cold[name]; ok {
		return nil
	}
	d.filters[name] = NewScalableBloomFilter(name, capacity, fpp, d.cfg.ScaleFactor)
	d.Metrics.add(filterAdd, 1)
	return nil
}

// Set inserts key into the named filter, pulling it back from disk first if
// it went cold.
func (d *DB) Set(name string, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.warmOrLoad(name)
	if err != nil {
		return err
	}
	if _, err := f.Set(key); err != nil {
		return errors.Wrapf(err, "set %s failed", name)
	}
	return nil
}

// Check tests key against the named filter, pulling it back from disk first
// if it went cold.
func (d *DB) Check(name string, key []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.warmOrLoad(name)
	if err != nil {
		return false, err
	}
	found := f.Check(key)
	if found {
		d.Metrics.add(checkHit, 1)
	} else {
		d.Metrics.add(checkMiss, 1)
	}
	return found, nil
}

// FilterInfo is a point-in-time description of one scalable filter.
type FilterInfo struct {
	Name           string
	Capacity       uint64
	Size           uint64
	ByteSpace      uint64
	FilterCount    int
	HashCount      uint32
	Hits           uint64
	Miss           uint64
	CreationTime   time.Time
	LastAccessTime time.Time
}

func infoFor(f *ScalableBloomFilter) *FilterInfo {
	return &FilterInfo{
		Name:           f.Name(),
		Capacity:       f.Capacity(),
		Size:           f.Size(),
		ByteSpace:      f.ByteSpace(),
		FilterCount:    f.FilterCount(),
		HashCount:      f.HashCount(),
		Hits:           f.Hits(),
		Miss:           f.Miss(),
		CreationTime:   f.CreationTime(),
		LastAccessTime: f.LastAccessTime(),
	}
}

// Info describes the named filter. A cold filter is read through from disk
// without being promoted: asking about a filter is not activity.
func (d *DB) Info(name string) (*FilterInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.filters[name]; ok {
		return infoFor(f), nil
	}
	if _, ok := d.cold[name]; ok {
		f, err := d.readFilter(name)
		if err != nil {
			return nil, errors.Wrapf(err, "error recovering cold filter %s", name)
		}
		return infoFor(f), nil
	}
	return nil, d.errUnknown(name)
}

// Drop removes the named filter from the warm and cold sets and deletes its
// blob so a later sweep or restart cannot resurrect it.
func (d *DB) Drop(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, warm := d.filters[name]
	_, cold := d.cold[name]
	if !warm && !cold {
		return d.errUnknown(name)
	}
	delete(d.filters, name)
	delete(d.cold, name)
	if err := os.Remove(d.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing blob for %s", name)
	}
	d.Metrics.add(filterDrop, 1)
	return nil
}

// Clear resets the named filter. Warm filters only: a cold filter has no
// resident state to clear.
func (d *DB) Clear(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[name]
	if !ok {
		return d.errUnknown(name)
	}
	f.Clear()
	return nil
}

// Persist flushes the named warm filter to disk immediately.
func (d *DB) Persist(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.filters[name]
	if !ok {
		return d.errUnknown(name)
	}
	if err := d.writeFilter(f); err != nil {
		d.Metrics.add(dumpError, 1)
		return errors.Wrap(err, "persist failed")
	}
	d.Metrics.add(dumpWrite, 1)
	return nil
}

// ListEntry is one row of List output.
type ListEntry struct {
	Name     string
	Capacity uint64
	Fpp      float64
}

// List enumerates the warm filters, sorted by name. Cold filters are not
// listed.
func (d *DB) List() []ListEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ListEntry, 0, len(d.filters))
	for _, f := range d.filters {
		out = append(out, ListEntry{Name: f.Name(), Capacity: f.Capacity(), Fpp: f.Fpp()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// dumpLoop periodically writes every warm filter to disk. Best-effort: a
// failed write is logged and the pass moves on.
func (d *DB) dumpLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.DumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.dumpAll()
			if d.Metrics != nil {
				d.log.WithField("metrics", d.Metrics.String()).Debug("dump pass done")
			}
		}
	}
}

func (d *DB) dumpAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, f := range d.filters {
		if err := d.writeFilter(f); err != nil {
			d.log.WithError(err).WithField("filter", name).Error("dump failed")
			d.Metrics.add(dumpError, 1)
			continue
		}
		d.Metrics.add(dumpWrite, 1)
	}
}

// sweepLoop periodically evicts idle warm filters to the cold set.
func (d *DB) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep moves every warm filter idle for at least IdleThreshold to disk and
// records it cold. A filter whose write fails stays warm; evicting it
// anyway would lose its state.
func (d *DB) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	for name, f := range d.filters {
		if now.Sub(f.LastAccessTime()) < d.cfg.IdleThreshold {
			continue
		}
		if err := d.writeFilter(f); err != nil {
			d.log.WithError(err).WithField("filter", name).Error("cold eviction failed")
			d.Metrics.add(dumpError, 1)
			continue
		}
		delete(d.filters, name)
		d.cold[name] = struct{}{}
		d.Metrics.add(filterEvict, 1)
		d.log.WithField("filter", name).Info("filter went cold")
	}
}

// Close stops the workers, performs a final dump of the warm set and
// releases the data directory lock. Safe to call once.
func (d *DB) Close() {
	d.mu.Lock()
	if d.isClosed {
		d.mu.Unlock()
		return
	}
	d.isClosed = true
	d.mu.Unlock()

	close(d.stop)
	d.wg.Wait()
	d.dumpAll()
	d.unlockDir()
}
