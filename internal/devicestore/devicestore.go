// Package devicestore persists the device registry (C2): a durable,
// mutex-guarded map from device id to device record, written atomically on
// every mutation that must survive a crash.
package devicestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/logging"
)

var log = logging.L("devicestore")

// Status is a device's trust state.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusTrusted  Status = "Trusted"
	StatusDeclined Status = "Declined"
	StatusBlocked  Status = "Blocked"
)

// Record is one device's persisted state plus its non-persisted derived
// field (IsMirroring), which the caller is responsible for keeping current —
// the store itself never sets it.
type Record struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	IP            string `yaml:"ip"`
	Status        Status `yaml:"status"`
	AutoReconnect bool   `yaml:"auto_reconnect"`
	IsMirroring   bool   `yaml:"-"`
}

const fileName = "devices.yaml"

// Store is a concurrency-safe, disk-backed device registry.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
}

type onDisk struct {
	Devices []Record `yaml:"devices"`
}

// Open loads the registry from the given directory (or config.GetDataDir()
// if dir is empty). A missing file yields an empty registry, not an error.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = config.GetDataDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("devicestore: create data dir: %w", err)
	}

	s := &Store{
		path:    filepath.Join(dir, fileName),
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("devicestore: read %s: %w", s.path, err)
	}

	var doc onDisk
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("devicestore: parse %s: %w", s.path, err)
	}
	for i := range doc.Devices {
		rec := doc.Devices[i]
		s.records[rec.ID] = &rec
	}

	log.Info("device registry loaded", "path", s.path, "count", len(s.records))
	return s, nil
}

// Get returns a copy of the record for id, or ok=false if absent.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// FindByIP returns copies of every record whose last-seen IP matches ip.
func (s *Store) FindByIP(ip string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.IP == ip {
			out = append(out, *rec)
		}
	}
	return out
}

// Upsert creates or replaces the record for rec.ID and persists the
// registry before returning.
func (s *Store) Upsert(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.records[rec.ID] = &cp
	return s.saveLocked()
}

// Remove deletes the record for id (no-op if absent) and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.saveLocked()
}

// Snapshot returns a copy of every record currently in the registry.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// RemovePendingForIP deletes every Pending record whose last-seen IP
// matches ip, used on session teardown (spec §4.4). Returns the number of
// records removed.
func (s *Store) RemovePendingForIP(ip string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for id, rec := range s.records {
		if rec.IP == ip && rec.Status == StatusPending {
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) == 0 {
		return 0, nil
	}
	for _, id := range toRemove {
		delete(s.records, id)
	}
	return len(toRemove), s.saveLocked()
}

// saveLocked writes the registry atomically (temp file + rename). Caller
// must hold s.mu.
func (s *Store) saveLocked() error {
	doc := onDisk{Devices: make([]Record, 0, len(s.records))}
	for _, rec := range s.records {
		doc.Devices = append(doc.Devices, *rec)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("devicestore: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("devicestore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("devicestore: rename temp file: %w", err)
	}
	return nil
}
