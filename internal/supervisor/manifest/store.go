package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
)

const (
	servicesDirName = "services"
	serviceFileName = "service.json"
	groupsFileName  = "groups.json"
)

// Store is the durable catalogue of manifests and groups. All reads are
// served from an in-memory copy. Service writes go to disk first via
// stage-and-rename and only then update memory; group writes update memory,
// persist the whole groups file and restore the previous group state when
// that write fails.
type Store struct {
	mu       sync.RWMutex
	dataDir  string
	services map[string]*Manifest
	groups   map[string]*Group
	logger   *logger.Logger
}

// NewStore opens (or initializes) the catalogue under dataDir. Corrupt or
// partially written entries are skipped with a diagnostic rather than failing
// the boot.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	s := &Store{
		dataDir:  dataDir,
		services: make(map[string]*Manifest),
		groups:   make(map[string]*Group),
		logger:   log.WithFields(zap.String("component", "manifest-store")),
	}

	if err := os.MkdirAll(s.servicesDir(), 0o755); err != nil {
		return nil, errors.IoError("failed to initialize data directory", err)
	}

	if err := s.loadServices(); err != nil {
		return nil, err
	}
	if err := s.loadGroups(); err != nil {
		return nil, err
	}

	s.logger.Info("catalogue loaded",
		zap.Int("services", len(s.services)),
		zap.Int("groups", len(s.groups)))
	return s, nil
}

func (s *Store) servicesDir() string {
	return filepath.Join(s.dataDir, servicesDirName)
}

func (s *Store) serviceFile(id string) string {
	return filepath.Join(s.servicesDir(), id, serviceFileName)
}

func (s *Store) groupsFile() string {
	return filepath.Join(s.dataDir, groupsFileName)
}

func (s *Store) loadServices() error {
	entries, err := os.ReadDir(s.servicesDir())
	if err != nil {
		return errors.IoError("failed to read services directory", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !ValidID(entry.Name()) {
			continue
		}
		path := s.serviceFile(entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable service entry",
				zap.String("path", path), zap.Error(err))
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("skipping corrupt service entry",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if m.ID != entry.Name() {
			s.logger.Warn("skipping service entry with mismatched id",
				zap.String("path", path), zap.String("id", m.ID))
			continue
		}
		s.services[m.ID] = &m
	}
	return nil
}

func (s *Store) loadGroups() error {
	data, err := os.ReadFile(s.groupsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.IoError("failed to read groups file", err)
	}
	var groups []*Group
	if err := json.Unmarshal(data, &groups); err != nil {
		s.logger.Warn("ignoring corrupt groups file", zap.Error(err))
		return nil
	}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	return nil
}

// writeFileAtomic stages the payload next to the target and renames it into
// place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".staged-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) persistService(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.IoError("failed to encode manifest", err)
	}
	if err := writeFileAtomic(s.serviceFile(m.ID), data); err != nil {
		return errors.IoError(fmt.Sprintf("failed to persist service '%s'", m.ID), err)
	}
	return nil
}

func (s *Store) persistGroupsLocked() error {
	groups := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Order != groups[j].Order {
			return groups[i].Order < groups[j].Order
		}
		return groups[i].ID < groups[j].ID
	})
	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return errors.IoError("failed to encode groups", err)
	}
	if err := writeFileAtomic(s.groupsFile(), data); err != nil {
		return errors.IoError("failed to persist groups", err)
	}
	return nil
}

// List returns all manifests sorted by (group, order, id).
func (s *Store) List() []*Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Manifest, 0, len(s.services))
	for _, m := range s.services {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the manifest for id.
func (s *Store) Get(id string) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.services[id]
	if !ok {
		return nil, errors.NotFound("service", id)
	}
	return m.Clone(), nil
}

// Create adds a new manifest. The id must be unused.
func (s *Store) Create(m *Manifest) (*Manifest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[m.ID]; ok {
		return nil, errors.AlreadyExists("service", m.ID)
	}
	if m.Group != "" {
		if _, ok := s.groups[m.Group]; !ok {
			return nil, errors.NotFound("group", m.Group)
		}
	}

	stored := m.Clone()
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := s.persistService(stored); err != nil {
		return nil, err
	}
	s.services[stored.ID] = stored
	return stored.Clone(), nil
}

// Update replaces the manifest for id, preserving created_at.
func (s *Store) Update(id string, m *Manifest) (*Manifest, error) {
	if m.ID == "" {
		m.ID = id
	}
	if m.ID != id {
		return nil, errors.InvalidArgument("manifest id does not match path id")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.services[id]
	if !ok {
		return nil, errors.NotFound("service", id)
	}
	if m.Group != "" {
		if _, ok := s.groups[m.Group]; !ok {
			return nil, errors.NotFound("group", m.Group)
		}
	}

	stored := m.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()

	if err := s.persistService(stored); err != nil {
		return nil, err
	}
	s.services[id] = stored
	return stored.Clone(), nil
}

// Delete removes the manifest for id and its on-disk directory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[id]; !ok {
		return errors.NotFound("service", id)
	}
	if err := os.RemoveAll(filepath.Join(s.servicesDir(), id)); err != nil {
		return errors.IoError(fmt.Sprintf("failed to delete service '%s'", id), err)
	}
	delete(s.services, id)
	return nil
}

// SetSchedule replaces the schedule of a service; nil clears it.
func (s *Store) SetSchedule(id string, sched *Schedule) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.services[id]
	if !ok {
		return nil, errors.NotFound("service", id)
	}

	stored := existing.Clone()
	if sched != nil {
		cp := *sched
		stored.Schedule = &cp
	} else {
		stored.Schedule = nil
	}
	stored.UpdatedAt = time.Now().UTC()

	if err := s.persistService(stored); err != nil {
		return nil, err
	}
	s.services[id] = stored
	return stored.Clone(), nil
}

// Reorder applies group and order assignments to a batch of services.
func (s *Store) Reorder(entries []ReorderEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.services[e.ID]; !ok {
			return errors.NotFound("service", e.ID)
		}
		if e.Group != "" {
			if _, ok := s.groups[e.Group]; !ok {
				return errors.NotFound("group", e.Group)
			}
		}
	}

	now := time.Now().UTC()
	for _, e := range entries {
		stored := s.services[e.ID].Clone()
		stored.Group = e.Group
		stored.Order = e.Order
		stored.UpdatedAt = now
		if err := s.persistService(stored); err != nil {
			return err
		}
		s.services[e.ID] = stored
	}
	return nil
}

// ListGroups returns all groups sorted by (order, id).
func (s *Store) ListGroups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CreateGroup adds a new group.
func (s *Store) CreateGroup(g *Group) (*Group, error) {
	if !ValidID(g.ID) {
		return nil, errors.InvalidArgument("group id must match [A-Za-z0-9_.-]+")
	}
	if g.Name == "" {
		return nil, errors.InvalidArgument("group name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return nil, errors.AlreadyExists("group", g.ID)
	}

	cp := *g
	s.groups[g.ID] = &cp
	if err := s.persistGroupsLocked(); err != nil {
		delete(s.groups, g.ID)
		return nil, err
	}
	out := cp
	return &out, nil
}

// UpdateGroup replaces an existing group.
func (s *Store) UpdateGroup(id string, g *Group) (*Group, error) {
	if g.Name == "" {
		return nil, errors.InvalidArgument("group name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.groups[id]
	if !ok {
		return nil, errors.NotFound("group", id)
	}

	cp := *g
	cp.ID = id
	s.groups[id] = &cp
	if err := s.persistGroupsLocked(); err != nil {
		s.groups[id] = prev
		return nil, err
	}
	out := cp
	return &out, nil
}

// DeleteGroup removes a group and detaches its services.
func (s *Store) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return errors.NotFound("group", id)
	}

	for sid, m := range s.services {
		if m.Group != id {
			continue
		}
		stored := m.Clone()
		stored.Group = ""
		stored.UpdatedAt = time.Now().UTC()
		if err := s.persistService(stored); err != nil {
			return err
		}
		s.services[sid] = stored
	}

	prev := s.groups[id]
	delete(s.groups, id)
	if err := s.persistGroupsLocked(); err != nil {
		s.groups[id] = prev
		return err
	}
	return nil
}

// ReorderGroups applies new order values to a batch of groups.
func (s *Store) ReorderGroups(orders map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range orders {
		if _, ok := s.groups[id]; !ok {
			return errors.NotFound("group", id)
		}
	}
	prev := make(map[string]int, len(orders))
	for id, order := range orders {
		prev[id] = s.groups[id].Order
		s.groups[id].Order = order
	}
	if err := s.persistGroupsLocked(); err != nil {
		for id, order := range prev {
			s.groups[id].Order = order
		}
		return err
	}
	return nil
}
