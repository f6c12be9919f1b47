// Package attach keeps a catalog's attached databases in line with the
// configured database list. It owns the handles it opens.
package attach

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"dbcatalog/internal/catalog"
	"dbcatalog/internal/db"
	"dbcatalog/internal/logger"
	"dbcatalog/pkg/config"
)

type entry struct {
	cfg  config.DBConfig
	conn *sql.DB
}

// Manager opens, attaches, detaches and closes databases on behalf of a host.
type Manager struct {
	catalog *catalog.Catalog
	timeout time.Duration

	mu   sync.Mutex
	open map[string]entry
}

// NewManager returns a Manager attaching to c. timeout bounds each connect.
func NewManager(c *catalog.Catalog, timeout time.Duration) *Manager {
	return &Manager{catalog: c, timeout: timeout, open: map[string]entry{}}
}

// Sync makes the attached set match dbs. Databases no longer listed, or
// listed with different settings, are detached and closed; new ones are
// opened and attached in list order. Every entry is tried; the errors of
// the ones that failed are joined.
func (m *Manager) Sync(dbs []config.DBConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := map[string]config.DBConfig{}
	for _, d := range dbs {
		wanted[d.Name] = d
	}

	var errs []error
	for _, name := range m.namesLocked() {
		e := m.open[name]
		if w, ok := wanted[name]; ok && w == e.cfg {
			continue
		}
		if err := m.detachLocked(name); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range dbs {
		if _, ok := m.open[d.Name]; ok {
			continue
		}
		if err := m.attachLocked(d); err != nil {
			logger.Error("attach %s: %v", d.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Names returns the names this manager has attached, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namesLocked()
}

// Close detaches and closes every database the manager opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.namesLocked() {
		if err := m.detachLocked(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.open))
	for name := range m.open {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) attachLocked(d config.DBConfig) error {
	driver, dsn, err := config.BuildDriverAndDSN(d)
	if err != nil {
		return fmt.Errorf("database %q: %w", d.Name, err)
	}
	logger.Debug("connecting to %s (%s)", d.Name, driver)
	conn, err := db.Open(driver, dsn, m.timeout)
	if err != nil {
		return fmt.Errorf("connect %q: %w", d.Name, err)
	}
	if err := m.catalog.Attach(db.Database{Name: d.Name, Dialect: driver, Conn: conn}); err != nil {
		conn.Close()
		return err
	}
	m.open[d.Name] = entry{cfg: d, conn: conn}
	return nil
}

func (m *Manager) detachLocked(name string) error {
	e := m.open[name]
	delete(m.open, name)
	err := m.catalog.Detach(name)
	if errors.Is(err, catalog.ErrClosed) {
		err = nil
	}
	if cerr := e.conn.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close %q: %w", name, cerr))
	}
	return err
}
