// Package catalog maintains a queryable, read-only catalog of the schema
// objects of every attached database.
//
// A host constructs one Catalog, attaches its databases and calls
// EnsureFresh (directly or through a Router) before reading. The catalog is
// rebuilt when any attached database reports a new schema-version marker or
// when the set of attached databases changes. Concurrent callers that find the
// catalog stale share a single rebuild.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"dbcatalog/internal/db"
	"dbcatalog/internal/logger"
)

// Resolution selects where a foreign key's referenced table is looked up.
type Resolution int

const (
	// SameDatabase resolves references inside the referencing database only.
	SameDatabase Resolution = iota
	// Global falls back to every other attached database, in attachment order.
	Global
)

func (r Resolution) String() string {
	if r == Global {
		return "global"
	}
	return "same-database"
}

// ParseResolution accepts "same-database" (or "") and "global".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "same-database", "same_database", "same":
		return SameDatabase, nil
	case "global":
		return Global, nil
	default:
		return SameDatabase, fmt.Errorf("unknown foreign key resolution: %q", s)
	}
}

// DefaultIntrospectTimeout bounds the introspection of one database.
const DefaultIntrospectTimeout = 30 * time.Second

// Options configure a Catalog.
type Options struct {
	Resolution        Resolution
	IntrospectTimeout time.Duration
}

// Catalog owns the catalog state: the current snapshot, the schema-version
// markers it was built from and the attached databases. All of it is guarded
// by mu; the snapshot pointer is additionally atomic so Current never blocks.
type Catalog struct {
	opts Options

	mu         sync.Mutex
	databases  []db.Database
	versions   map[string]string
	epoch      uint64
	generation uint64
	closed     bool

	current  atomic.Pointer[Snapshot]
	group    singleflight.Group
	rebuilds atomic.Int64
}

// New returns an empty catalog with no attached databases.
func New(opts Options) *Catalog {
	if opts.IntrospectTimeout <= 0 {
		opts.IntrospectTimeout = DefaultIntrospectTimeout
	}
	return &Catalog{opts: opts}
}

// Resolution returns the configured foreign key resolution rule.
func (c *Catalog) Resolution() Resolution { return c.opts.Resolution }

// Attach adds d to the catalog. The current snapshot is discarded.
func (c *Catalog) Attach(d db.Database) error {
	if d.Name == "" {
		return fmt.Errorf("attach: database name is required")
	}
	if d.Conn == nil {
		return fmt.Errorf("attach %q: no connection", d.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if d.Name == InternalDatabase || slices.ContainsFunc(c.databases, func(x db.Database) bool { return x.Name == d.Name }) {
		return fmt.Errorf("attach %q: %w", d.Name, ErrDuplicateDatabase)
	}
	c.databases = append(c.databases, d)
	c.teardown()
	logger.Info("attached database %s (%s)", d.Name, d.Dialect)
	return nil
}

// Detach removes the named database. The current snapshot is discarded.
// The handle itself stays open; it belongs to the host.
func (c *Catalog) Detach(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	i := slices.IndexFunc(c.databases, func(x db.Database) bool { return x.Name == name })
	if i < 0 {
		return fmt.Errorf("detach %q: %w", name, ErrUnknownDatabase)
	}
	c.databases = slices.Delete(c.databases, i, i+1)
	c.teardown()
	logger.Info("detached database %s", name)
	return nil
}

// teardown drops the snapshot and markers. Callers hold mu.
func (c *Catalog) teardown() {
	c.epoch++
	c.versions = nil
	c.current.Store(nil)
}

// Databases returns the attached database names in attachment order.
func (c *Catalog) Databases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.databases))
	for i, d := range c.databases {
		names[i] = d.Name
	}
	return names
}

func (c *Catalog) database(name string) (db.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return db.Database{}, ErrClosed
	}
	for _, d := range c.databases {
		if d.Name == name {
			return d, nil
		}
	}
	return db.Database{}, fmt.Errorf("%q: %w", name, ErrUnknownDatabase)
}

// Current returns the last published snapshot without checking freshness.
// It is nil before the first build and after attach, detach or Close.
func (c *Catalog) Current() *Snapshot { return c.current.Load() }

// Rebuilds returns how many rebuilds have run.
func (c *Catalog) Rebuilds() int64 { return c.rebuilds.Load() }

// Close discards the catalog state. Attached handles are left open.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.versions = nil
	c.databases = nil
	if snap := c.current.Swap(nil); snap != nil {
		snap.store.close()
	}
	return nil
}

// EnsureFresh returns a snapshot that reflects the current schema of every
// attached database, rebuilding it if needed.
//
// When a rebuild is already running, the caller waits for it instead of
// starting another. A caller whose ctx ends while waiting returns ctx.Err();
// the rebuild carries on for the other waiters. A failed rebuild leaves the
// previous snapshot and markers in place.
func (c *Catalog) EnsureFresh(ctx context.Context) (*Snapshot, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		dbs := slices.Clone(c.databases)
		versions := c.versions
		epoch := c.epoch
		snap := c.current.Load()
		c.mu.Unlock()

		if snap != nil {
			markers, err := c.markers(ctx, dbs)
			if err != nil {
				if err = c.failed(epoch, err); errors.Is(err, errEpochChanged) {
					continue
				}
				return nil, err
			}
			if maps.Equal(markers, versions) {
				logger.Debug("catalog generation %d is fresh", snap.Generation)
				return snap, nil
			}
		}

		ch := c.group.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
			return c.rebuild(context.WithoutCancel(ctx), epoch)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if errors.Is(res.Err, errEpochChanged) {
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Snapshot), nil
		}
	}
}

// rebuild runs as the single flight for epoch.
func (c *Catalog) rebuild(ctx context.Context, epoch uint64) (*Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, errEpochChanged
	}
	dbs := slices.Clone(c.databases)
	versions := c.versions
	current := c.current.Load()
	generation := c.generation + 1
	c.mu.Unlock()

	// Markers are read before introspection so that a change racing with
	// it triggers another rebuild on the next call.
	mctx, cancel := context.WithTimeout(ctx, c.opts.IntrospectTimeout)
	markers, err := c.markers(mctx, dbs)
	cancel()
	if err != nil {
		return nil, c.failed(epoch, err)
	}
	// a previous flight may have published while this one was being elected
	if current != nil && maps.Equal(markers, versions) {
		return current, nil
	}

	c.rebuilds.Add(1)
	start := time.Now()
	schemas, err := c.introspectAll(ctx, dbs)
	if err != nil {
		if err = c.failed(epoch, err); !errors.Is(err, errEpochChanged) {
			logger.Error("catalog rebuild failed: %v", err)
		}
		return nil, err
	}
	snap, err := Build(ctx, generation, schemas)
	if err != nil {
		if err = c.failed(epoch, err); !errors.Is(err, errEpochChanged) {
			logger.Error("catalog build failed: %v", err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		snap.store.close()
		return nil, ErrClosed
	}
	if c.epoch != epoch {
		snap.store.close()
		return nil, errEpochChanged
	}
	c.generation = generation
	c.versions = markers
	c.current.Store(snap)
	logger.Info("catalog generation %d built from %d database(s) in %s", generation, len(dbs), time.Since(start).Round(time.Millisecond))
	return snap, nil
}

// failed returns err for work started at epoch, or errEpochChanged when the
// attached databases changed meanwhile. A detached handle may be closed
// under a running rebuild.
func (c *Catalog) failed(epoch uint64, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.epoch != epoch:
		logger.Debug("attached databases changed during rebuild: %v", err)
		return errEpochChanged
	}
	return err
}

// markers reads the schema-version marker of every database.
func (c *Catalog) markers(ctx context.Context, dbs []db.Database) (map[string]string, error) {
	m := make(map[string]string, len(dbs))
	for _, d := range dbs {
		v, err := db.SchemaVersion(ctx, d)
		if err != nil {
			return nil, err
		}
		m[d.Name] = v
	}
	return m, nil
}

// introspectAll reads every schema concurrently. The first failure cancels
// the rest; results keep attachment order.
func (c *Catalog) introspectAll(ctx context.Context, dbs []db.Database) ([]Introspected, error) {
	out := make([]Introspected, len(dbs))
	g, gctx := errgroup.WithContext(ctx)
	opts := db.Options{Exclude: reservedNames()}
	for i, d := range dbs {
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(gctx, c.opts.IntrospectTimeout)
			defer cancel()
			s, err := db.Introspect(ictx, d, opts)
			if err != nil {
				return err
			}
			out[i] = Introspected{Database: d.Name, Schema: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
