package partdesc

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/partition"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/sinval"
	"github.com/maxpert/txcore/transam"
)

// Relation is a session's cached view of one relation.
type Relation struct {
	OID  uint32
	Name string
	Key  *partition.Key

	refs atomic.Int32

	mu   sync.Mutex
	desc *Descriptor
	// descNoDetached omits partitions with a visible pending detach; it
	// is only valid while noDetachedXmin stays invisible to the caller.
	descNoDetached *Descriptor
	noDetachedXmin transam.TransactionID
}

// IsPartitioned reports whether the relation has a partition key.
func (r *Relation) IsPartitioned() bool { return r.Key != nil }

// RefCount is the number of open references.
func (r *Relation) RefCount() int { return int(r.refs.Load()) }

// RelCache is one session's relation cache. Entries are rebuilt on
// invalidation messages from the shared invalidation ring.
type RelCache struct {
	catalog Catalog
	db      uint32
	rels    *xsync.MapOf[uint32, *Relation]
}

// NewRelCache creates an empty cache for database db.
func NewRelCache(cat Catalog, db uint32) *RelCache {
	return &RelCache{
		catalog: cat,
		db:      db,
		rels:    xsync.NewMapOf[uint32, *Relation](),
	}
}

// Open returns the cached relation, loading it on first use, and takes a
// reference that Close releases.
func (c *RelCache) Open(oid uint32) (*Relation, error) {
	rel, ok := c.rels.Load(oid)
	if !ok {
		info, found := c.catalog.Relation(oid)
		if !found {
			return nil, pgerr.New(pgerr.UndefinedTable, "could not open relation with OID %d", oid)
		}
		rel, _ = c.rels.LoadOrStore(oid, &Relation{OID: oid, Name: info.Name, Key: info.Key})
	}
	rel.refs.Add(1)
	return rel, nil
}

// Close drops a reference taken by Open.
func (c *RelCache) Close(rel *Relation) {
	if rel.refs.Add(-1) < 0 {
		log.Error().Uint32("relation", rel.OID).Msg("Relation reference count went negative")
		rel.refs.Store(0)
	}
}

// Len is the number of cached relations.
func (c *RelCache) Len() int { return c.rels.Size() }

// PartitionDesc returns rel's partition descriptor. With omitDetached
// and a snapshot, partitions whose pending detach the snapshot sees as
// committed are left out.
func (c *RelCache) PartitionDesc(rel *Relation, omitDetached bool, snap *transam.Snapshot) (*Descriptor, error) {
	if !rel.IsPartitioned() {
		return nil, pgerr.New(pgerr.InvalidObjectDefinition, "relation %q is not partitioned", rel.Name)
	}
	rel.mu.Lock()
	defer rel.mu.Unlock()

	if rel.desc != nil && (!rel.desc.DetachedExist || !omitDetached || snap == nil) {
		return rel.desc, nil
	}
	// The cached view without detached partitions stays usable as long as
	// the detach it omitted is still not in progress for this snapshot.
	if omitDetached && snap != nil && rel.descNoDetached != nil && !snap.XidInSnapshot(rel.noDetachedXmin) {
		return rel.descNoDetached, nil
	}

	d, detachedXmin, err := buildDescriptor(c.catalog, rel, omitDetached, snap)
	if err != nil {
		return nil, err
	}
	if omitDetached && d.DetachedExist && detachedXmin.IsValid() {
		rel.descNoDetached = d
		rel.noDetachedXmin = detachedXmin
	} else {
		rel.desc = d
	}
	return d, nil
}

// Invalidate drops what is cached for oid. Descriptors already handed out
// stay valid for their holders.
func (c *RelCache) Invalidate(oid uint32) {
	rel, ok := c.rels.Load(oid)
	if !ok {
		return
	}
	if rel.RefCount() == 0 {
		c.rels.Delete(oid)
	}
	rel.mu.Lock()
	rel.desc = nil
	rel.descNoDetached = nil
	rel.noDetachedXmin = transam.InvalidTransactionID
	rel.mu.Unlock()
}

// InvalidateAll drops every cached relation, as after a ring reset.
func (c *RelCache) InvalidateAll() {
	var oids []uint32
	c.rels.Range(func(oid uint32, _ *Relation) bool {
		oids = append(oids, oid)
		return true
	})
	for _, oid := range oids {
		c.Invalidate(oid)
	}
}

// ProcessMessage applies one invalidation message. It reports whether the
// message concerned this cache.
func (c *RelCache) ProcessMessage(m sinval.Message) bool {
	if m.Kind != sinval.KindRelcache || (m.DBID != c.db && m.DBID != 0) {
		return false
	}
	if m.RelID == 0 {
		c.InvalidateAll()
	} else {
		c.Invalidate(m.RelID)
	}
	return true
}
