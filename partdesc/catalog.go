package partdesc

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/txcore/partition"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/transam"
)

// FirstNormalOID is the first OID handed to user relations.
const FirstNormalOID uint32 = 16384

// RelationInfo is the catalog entry of one relation.
type RelationInfo struct {
	OID  uint32
	Name string
	// Key is nil for relations that are not partitioned.
	Key *partition.Key
}

// InheritsRow links a partition to its parent.
type InheritsRow struct {
	Parent        uint32
	Child         uint32
	DetachPending bool
	// Xmin is the transaction that wrote the row; for a pending detach it
	// is the detaching transaction.
	Xmin transam.TransactionID
}

// Catalog is the system catalog as seen by descriptor builds.
type Catalog interface {
	Relation(oid uint32) (RelationInfo, bool)
	// Inherits lists the partitions of parent from one consistent scan.
	Inherits(parent uint32) []InheritsRow
	// PartBound reads the cached relpartbound of oid. The cache may lag
	// a concurrent attach.
	PartBound(oid uint32) ([]byte, bool)
	// ReadPartBound reads relpartbound from the catalog row itself.
	ReadPartBound(oid uint32) ([]byte, bool)
}

type catalogRel struct {
	info  RelationInfo
	bound []byte
}

// MemoryCatalog is an in-process Catalog. DDL is serialized; reads are
// lock-free.
//
// Catalog changes take effect immediately. The caller reverts an aborted
// AttachPartition with a plain DetachPartition and an aborted concurrent
// detach with CancelDetach. A plain DetachPartition, FinalizeDetach and
// CreateTable cannot be reverted.
type MemoryCatalog struct {
	ddl      sync.Mutex
	nextOID  atomic.Uint32
	rels     *xsync.MapOf[uint32, *catalogRel]
	byName   *xsync.MapOf[string, uint32]
	inherits *xsync.MapOf[uint32, []InheritsRow]
	syscache *xsync.MapOf[uint32, []byte]
	// attachXmin keeps the Xmin a pending detach replaced, by child.
	attachXmin *xsync.MapOf[uint32, transam.TransactionID]
}

func NewMemoryCatalog() *MemoryCatalog {
	c := &MemoryCatalog{
		rels:     xsync.NewMapOf[uint32, *catalogRel](),
		byName:   xsync.NewMapOf[string, uint32](),
		inherits: xsync.NewMapOf[uint32, []InheritsRow](),
		syscache: xsync.NewMapOf[uint32, []byte](),

		attachXmin: xsync.NewMapOf[uint32, transam.TransactionID](),
	}
	c.nextOID.Store(FirstNormalOID)
	return c
}

// CreateTable adds a relation, partitioned when key is not nil.
func (c *MemoryCatalog) CreateTable(name string, key *partition.Key) (uint32, error) {
	c.ddl.Lock()
	defer c.ddl.Unlock()

	if _, ok := c.byName.Load(name); ok {
		return 0, pgerr.New(pgerr.DuplicateObject, "relation %q already exists", name)
	}
	oid := c.nextOID.Add(1) - 1
	c.rels.Store(oid, &catalogRel{info: RelationInfo{OID: oid, Name: name, Key: key}})
	c.byName.Store(name, oid)
	return oid, nil
}

// Lookup resolves a relation name.
func (c *MemoryCatalog) Lookup(name string) (uint32, bool) {
	return c.byName.Load(name)
}

func (c *MemoryCatalog) Relation(oid uint32) (RelationInfo, bool) {
	r, ok := c.rels.Load(oid)
	if !ok {
		return RelationInfo{}, false
	}
	return r.info, true
}

func (c *MemoryCatalog) Inherits(parent uint32) []InheritsRow {
	rows, _ := c.inherits.Load(parent)
	return slices.Clone(rows)
}

func (c *MemoryCatalog) PartBound(oid uint32) ([]byte, bool) {
	return c.syscache.Load(oid)
}

func (c *MemoryCatalog) ReadPartBound(oid uint32) ([]byte, bool) {
	r, ok := c.rels.Load(oid)
	if !ok || r.bound == nil {
		return nil, false
	}
	return r.bound, true
}

func (c *MemoryCatalog) parentInfo(parent uint32) (RelationInfo, error) {
	p, ok := c.Relation(parent)
	if !ok {
		return RelationInfo{}, pgerr.New(pgerr.UndefinedTable, "relation with OID %d does not exist", parent)
	}
	if p.Key == nil {
		return RelationInfo{}, pgerr.New(pgerr.InvalidObjectDefinition, "table %q is not partitioned", p.Name)
	}
	return p, nil
}

// AttachPartition makes child a partition of parent with bound spec. The
// bound is checked against every current partition, including ones with
// a detach pending. xid is the attaching transaction.
func (c *MemoryCatalog) AttachPartition(parent, child uint32, spec *partition.BoundSpec, xid transam.TransactionID) error {
	c.ddl.Lock()
	defer c.ddl.Unlock()

	p, err := c.parentInfo(parent)
	if err != nil {
		return err
	}
	cr, ok := c.rels.Load(child)
	if !ok {
		return pgerr.New(pgerr.UndefinedTable, "relation with OID %d does not exist", child)
	}
	if cr.bound != nil {
		return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "%q is already a partition", cr.info.Name)
	}

	rows, _ := c.inherits.Load(parent)
	specs := make([]*partition.BoundSpec, 0, len(rows))
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		r, _ := c.rels.Load(row.Child)
		s, err := partition.DecodeBound(p.Key, r.bound)
		if err != nil {
			return err
		}
		specs = append(specs, s)
		names = append(names, r.info.Name)
	}
	bounds, mapping, err := partition.CreateBounds(specs, p.Key)
	if err != nil {
		return err
	}
	canonical := make([]string, len(names))
	for i, m := range mapping {
		canonical[m] = names[i]
	}
	if err := partition.CheckNewPartitionBound(p.Key, bounds, canonical, cr.info.Name, spec); err != nil {
		return err
	}

	data, err := partition.EncodeBound(spec)
	if err != nil {
		return err
	}
	c.rels.Store(child, &catalogRel{info: cr.info, bound: data})
	c.syscache.Store(child, data)
	c.inherits.Store(parent, append(slices.Clone(rows), InheritsRow{Parent: parent, Child: child, Xmin: xid}))
	return nil
}

// DetachPartition removes child from parent. A concurrent detach only
// marks the link pending under xid; FinalizeDetach completes it.
func (c *MemoryCatalog) DetachPartition(parent, child uint32, xid transam.TransactionID, concurrently bool) error {
	c.ddl.Lock()
	defer c.ddl.Unlock()

	rows, _ := c.inherits.Load(parent)
	i := slices.IndexFunc(rows, func(r InheritsRow) bool { return r.Child == child })
	if i < 0 {
		return pgerr.New(pgerr.UndefinedTable, "relation with OID %d is not a partition of relation with OID %d", child, parent)
	}
	rows = slices.Clone(rows)
	if concurrently {
		if rows[i].DetachPending {
			return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "partition with OID %d is already pending detach", child)
		}
		c.attachXmin.Store(child, rows[i].Xmin)
		rows[i].DetachPending = true
		rows[i].Xmin = xid
		c.inherits.Store(parent, rows)
		return nil
	}
	c.inherits.Store(parent, slices.Delete(rows, i, i+1))
	c.attachXmin.Delete(child)
	c.clearBound(child)
	return nil
}

// FinalizeDetach completes a concurrent detach.
func (c *MemoryCatalog) FinalizeDetach(parent, child uint32) error {
	c.ddl.Lock()
	defer c.ddl.Unlock()

	rows, _ := c.inherits.Load(parent)
	i := slices.IndexFunc(rows, func(r InheritsRow) bool { return r.Child == child && r.DetachPending })
	if i < 0 {
		return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "partition with OID %d is not pending detach", child)
	}
	c.inherits.Store(parent, slices.Delete(slices.Clone(rows), i, i+1))
	c.attachXmin.Delete(child)
	c.clearBound(child)
	return nil
}

// CancelDetach reverts a concurrent detach of child by xid, making it a
// regular partition of parent again.
func (c *MemoryCatalog) CancelDetach(parent, child uint32, xid transam.TransactionID) error {
	c.ddl.Lock()
	defer c.ddl.Unlock()

	rows, _ := c.inherits.Load(parent)
	i := slices.IndexFunc(rows, func(r InheritsRow) bool {
		return r.Child == child && r.DetachPending && r.Xmin == xid
	})
	if i < 0 {
		return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "partition with OID %d is not pending detach by transaction %d", child, xid)
	}
	rows = slices.Clone(rows)
	rows[i].DetachPending = false
	if xmin, ok := c.attachXmin.LoadAndDelete(child); ok {
		rows[i].Xmin = xmin
	}
	c.inherits.Store(parent, rows)
	return nil
}

func (c *MemoryCatalog) clearBound(child uint32) {
	if r, ok := c.rels.Load(child); ok {
		c.rels.Store(child, &catalogRel{info: r.info})
	}
	c.syscache.Delete(child)
}
