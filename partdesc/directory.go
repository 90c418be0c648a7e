package partdesc

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/transam"
)

type directoryEntry struct {
	rel  *Relation
	desc *Descriptor
}

// Directory gives a query one descriptor per relation for its whole
// lifetime, even if the relcache entry is rebuilt underneath it.
type Directory struct {
	relcache     *RelCache
	omitDetached bool
	snap         *transam.Snapshot
	entries      *xsync.MapOf[uint32, directoryEntry]
	destroyed    bool
}

// NewDirectory creates a directory whose descriptors are built with the
// given detach visibility.
func NewDirectory(rc *RelCache, omitDetached bool, snap *transam.Snapshot) *Directory {
	return &Directory{
		relcache:     rc,
		omitDetached: omitDetached,
		snap:         snap,
		entries:      xsync.NewMapOf[uint32, directoryEntry](),
	}
}

// Lookup returns the descriptor for rel, pinning rel until Destroy.
func (d *Directory) Lookup(rel *Relation) (*Descriptor, error) {
	if d.destroyed {
		return nil, pgerr.New(pgerr.ObjectNotInPrerequisiteState, "partition directory already destroyed")
	}
	if e, ok := d.entries.Load(rel.OID); ok {
		return e.desc, nil
	}
	desc, err := d.relcache.PartitionDesc(rel, d.omitDetached, d.snap)
	if err != nil {
		return nil, err
	}
	rel.refs.Add(1)
	e, loaded := d.entries.LoadOrStore(rel.OID, directoryEntry{rel: rel, desc: desc})
	if loaded {
		d.relcache.Close(rel)
	}
	return e.desc, nil
}

// Len is the number of relations looked up so far.
func (d *Directory) Len() int { return d.entries.Size() }

// Destroy releases every relation pinned by Lookup.
func (d *Directory) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.entries.Range(func(_ uint32, e directoryEntry) bool {
		d.relcache.Close(e.rel)
		return true
	})
	d.entries.Clear()
}
