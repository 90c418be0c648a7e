// Package partdesc caches partition descriptors per relation and hands
// out stable descriptors to queries through a partition directory.
package partdesc

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/partition"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

// Descriptor lists a partitioned relation's partitions in canonical bound
// order. Everything except the routing cache is immutable.
type Descriptor struct {
	Key    *partition.Key
	Bounds *partition.BoundInfo
	OIDs   []uint32
	Names  []string
	IsLeaf []bool
	// DetachedExist is set when some partition has a detach pending,
	// whether or not it was omitted.
	DetachedExist bool

	find partition.FindCache
}

// NumParts is the number of partitions.
func (d *Descriptor) NumParts() int { return len(d.OIDs) }

// IndexOf returns the canonical index of partition oid, or -1.
func (d *Descriptor) IndexOf(oid uint32) int {
	for i, o := range d.OIDs {
		if o == oid {
			return i
		}
	}
	return -1
}

// FindPartition routes a tuple's key values to a partition index, or -1.
// It remembers the last bound found and is not safe for concurrent use.
func (d *Descriptor) FindPartition(values ...partition.Datum) (int, error) {
	part, hit, err := partition.FindPartition(d.Key, d.Bounds, values, &d.find)
	if err != nil {
		return -1, err
	}
	switch {
	case hit:
		telemetry.PartitionRouting.With("cache_hit").Inc()
	case part < 0:
		telemetry.PartitionRouting.With("no_partition").Inc()
	case part == d.Bounds.DefaultIndex:
		telemetry.PartitionRouting.With("default").Inc()
	default:
		telemetry.PartitionRouting.With("search").Inc()
	}
	return part, nil
}

// Route is FindPartition returning the partition's OID. A tuple no
// partition accepts is an error.
func (d *Descriptor) Route(values ...partition.Datum) (uint32, error) {
	part, err := d.FindPartition(values...)
	if err != nil {
		return 0, err
	}
	if part < 0 {
		return 0, pgerr.New(pgerr.InvalidObjectDefinition, "no partition of relation found for row")
	}
	return d.OIDs[part], nil
}

// CheckNewBound checks that a partition named name with bound spec could
// be added.
func (d *Descriptor) CheckNewBound(name string, spec *partition.BoundSpec) error {
	return partition.CheckNewPartitionBound(d.Key, d.Bounds, d.Names, name, spec)
}

// buildDescriptor reads rel's partitions from the catalog. With
// omitDetached, partitions whose pending detach is visible to snap are
// left out and the xmin of such a detach is returned.
func buildDescriptor(cat Catalog, rel *Relation, omitDetached bool, snap *transam.Snapshot) (*Descriptor, transam.TransactionID, error) {
	restarted := false
	for {
		d, detachedXmin, missing, err := scanPartitions(cat, rel, omitDetached, snap)
		if err != nil {
			return nil, transam.InvalidTransactionID, err
		}
		if missing == 0 {
			telemetry.PartitionDescriptorBuilds.Inc()
			log.Debug().
				Uint32("relation", rel.OID).
				Int("partitions", d.NumParts()).
				Bool("omit_detached", omitDetached).
				Msg("Built partition descriptor")
			return d, detachedXmin, nil
		}
		// The partition went away between the inherits scan and the bound
		// lookup, most likely a concurrent detach. Scan again, once.
		if restarted {
			return nil, transam.InvalidTransactionID,
				pgerr.New(pgerr.DataCorrupted, "missing relpartbound for relation %d", missing)
		}
		restarted = true
		telemetry.PartitionDescriptorRetries.With("restart").Inc()
		log.Debug().Uint32("relation", rel.OID).Uint32("partition", missing).Msg("Partition bound vanished, rescanning")
	}
}

// scanPartitions does one inherits scan. missing is the first child whose
// bound could not be found even in the catalog row.
func scanPartitions(cat Catalog, rel *Relation, omitDetached bool, snap *transam.Snapshot) (*Descriptor, transam.TransactionID, uint32, error) {
	detachedXmin := transam.InvalidTransactionID
	d := &Descriptor{Key: rel.Key}

	var specs []*partition.BoundSpec
	var oids []uint32
	var names []string
	var leaf []bool
	for _, row := range cat.Inherits(rel.OID) {
		if row.DetachPending {
			d.DetachedExist = true
			if omitDetached && snap != nil && !snap.XidInSnapshot(row.Xmin) {
				detachedXmin = row.Xmin
				continue
			}
		}
		data, ok := cat.PartBound(row.Child)
		if !ok {
			// A concurrent attach may not have reached the cache yet.
			telemetry.PartitionDescriptorRetries.With("stale_cache").Inc()
			data, ok = cat.ReadPartBound(row.Child)
		}
		if !ok {
			return nil, detachedXmin, row.Child, nil
		}
		spec, err := partition.DecodeBound(rel.Key, data)
		if err != nil {
			return nil, detachedXmin, 0, err
		}
		info, _ := cat.Relation(row.Child)
		specs = append(specs, spec)
		oids = append(oids, row.Child)
		names = append(names, info.Name)
		leaf = append(leaf, info.Key == nil)
	}

	bounds, mapping, err := partition.CreateBounds(specs, rel.Key)
	if err != nil {
		return nil, detachedXmin, 0, err
	}
	d.Bounds = bounds
	d.OIDs = make([]uint32, len(oids))
	d.Names = make([]string, len(oids))
	d.IsLeaf = make([]bool, len(oids))
	for i, m := range mapping {
		d.OIDs[m] = oids[i]
		d.Names[m] = names[i]
		d.IsLeaf[m] = leaf[i]
	}
	return d, detachedXmin, 0, nil
}
