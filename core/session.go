package core

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/partdesc"
	"github.com/maxpert/txcore/partition"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/rowlock"
	"github.com/maxpert/txcore/sinval"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

const (
	infoXactCommit uint8 = 0x00
	infoXactAbort  uint8 = 0x20
)

type xactRecord struct {
	Xid     transam.TransactionID   `msgpack:"x"`
	Subxids []transam.TransactionID `msgpack:"s,omitempty"`
}

// Session is one attached backend. It is not safe for concurrent use.
type Session struct {
	shared   *SharedState
	b        *proc.Backend
	relcache *partdesc.RelCache

	inXact  bool
	xid     transam.TransactionID
	subxids []transam.TransactionID
	snap    *transam.Snapshot
	dir     *partdesc.Directory
	ddl     []ddlUndo

	invalBuf [sinval.WriteQuantum]sinval.Message
}

// Connect registers a backend and attaches it to the invalidation ring.
func (s *SharedState) Connect(name string) (*Session, error) {
	b, err := s.procs.Register(name)
	if err != nil {
		return nil, err
	}
	if err := s.sinval.Attach(b, false); err != nil {
		s.procs.Unregister(b)
		return nil, err
	}
	telemetry.ActiveBackends.Inc()
	log.Debug().Int32("proc", int32(b.Number())).Str("name", name).Msg("Session connected")
	return &Session{
		shared:   s,
		b:        b,
		relcache: partdesc.NewRelCache(s.catalog, DatabaseOID),
	}, nil
}

// Close aborts any open transaction and frees the backend slot.
func (x *Session) Close() {
	if x.inXact {
		if err := x.Abort(); err != nil {
			log.Warn().Err(err).Int32("proc", int32(x.b.Number())).Msg("Abort on disconnect failed")
		}
	}
	x.shared.sinval.Detach(x.b)
	x.shared.procs.Unregister(x.b)
	telemetry.ActiveBackends.Dec()
}

func (x *Session) Backend() *proc.Backend       { return x.b }
func (x *Session) RelCache() *partdesc.RelCache { return x.relcache }

// InTransaction reports whether a transaction block is open.
func (x *Session) InTransaction() bool { return x.inXact }

// Begin starts a transaction. Pending invalidations are processed first.
func (x *Session) Begin() error {
	if x.inXact {
		return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "there is already a transaction in progress")
	}
	x.AcceptInvalidationMessages()
	x.inXact = true
	return nil
}

func (x *Session) requireXact() error {
	if !x.inXact {
		return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "there is no transaction in progress")
	}
	return nil
}

// XID returns the transaction's top-level XID, assigning one on first use.
func (x *Session) XID() (transam.TransactionID, error) {
	if err := x.requireXact(); err != nil {
		return transam.InvalidTransactionID, err
	}
	if x.xid.IsValid() {
		return x.xid, nil
	}
	xid, err := x.shared.procArray.AssignTransactionID(x.b, x.b.Number(), false)
	if err != nil {
		return transam.InvalidTransactionID, err
	}
	x.shared.xactLocks.Lock(x.b.Number(), xid)
	x.xid = xid
	return xid, nil
}

// BeginSubTransaction assigns a subtransaction XID under the current
// top-level XID.
func (x *Session) BeginSubTransaction() (transam.TransactionID, error) {
	top, err := x.XID()
	if err != nil {
		return transam.InvalidTransactionID, err
	}
	sub, err := x.shared.procArray.AssignTransactionID(x.b, x.b.Number(), true)
	if err != nil {
		return transam.InvalidTransactionID, err
	}
	x.shared.subtrans.SetParent(sub, top)
	x.subxids = append(x.subxids, sub)
	return sub, nil
}

// Snapshot returns the transaction snapshot, taking it on first use.
func (x *Session) Snapshot() (*transam.Snapshot, error) {
	if err := x.requireXact(); err != nil {
		return nil, err
	}
	if x.snap == nil {
		x.snap = x.shared.csn.TakeSnapshot(x.b, x.b.Number())
	}
	return x.snap, nil
}

// ImportSnapshot replaces the transaction snapshot with one taken at csn
// on another node.
func (x *Session) ImportSnapshot(ctx context.Context, csn transam.CSN) (*transam.Snapshot, error) {
	if err := x.requireXact(); err != nil {
		return nil, err
	}
	snap, err := x.shared.csn.ImportSnapshot(ctx, x.b, x.b.Number(), csn)
	if err != nil {
		return nil, err
	}
	x.snap = snap
	return snap, nil
}

// ExportSnapshot returns the CSN of the transaction snapshot.
func (x *Session) ExportSnapshot() (transam.CSN, error) {
	snap, err := x.Snapshot()
	if err != nil {
		return transam.InvalidCSN, err
	}
	return x.shared.csn.ExportSnapshot(snap)
}

// XidVisible reports whether xid's effects are visible to the transaction
// snapshot. The session's own XIDs are always visible.
func (x *Session) XidVisible(ctx context.Context, xid transam.TransactionID) (bool, error) {
	snap, err := x.Snapshot()
	if err != nil {
		return false, err
	}
	if xid.IsValid() && (xid == x.xid || slices.Contains(x.subxids, xid)) {
		return true, nil
	}
	return x.shared.csn.XidVisible(ctx, x.b, xid, snap)
}

// LockTuple locks a row for the current transaction.
func (x *Session) LockTuple(ctx context.Context, tid rowlock.TupleID, mode rowlock.Mode, wait rowlock.WaitPolicy) (bool, error) {
	xid, err := x.XID()
	if err != nil {
		return false, err
	}
	return x.shared.rowLocks.Lock(ctx, x.b, xid, tid, mode, wait)
}

func (x *Session) logXact(info uint8) error {
	lsn, err := x.shared.wal.InsertValue(wal.RmgrXlog, info, &xactRecord{Xid: x.xid, Subxids: x.subxids})
	if err != nil {
		return err
	}
	return x.shared.wal.FlushSync(lsn)
}

// Commit ends the transaction. A transaction that never took an XID
// commits without touching shared state and returns InvalidCSN.
func (x *Session) Commit() (transam.CSN, error) {
	if err := x.requireXact(); err != nil {
		return transam.InvalidCSN, err
	}
	if !x.xid.IsValid() {
		x.endXact("commit")
		return transam.InvalidCSN, nil
	}
	s, b, n := x.shared, x.b, x.b.Number()

	if err := s.csn.Precommit(b, n, x.xid, x.subxids); err != nil {
		return transam.InvalidCSN, err
	}
	if err := x.logXact(infoXactCommit); err != nil {
		return transam.InvalidCSN, err
	}

	b.StartCritSection()
	s.status.SetTreeStatus(x.xid, x.subxids, transam.StatusCommitted)
	s.procArray.Remove(b, n)
	commitCSN, err := s.csn.Commit(b, n, x.xid, x.subxids)
	if err = b.Check(err); err != nil {
		b.EndCritSection()
		return transam.InvalidCSN, err
	}
	b.EndCritSection()

	x.releaseXact()
	x.endXact("commit")
	return commitCSN, nil
}

// Abort rolls the transaction back.
func (x *Session) Abort() error {
	if err := x.requireXact(); err != nil {
		return err
	}
	if !x.xid.IsValid() {
		x.endXact("abort")
		return nil
	}
	s, b, n := x.shared, x.b, x.b.Number()

	if err := x.logXact(infoXactAbort); err != nil {
		log.Warn().Err(err).Uint32("xid", uint32(x.xid)).Msg("Could not log abort record")
	}
	s.status.SetTreeStatus(x.xid, x.subxids, transam.StatusAborted)
	s.procArray.Remove(b, n)
	if err := s.csn.Abort(b, n, x.xid, x.subxids); err != nil {
		log.Warn().Err(err).Uint32("xid", uint32(x.xid)).Msg("Could not record abort CSN")
	}

	x.revertDDL(x.xid, x.ddl)
	x.releaseXact()
	x.endXact("abort")
	return nil
}

func (x *Session) releaseXact() {
	s := x.shared
	s.xactLocks.Unlock(x.xid)
	s.rowLocks.ReleaseXact(x.b, x.xid)
}

func (x *Session) endXact(outcome string) {
	x.shared.procArray.Remove(x.b, x.b.Number())
	x.shared.multixact.AtEOXact(x.b)
	if x.dir != nil {
		x.dir.Destroy()
		x.dir = nil
	}
	x.inXact = false
	x.xid = transam.InvalidTransactionID
	x.subxids = nil
	x.snap = nil
	x.ddl = nil
	x.b.LockStats().Reset(0)
	telemetry.Transactions.With(outcome).Inc()
}

func (s *SharedState) redoXact(b *proc.Backend, rec wal.Record) error {
	var r xactRecord
	if err := encoding.Unmarshal(rec.Data, &r); err != nil {
		return pgerr.New(pgerr.DataCorrupted, "invalid transaction record at %d: %v", rec.LSN, err)
	}
	status := transam.StatusCommitted
	switch rec.Info {
	case infoXactCommit:
	case infoXactAbort:
		status = transam.StatusAborted
	default:
		return pgerr.New(pgerr.InternalError, "xact_redo: unknown op code %d", rec.Info)
	}
	latest := r.Xid
	for _, sub := range r.Subxids {
		s.subtrans.SetParent(sub, r.Xid)
		if transam.Follows(sub, latest) {
			latest = sub
		}
	}
	s.status.SetTreeStatus(r.Xid, r.Subxids, status)
	s.xids.AdvanceNextXid(b, latest)
	return nil
}

// AcceptInvalidationMessages drains the invalidation ring into the
// session's relation cache. A reset drops every cached descriptor.
func (x *Session) AcceptInvalidationMessages() {
	x.b.TakeCatchup()
	ring := x.shared.sinval
	for ring.HasMessages(x.b) {
		n, reset := ring.GetBatch(x.b, x.invalBuf[:])
		if reset {
			log.Debug().Int32("proc", int32(x.b.Number())).Msg("Invalidation queue reset, discarding relation cache")
			x.relcache.InvalidateAll()
			continue
		}
		if n == 0 {
			break
		}
		for _, m := range x.invalBuf[:n] {
			x.relcache.ProcessMessage(m)
		}
	}
	ring.DeleteExpired(x.b)
}

// ddlUndo reverts one partition change of an aborted transaction.
type ddlUndo struct {
	parent, child uint32
	// attached is set for an attach; otherwise a concurrent detach.
	attached bool
}

// revertDDL undoes the partition changes xid made, newest first, and
// invalidates the affected relations.
func (x *Session) revertDDL(xid transam.TransactionID, undo []ddlUndo) {
	if len(undo) == 0 {
		return
	}
	cat := x.shared.catalog
	rels := make([]uint32, 0, 2*len(undo))
	for _, u := range slices.Backward(undo) {
		var err error
		if u.attached {
			err = cat.DetachPartition(u.parent, u.child, xid, false)
		} else {
			err = cat.CancelDetach(u.parent, u.child, xid)
		}
		if err != nil {
			log.Warn().Err(err).Uint32("xid", uint32(xid)).Uint32("parent", u.parent).Uint32("child", u.child).
				Msg("Could not revert partition change")
			continue
		}
		rels = append(rels, u.parent, u.child)
	}
	if len(rels) > 0 {
		x.broadcastRelcache(rels...)
	}
}

func (x *Session) broadcastRelcache(rels ...uint32) {
	msgs := make([]sinval.Message, 0, len(rels))
	for _, rel := range rels {
		msgs = append(msgs, sinval.Relcache(DatabaseOID, rel))
	}
	x.shared.sinval.Insert(x.b, msgs...)
	x.AcceptInvalidationMessages()
}

// CreateTable adds a relation to the catalog. key is nil for a relation
// that is not partitioned.
func (x *Session) CreateTable(name string, key *partition.Key) (uint32, error) {
	if err := x.requireXact(); err != nil {
		return 0, err
	}
	return x.shared.catalog.CreateTable(name, key)
}

// AttachPartition attaches child to parent with the given bound and
// invalidates the parent's cached descriptor everywhere. An abort detaches
// it again.
func (x *Session) AttachPartition(parent, child uint32, spec *partition.BoundSpec) error {
	xid, err := x.XID()
	if err != nil {
		return err
	}
	if err := x.shared.catalog.AttachPartition(parent, child, spec, xid); err != nil {
		return err
	}
	x.ddl = append(x.ddl, ddlUndo{parent: parent, child: child, attached: true})
	x.broadcastRelcache(parent, child)
	return nil
}

// DetachPartition detaches child from parent. A concurrent detach leaves
// the partition pending until FinalizeDetach and is cancelled if the
// transaction aborts; a plain detach is not undone by an abort.
func (x *Session) DetachPartition(parent, child uint32, concurrently bool) error {
	xid, err := x.XID()
	if err != nil {
		return err
	}
	if err := x.shared.catalog.DetachPartition(parent, child, xid, concurrently); err != nil {
		return err
	}
	if concurrently {
		x.ddl = append(x.ddl, ddlUndo{parent: parent, child: child})
	}
	x.broadcastRelcache(parent, child)
	return nil
}

// FinalizeDetach completes a concurrent detach. It is not undone by an
// abort.
func (x *Session) FinalizeDetach(parent, child uint32) error {
	if err := x.requireXact(); err != nil {
		return err
	}
	if err := x.shared.catalog.FinalizeDetach(parent, child); err != nil {
		return err
	}
	x.broadcastRelcache(parent, child)
	return nil
}

// PartitionDirectory returns the transaction's partition directory, which
// keeps every descriptor it hands out stable until the transaction ends.
func (x *Session) PartitionDirectory(omitDetached bool) (*partdesc.Directory, error) {
	snap, err := x.Snapshot()
	if err != nil {
		return nil, err
	}
	if x.dir == nil {
		x.dir = partdesc.NewDirectory(x.relcache, omitDetached, snap)
	}
	return x.dir, nil
}

// Route finds the leaf partition of rel that accepts values.
func (x *Session) Route(rel uint32, values ...partition.Datum) (uint32, error) {
	dir, err := x.PartitionDirectory(true)
	if err != nil {
		return 0, err
	}
	r, err := x.relcache.Open(rel)
	if err != nil {
		return 0, err
	}
	defer x.relcache.Close(r)
	desc, err := dir.Lookup(r)
	if err != nil {
		return 0, err
	}
	return desc.Route(values...)
}
