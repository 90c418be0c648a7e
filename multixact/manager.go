package multixact

import (
	"context"
	"encoding/binary"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

// Options mirrors the [multixact] configuration section plus the storage
// the SLRUs live on.
type Options struct {
	OffsetBuffers int
	MemberBuffers int
	OffsetStore   slru.PageStore
	MemberStore   slru.PageStore
	WAL           *wal.Log

	FreezeMaxAge uint32
	Database     string
	// TotalProcs counts regular backends and prepared-transaction slots.
	TotalProcs int
	// VacuumRequest is called when MultiXactId assignment passes the
	// vacuum limit.
	VacuumRequest func()
}

// Deps are the transaction structures the manager consults.
type Deps struct {
	ProcArray *transam.ProcArray
	Status    *transam.StatusLog
	XactLocks *transam.XactLockTable
	// Xids is advanced past member XIDs during redo. Optional.
	Xids *transam.XidGen
}

// sharedState is guarded by MultiXactGenLock.
type sharedState struct {
	NextMXact  transam.MultiXactID
	NextOffset transam.MultiXactOffset

	OldestMultiXactID transam.MultiXactID
	OldestMultiXactDB uint32
	OldestOffset      transam.MultiXactOffset
	OldestOffsetKnown bool

	VacLimit  transam.MultiXactID
	WarnLimit transam.MultiXactID
	StopLimit transam.MultiXactID
	WrapLimit transam.MultiXactID
}

// Manager allocates MultiXactIds and stores their members.
type Manager struct {
	opts Options
	deps Deps

	genLock   *lwlock.Lock
	truncLock *lwlock.Lock
	offsets   *slru.Ctl
	members   *slru.Ctl
	shared    *sharedState

	// Per-backend horizons, indexed by proc number, guarded by genLock.
	// Only the owning backend writes its own slots.
	oldestMember  []transam.MultiXactID
	oldestVisible []transam.MultiXactID

	caches []*memberCache
}

// NewManager attaches the MultiXact SLRUs and shared state.
func NewManager(seg *shmem.Segment, locks *lwlock.Array, deps Deps, opts Options) (*Manager, error) {
	if opts.TotalProcs < 1 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "multixact manager needs at least one backend slot")
	}
	offsets, err := slru.New(seg, locks, slru.Options{
		Name:         "MultiXactOffset",
		Slots:        opts.OffsetBuffers,
		Tranche:      lwlock.TrancheMultiXactOffsetSLRU,
		Store:        opts.OffsetStore,
		PagePrecedes: offsetPagePrecedes,
	})
	if err != nil {
		return nil, err
	}
	members, err := slru.New(seg, locks, slru.Options{
		Name:         "MultiXactMember",
		Slots:        opts.MemberBuffers,
		Tranche:      lwlock.TrancheMultiXactMemberSLRU,
		Store:        opts.MemberStore,
		PagePrecedes: memberPagePrecedes,
	})
	if err != nil {
		return nil, err
	}
	shared, found, err := shmem.InitStruct[sharedState](seg, "Shared MultiXact State")
	if err != nil {
		return nil, err
	}
	oldestMember, _, err := shmem.InitSlice[transam.MultiXactID](seg, "MultiXact OldestMember", opts.TotalProcs)
	if err != nil {
		return nil, err
	}
	oldestVisible, _, err := shmem.InitSlice[transam.MultiXactID](seg, "MultiXact OldestVisible", opts.TotalProcs)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:          opts,
		deps:          deps,
		genLock:       locks.Get(lwlock.MultiXactGenLock),
		truncLock:     locks.Get(lwlock.MultiXactTruncationLock),
		offsets:       offsets,
		members:       members,
		shared:        shared,
		oldestMember:  oldestMember,
		oldestVisible: oldestVisible,
		caches:        make([]*memberCache, opts.TotalProcs),
	}
	for i := range m.caches {
		m.caches[i] = newMemberCache()
	}
	if !found {
		shared.NextMXact = transam.FirstMultiXactID
		shared.OldestMultiXactID = transam.FirstMultiXactID
		shared.OldestOffsetKnown = true
		m.storeLimits(transam.FirstMultiXactID, opts.FreezeMaxAge)
	}
	return m, nil
}

func (m *Manager) cache(b *proc.Backend) *memberCache { return m.caches[b.Number()] }

func (m *Manager) OffsetsCtl() *slru.Ctl { return m.offsets }
func (m *Manager) MembersCtl() *slru.Ctl { return m.members }

// SetRecovery switches both SLRUs into replay mode, where missing pages
// read as zeroes.
func (m *Manager) SetRecovery(on bool) {
	m.offsets.SetRecovery(on)
	m.members.SetRecovery(on)
}

// CreateSingleton makes a MultiXact with one member. Expand falls back to
// it when no other member is left.
func (m *Manager) CreateSingleton(b *proc.Backend, xid transam.TransactionID, status MemberStatus) (transam.MultiXactID, error) {
	return m.CreateFromMembers(b, []Member{{Xid: xid, Status: status}})
}

// Create makes a MultiXact from two lockers of the same row.
func (m *Manager) Create(b *proc.Backend, xid1 transam.TransactionID, status1 MemberStatus,
	xid2 transam.TransactionID, status2 MemberStatus) (transam.MultiXactID, error) {
	if xid1 == xid2 && status1 == status2 {
		return transam.InvalidMultiXactID, pgerr.New(pgerr.InternalError,
			"cannot create MultiXact with duplicate member %d (%s)", xid1, status1)
	}
	return m.CreateFromMembers(b, []Member{{xid1, status1}, {xid2, status2}})
}

// CreateFromMembers returns a MultiXactId for exactly these members,
// reusing one from the backend's cache when the same set was created or
// read earlier in the transaction. The caller must have called
// SetOldestMember.
func (m *Manager) CreateFromMembers(b *proc.Backend, members []Member) (transam.MultiXactID, error) {
	if len(members) == 0 {
		return transam.InvalidMultiXactID, pgerr.New(pgerr.InternalError, "cannot create MultiXact without members")
	}
	sorted := slices.Clone(members)
	slices.SortStableFunc(sorted, compareMembers)

	cache := m.cache(b)
	if multi := cache.getBySet(sorted); multi.IsValid() {
		log.Trace().Str("multi", membersString(multi, sorted)).Msg("Create: in cache")
		return multi, nil
	}

	updaters := 0
	for _, mem := range sorted {
		if mem.Status.IsUpdate() {
			updaters++
		}
	}
	if updaters > 1 {
		return transam.InvalidMultiXactID, pgerr.New(pgerr.InternalError,
			"new multixact has more than one updating member").
			WithDetail("The members are %s.", membersString(transam.InvalidMultiXactID, sorted))
	}

	multi, offset, err := m.getNewMultiXactID(b, len(sorted))
	if err != nil {
		return transam.InvalidMultiXactID, err
	}
	// getNewMultiXactID left us in a critical section.
	err = m.logRecord(infoCreateID, createRecord{Multi: multi, Offset: offset, Members: sorted})
	if err == nil {
		err = m.recordNewMultiXact(b, multi, offset, sorted)
	}
	err = b.Check(err)
	b.EndCritSection()
	if err != nil {
		return transam.InvalidMultiXactID, err
	}

	cache.put(multi, sorted)
	telemetry.MultiXactsCreated.Inc()
	log.Trace().Str("multi", membersString(multi, sorted)).Msg("Create: all done")
	return multi, nil
}

// getNewMultiXactID assigns the next MultiXactId and reserves n member
// slots. On success the backend is inside a critical section that the
// caller ends once the members are recorded.
func (m *Manager) getNewMultiXactID(b *proc.Backend, n int) (transam.MultiXactID, transam.MultiXactOffset, error) {
	m.genLock.Acquire(b, lwlock.Exclusive)
	s := m.shared

	if s.NextMXact < transam.FirstMultiXactID {
		s.NextMXact = transam.FirstMultiXactID
	}
	result := s.NextMXact

	needVacuum := false
	if !transam.MultiXactPrecedes(result, s.VacLimit) {
		needVacuum = true
		if !transam.MultiXactPrecedes(result, s.StopLimit) {
			m.genLock.Release(b)
			m.requestVacuum()
			return 0, 0, pgerr.New(pgerr.ProgramLimitExceeded,
				"database is not accepting commands that assign new MultiXactIds to avoid wraparound data loss in database %q",
				m.opts.Database).
				WithHint("Execute a database-wide VACUUM in that database.\nYou might also need to commit or roll back old prepared transactions.")
		}
		if !transam.MultiXactPrecedes(result, s.WarnLimit) {
			log.Warn().Str("database", m.opts.Database).Uint32("remaining", uint32(s.WrapLimit-result)).
				Msg("Database must be vacuumed before more MultiXactIds are used")
		}
	}

	// The next MultiXact's start offset is written together with ours, so
	// its offsets page must exist too.
	if err := m.extendOffsets(b, result.Next()); err != nil {
		m.genLock.Release(b)
		return 0, 0, err
	}

	next := s.NextOffset
	offset := next
	if offset == 0 {
		// Zero marks an unwritten offset entry, so member slot zero is
		// never handed out.
		offset = 1
		n++
	}
	if err := m.extendMembers(b, next, n); err != nil {
		m.genLock.Release(b)
		return 0, 0, err
	}

	b.StartCritSection()
	s.NextMXact = result + 1
	s.NextOffset = next + transam.MultiXactOffset(n)
	telemetry.MultiXactNextID.Set(float64(s.NextMXact))
	telemetry.MultiXactNextOffset.Set(float64(s.NextOffset))
	m.genLock.Release(b)

	if needVacuum {
		m.requestVacuum()
	}
	log.Trace().Uint32("multi", uint32(result)).Uint64("offset", uint64(offset)).Msg("GetNew: assigned")
	return result, offset, nil
}

func (m *Manager) requestVacuum() {
	if m.opts.VacuumRequest != nil {
		m.opts.VacuumRequest()
	}
}

// extendOffsets zeroes a new offsets page when multi is its first entry.
func (m *Manager) extendOffsets(b *proc.Backend, multi transam.MultiXactID) error {
	if offsetEntry(multi) != 0 && multi != transam.FirstMultiXactID {
		return nil
	}
	return m.zeroPage(b, m.offsets, offsetPage(multi), infoZeroOffPage, true)
}

// extendMembers zeroes every members page the range [offset, offset+n)
// starts.
func (m *Manager) extendMembers(b *proc.Backend, offset transam.MultiXactOffset, n int) error {
	remaining := int64(n)
	for remaining > 0 {
		if offset%membersPerPage == 0 {
			if err := m.zeroPage(b, m.members, memberPage(offset), infoZeroMemPage, true); err != nil {
				return err
			}
		}
		step := membersPerPage - offset%membersPerPage
		remaining -= int64(step)
		offset += step
	}
	return nil
}

func (m *Manager) zeroPage(b *proc.Backend, ctl *slru.Ctl, page int64, info uint8, logged bool) error {
	if logged {
		if err := m.logRecord(info, page); err != nil {
			return err
		}
	}
	lock := ctl.BankLock(page)
	lock.Acquire(b, lwlock.Exclusive)
	defer lock.Release(b)
	_, err := ctl.ZeroPage(page)
	return err
}

// recordNewMultiXact writes multi's start offset, the start offset of the
// MultiXact after it, and the members. Replay uses it too.
func (m *Manager) recordNewMultiXact(b *proc.Backend, multi transam.MultiXactID, offset transam.MultiXactOffset, members []Member) error {
	if err := m.writeOffset(b, multi, offset); err != nil {
		return err
	}
	if err := m.writeOffset(b, multi.Next(), offset+transam.MultiXactOffset(len(members))); err != nil {
		return err
	}

	var lock *lwlock.Lock
	defer func() {
		if lock != nil {
			lock.Release(b)
		}
	}()
	prev, slot := int64(-1), 0
	for i, mem := range members {
		off := offset + transam.MultiXactOffset(i)
		page := memberPage(off)
		if page != prev {
			if lock != nil {
				lock.Release(b)
			}
			lock = m.members.BankLock(page)
			lock.Acquire(b, lwlock.Exclusive)
			var err error
			if slot, err = m.members.ReadPage(b, page, true); err != nil {
				return err
			}
			prev = page
		}
		buf := m.members.Page(slot)
		binary.LittleEndian.PutUint32(buf[memberOffset(off):], uint32(mem.Xid))
		fo, shift := flagsOffset(off), flagsShift(off)
		flags := binary.LittleEndian.Uint32(buf[fo:])
		flags &^= memberStatusMask << shift
		flags |= uint32(mem.Status) << shift
		binary.LittleEndian.PutUint32(buf[fo:], flags)
	}
	return nil
}

func (m *Manager) writeOffset(b *proc.Backend, multi transam.MultiXactID, offset transam.MultiXactOffset) error {
	page := offsetPage(multi)
	lock := m.offsets.BankLock(page)
	lock.Acquire(b, lwlock.Exclusive)
	defer lock.Release(b)
	slot, err := m.offsets.ReadPage(b, page, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.offsets.Page(slot)[offsetEntry(multi):], uint64(offset))
	return nil
}

func (m *Manager) readOffset(b *proc.Backend, multi transam.MultiXactID) (transam.MultiXactOffset, error) {
	page := offsetPage(multi)
	slot, err := m.offsets.ReadPageReadOnly(b, page)
	if err != nil {
		return 0, err
	}
	off := transam.MultiXactOffset(binary.LittleEndian.Uint64(m.offsets.Page(slot)[offsetEntry(multi):]))
	m.offsets.BankLock(page).Release(b)
	return off, nil
}

// GetMembers returns the members of multi, sorted. With lockOnly, a
// MultiXact too old to have running members yields nil without touching
// storage.
func (m *Manager) GetMembers(b *proc.Backend, multi transam.MultiXactID, lockOnly bool) ([]Member, error) {
	if !multi.IsValid() {
		return nil, nil
	}
	cache := m.cache(b)
	if members, ok := cache.getByID(multi); ok {
		return members, nil
	}

	m.setOldestVisible(b)
	if lockOnly && transam.MultiXactPrecedes(multi, m.oldestVisible[b.Number()]) {
		log.Trace().Uint32("multi", uint32(multi)).Msg("GetMembers: lock-only and too old")
		return nil, nil
	}

	m.genLock.Acquire(b, lwlock.Shared)
	oldest, next := m.shared.OldestMultiXactID, m.shared.NextMXact
	m.genLock.Release(b)

	if transam.MultiXactPrecedes(multi, oldest) {
		return nil, pgerr.New(pgerr.InternalError, "MultiXactId %d does no longer exist -- apparent wraparound", multi)
	}
	if !transam.MultiXactPrecedes(multi, next) {
		return nil, pgerr.New(pgerr.InternalError, "MultiXactId %d has not been created yet -- apparent wraparound", multi)
	}

	start, err := m.readOffset(b, multi)
	if err != nil {
		return nil, err
	}
	end, err := m.readOffset(b, multi.Next())
	if err != nil {
		return nil, err
	}
	if start == 0 {
		return nil, pgerr.New(pgerr.DataCorrupted, "MultiXact %d has invalid offset", multi)
	}
	if end == 0 || end < start {
		return nil, pgerr.New(pgerr.DataCorrupted, "MultiXact %d has invalid next offset", multi).
			WithDetail("Offsets are %d and %d.", start, end)
	}

	members, err := m.readMembers(b, start, end)
	if err != nil {
		return nil, err
	}
	cache.put(multi, members)
	return members, nil
}

func (m *Manager) readMembers(b *proc.Backend, start, end transam.MultiXactOffset) ([]Member, error) {
	members := make([]Member, 0, end-start)
	prev, slot := int64(-1), 0
	for off := start; off < end; off++ {
		page := memberPage(off)
		if page != prev {
			if prev >= 0 {
				m.members.BankLock(prev).Release(b)
			}
			var err error
			if slot, err = m.members.ReadPageReadOnly(b, page); err != nil {
				return nil, err
			}
			prev = page
		}
		buf := m.members.Page(slot)
		xid := transam.TransactionID(binary.LittleEndian.Uint32(buf[memberOffset(off):]))
		if !xid.IsValid() {
			// Unused member slot zero.
			continue
		}
		flags := binary.LittleEndian.Uint32(buf[flagsOffset(off):])
		members = append(members, Member{
			Xid:    xid,
			Status: MemberStatus(flags >> flagsShift(off) & memberStatusMask),
		})
	}
	if prev >= 0 {
		m.members.BankLock(prev).Release(b)
	}
	return members, nil
}

// SetOldestMember records, before the backend first locks a row in a mode
// that can put its XID into a MultiXact, the oldest MultiXactId it could
// become a member of.
func (m *Manager) SetOldestMember(b *proc.Backend) {
	n := b.Number()
	if m.oldestMember[n].IsValid() {
		return
	}
	m.genLock.Acquire(b, lwlock.Exclusive)
	next := m.shared.NextMXact
	if next < transam.FirstMultiXactID {
		next = transam.FirstMultiXactID
	}
	m.oldestMember[n] = next
	m.genLock.Release(b)
	log.Trace().Int32("proc", int32(n)).Uint32("multi", uint32(next)).Msg("Set oldest member")
}

// setOldestVisible fixes the oldest MultiXactId the backend may still look
// at, so truncation cannot remove it while we read.
func (m *Manager) setOldestVisible(b *proc.Backend) {
	n := b.Number()
	if m.oldestVisible[n].IsValid() {
		return
	}
	m.genLock.Acquire(b, lwlock.Exclusive)
	oldest := m.shared.NextMXact
	if oldest < transam.FirstMultiXactID {
		oldest = transam.FirstMultiXactID
	}
	for _, v := range m.oldestMember {
		if v.IsValid() && transam.MultiXactPrecedes(v, oldest) {
			oldest = v
		}
	}
	m.oldestVisible[n] = oldest
	m.genLock.Release(b)
}

// OldestNeeded is the oldest MultiXactId any backend may still be a member
// of or look at: vacuum's truncation horizon.
func (m *Manager) OldestNeeded(b *proc.Backend) transam.MultiXactID {
	m.genLock.Acquire(b, lwlock.Shared)
	defer m.genLock.Release(b)
	oldest := m.shared.NextMXact
	if oldest < transam.FirstMultiXactID {
		oldest = transam.FirstMultiXactID
	}
	for i := range m.oldestMember {
		for _, v := range [2]transam.MultiXactID{m.oldestMember[i], m.oldestVisible[i]} {
			if v.IsValid() && transam.MultiXactPrecedes(v, oldest) {
				oldest = v
			}
		}
	}
	return oldest
}

// AtEOXact clears the backend's horizons and drops its member cache.
func (m *Manager) AtEOXact(b *proc.Backend) {
	n := b.Number()
	m.genLock.Acquire(b, lwlock.Exclusive)
	m.oldestMember[n] = transam.InvalidMultiXactID
	m.oldestVisible[n] = transam.InvalidMultiXactID
	m.genLock.Release(b)
	m.cache(b).purge()
}

// AtPrepare returns the oldest-member horizon to save with a prepared
// transaction.
func (m *Manager) AtPrepare(b *proc.Backend) transam.MultiXactID {
	return m.oldestMember[b.Number()]
}

// PostPrepare hands the backend's oldest-member horizon to the prepared
// transaction's dummy slot and resets the backend as at transaction end.
func (m *Manager) PostPrepare(b *proc.Backend, dummy proc.ProcNumber) {
	n := b.Number()
	m.genLock.Acquire(b, lwlock.Exclusive)
	m.oldestMember[dummy] = m.oldestMember[n]
	m.oldestMember[n] = transam.InvalidMultiXactID
	m.oldestVisible[n] = transam.InvalidMultiXactID
	m.genLock.Release(b)
	m.cache(b).purge()
}

// RecoverPrepared restores a prepared transaction's horizon after restart.
func (m *Manager) RecoverPrepared(b *proc.Backend, dummy proc.ProcNumber, oldest transam.MultiXactID) {
	m.genLock.Acquire(b, lwlock.Exclusive)
	m.oldestMember[dummy] = oldest
	m.genLock.Release(b)
}

// PostCommitPrepared releases the horizon of a prepared transaction once
// it commits or aborts.
func (m *Manager) PostCommitPrepared(b *proc.Backend, dummy proc.ProcNumber) {
	m.genLock.Acquire(b, lwlock.Exclusive)
	m.oldestMember[dummy] = transam.InvalidMultiXactID
	m.genLock.Release(b)
}

func (m *Manager) isCurrent(b *proc.Backend, xid transam.TransactionID) bool {
	self := m.deps.ProcArray.Entry(b.Number())
	return xid.IsValid() && (self.Xid == xid || slices.Contains(self.Subxids, xid))
}

// IsCurrent reports whether the current transaction is a member of multi.
func (m *Manager) IsCurrent(b *proc.Backend, multi transam.MultiXactID) (bool, error) {
	members, err := m.GetMembers(b, multi, false)
	if err != nil {
		return false, err
	}
	for _, mem := range members {
		if m.isCurrent(b, mem.Xid) {
			return true, nil
		}
	}
	return false, nil
}

// IsRunning reports whether any member of multi is still running. A false
// answer never changes, since members are never added to a MultiXact.
func (m *Manager) IsRunning(b *proc.Backend, multi transam.MultiXactID, lockOnly bool) (bool, error) {
	members, err := m.GetMembers(b, multi, lockOnly)
	if err != nil || len(members) == 0 {
		return false, err
	}
	for _, mem := range members {
		if m.isCurrent(b, mem.Xid) {
			return true, nil
		}
	}
	for _, mem := range members {
		if m.deps.ProcArray.IsInProgress(b, mem.Xid) {
			return true, nil
		}
	}
	return false, nil
}

// Expand returns a MultiXact holding multi's live members plus xid in
// status. Members that ended are dropped, except updaters that committed.
// multi itself is never changed.
func (m *Manager) Expand(b *proc.Backend, multi transam.MultiXactID, xid transam.TransactionID, status MemberStatus) (transam.MultiXactID, error) {
	members, err := m.GetMembers(b, multi, false)
	if err != nil {
		return transam.InvalidMultiXactID, err
	}
	if len(members) == 0 {
		// Every member stopped running between the caller's check and
		// ours.
		log.Debug().Uint32("multi", uint32(multi)).Uint32("xid", uint32(xid)).
			Msg("Expand: multixact has no members, creating singleton")
		return m.CreateSingleton(b, xid, status)
	}

	for _, mem := range members {
		if mem.Xid == xid && mem.Status == status {
			return multi, nil
		}
	}

	kept := make([]Member, 0, len(members)+1)
	for _, mem := range members {
		if m.deps.ProcArray.IsInProgress(b, mem.Xid) ||
			(mem.Status.IsUpdate() && m.deps.Status.DidCommit(mem.Xid)) {
			kept = append(kept, mem)
		}
	}
	kept = append(kept, Member{Xid: xid, Status: status})
	return m.CreateFromMembers(b, kept)
}

// Wait blocks until every member of multi whose status conflicts has
// ended. A nil conflicts waits for all members. The backend's own
// transaction is skipped.
func (m *Manager) Wait(ctx context.Context, b *proc.Backend, multi transam.MultiXactID, conflicts func(MemberStatus) bool) error {
	members, err := m.GetMembers(b, multi, false)
	if err != nil {
		return err
	}
	for _, mem := range members {
		if m.isCurrent(b, mem.Xid) || (conflicts != nil && !conflicts(mem.Status)) {
			continue
		}
		if err := m.deps.XactLocks.Wait(ctx, b, mem.Xid); err != nil {
			return err
		}
	}
	return nil
}

// ConditionalWait reports, without blocking, whether no conflicting
// member of multi is still running.
func (m *Manager) ConditionalWait(b *proc.Backend, multi transam.MultiXactID, conflicts func(MemberStatus) bool) (bool, error) {
	members, err := m.GetMembers(b, multi, false)
	if err != nil {
		return false, err
	}
	for _, mem := range members {
		if m.isCurrent(b, mem.Xid) || (conflicts != nil && !conflicts(mem.Status)) {
			continue
		}
		if m.deps.ProcArray.IsInProgress(b, mem.Xid) {
			return false, nil
		}
	}
	return true, nil
}
