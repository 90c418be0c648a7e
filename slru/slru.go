// Package slru implements the simple LRU page buffers used by the commit
// sequence log and the MultiXact offset and member logs.
package slru

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/telemetry"
)

const (
	BlockSize       = 8192
	PagesPerSegment = 32
	BankSize        = 16
)

type pageStatus int32

const (
	pageEmpty pageStatus = iota
	pageValid
)

// slot metadata lives in shared memory next to the page buffers.
type slotMeta struct {
	PageNo int64
	LRU    int64
	Status pageStatus
	Dirty  int32
}

// Options configures one SLRU.
type Options struct {
	Name  string
	Slots int
	// Tranche names the built-in lock tranche for the bank locks; zero
	// registers a tranche called Name.
	Tranche lwlock.TrancheID
	Store   PageStore
	// PagePrecedes orders pages for truncation; it must account for
	// wraparound where the page numbering wraps.
	PagePrecedes func(a, b int64) bool
}

// Ctl controls one SLRU. Callers lock BankLock(pageno) before touching a page
// buffer; I/O runs with the bank lock held exclusively.
type Ctl struct {
	name    string
	store   PageStore
	nbanks  int64
	locks   []*lwlock.Lock
	buffers []byte
	slots   []slotMeta
	clock   []int64
	shared  *sharedState

	PagePrecedes func(a, b int64) bool
}

type sharedState struct {
	LatestPage int64
	Recovery   int32
}

// New attaches the SLRU to the segment, creating its buffers on first use.
func New(seg *shmem.Segment, locks *lwlock.Array, opts Options) (*Ctl, error) {
	nslots := opts.Slots
	if nslots < BankSize {
		nslots = BankSize
	}
	nslots -= nslots % BankSize
	nbanks := nslots / BankSize

	var (
		bankLocks []*lwlock.Lock
		err       error
	)
	if opts.Tranche >= lwlock.NumIndividualLocks {
		bankLocks, err = locks.Tranche(opts.Tranche, nbanks)
	} else {
		bankLocks, err = locks.NamedTranche(opts.Name, nbanks)
	}
	if err != nil {
		return nil, err
	}

	off, _, err := seg.InitRegion(opts.Name+" Buffers", uint64(nslots*BlockSize))
	if err != nil {
		return nil, err
	}
	slots, _, err := shmem.InitSlice[slotMeta](seg, opts.Name+" Slots", nslots)
	if err != nil {
		return nil, err
	}
	clock, _, err := shmem.InitSlice[int64](seg, opts.Name+" Bank Clocks", nbanks)
	if err != nil {
		return nil, err
	}
	shared, _, err := shmem.InitStruct[sharedState](seg, opts.Name+" Ctl")
	if err != nil {
		return nil, err
	}

	precedes := opts.PagePrecedes
	if precedes == nil {
		precedes = func(a, b int64) bool { return a < b }
	}
	return &Ctl{
		name:         opts.Name,
		store:        opts.Store,
		nbanks:       int64(nbanks),
		locks:        bankLocks,
		buffers:      seg.TOC().Bytes(off, uint64(nslots*BlockSize)),
		slots:        slots,
		clock:        clock,
		shared:       shared,
		PagePrecedes: precedes,
	}, nil
}

func (c *Ctl) Name() string { return c.name }

// Slots reports the number of page buffers.
func (c *Ctl) Slots() int { return len(c.slots) }

// BankLock returns the lock covering pageno.
func (c *Ctl) BankLock(pageno int64) *lwlock.Lock {
	return c.locks[c.bank(pageno)]
}

func (c *Ctl) bank(pageno int64) int64 {
	b := pageno % c.nbanks
	if b < 0 {
		b += c.nbanks
	}
	return b
}

// Page returns the buffer of a slot. Valid while the bank lock is held.
func (c *Ctl) Page(slot int) []byte {
	return c.buffers[slot*BlockSize : (slot+1)*BlockSize]
}

// MarkDirty flags a slot for write-out.
func (c *Ctl) MarkDirty(slot int) {
	c.slots[slot].Dirty = 1
}

// LatestPage is the most recently zeroed page.
func (c *Ctl) LatestPage() int64 { return c.shared.LatestPage }

func (c *Ctl) SetLatestPage(pageno int64) { c.shared.LatestPage = pageno }

// SetRecovery makes reads of never-written pages return zeros instead of
// failing, as replay may touch pages ahead of the last checkpoint.
func (c *Ctl) SetRecovery(on bool) {
	if on {
		c.shared.Recovery = 1
	} else {
		c.shared.Recovery = 0
	}
}

func (c *Ctl) lookup(pageno int64) int {
	start := int(c.bank(pageno)) * BankSize
	for s := start; s < start+BankSize; s++ {
		if c.slots[s].Status == pageValid && c.slots[s].PageNo == pageno {
			return s
		}
	}
	return -1
}

func (c *Ctl) touch(slot int, pageno int64) {
	b := c.bank(pageno)
	c.clock[b]++
	c.slots[slot].LRU = c.clock[b]
}

// ZeroPage installs an all-zero page in the buffers and marks it dirty.
// The caller holds the bank lock exclusively.
func (c *Ctl) ZeroPage(pageno int64) (int, error) {
	slot, err := c.victim(pageno)
	if err != nil {
		return -1, err
	}
	clear(c.Page(slot))
	c.slots[slot] = slotMeta{PageNo: pageno, Status: pageValid, Dirty: 1}
	c.touch(slot, pageno)
	c.shared.LatestPage = pageno
	return slot, nil
}

// ReadPage finds or loads pageno. The caller holds the bank lock
// exclusively. With write set, the page is marked dirty.
func (c *Ctl) ReadPage(b *proc.Backend, pageno int64, write bool) (int, error) {
	if slot := c.lookup(pageno); slot >= 0 {
		telemetry.SLRUPageHits.With(c.name).Inc()
		c.touch(slot, pageno)
		if write {
			c.MarkDirty(slot)
		}
		return slot, nil
	}

	slot, err := c.victim(pageno)
	if err != nil {
		return -1, err
	}
	b.ReportWaitStart(proc.WaitEventSLRURead)
	data, found, err := c.store.ReadPage(pageno)
	b.ReportWaitEnd()
	if err != nil {
		return -1, c.ioError(pageno, err)
	}
	if !found && c.shared.Recovery == 0 {
		return -1, pgerr.New(pgerr.DataCorrupted, "could not access status of %s page %d", c.name, pageno).
			WithDetail("Page does not exist in storage.")
	}
	page := c.Page(slot)
	clear(page)
	copy(page, data)
	c.slots[slot] = slotMeta{PageNo: pageno, Status: pageValid}
	if write {
		c.slots[slot].Dirty = 1
	}
	c.touch(slot, pageno)
	telemetry.SLRUPageReads.With(c.name).Inc()
	return slot, nil
}

// ReadPageReadOnly returns a slot holding pageno with the bank lock held in
// some mode; the caller releases BankLock(pageno) when done reading.
func (c *Ctl) ReadPageReadOnly(b *proc.Backend, pageno int64) (int, error) {
	lock := c.BankLock(pageno)
	lock.Acquire(b, lwlock.Shared)
	if slot := c.lookup(pageno); slot >= 0 {
		telemetry.SLRUPageHits.With(c.name).Inc()
		return slot, nil
	}
	lock.Release(b)

	lock.Acquire(b, lwlock.Exclusive)
	slot, err := c.ReadPage(b, pageno, false)
	if err != nil {
		lock.Release(b)
		return -1, err
	}
	return slot, nil
}

// WritePage writes a slot to storage. The caller holds the bank lock.
func (c *Ctl) WritePage(b *proc.Backend, slot int) error {
	meta := &c.slots[slot]
	if meta.Status != pageValid {
		return nil
	}
	b.ReportWaitStart(proc.WaitEventSLRUWrite)
	err := c.store.WritePage(meta.PageNo, c.Page(slot))
	b.ReportWaitEnd()
	if err != nil {
		return c.ioError(meta.PageNo, err)
	}
	meta.Dirty = 0
	telemetry.SLRUPageWrites.With(c.name).Inc()
	return nil
}

// victim picks a slot in pageno's bank: an empty one, else the least
// recently used clean one, else the least recently used dirty one after
// writing it out.
func (c *Ctl) victim(pageno int64) (int, error) {
	start := int(c.bank(pageno)) * BankSize
	best, bestDirty := -1, -1
	for s := start; s < start+BankSize; s++ {
		m := &c.slots[s]
		if m.Status == pageEmpty {
			return s, nil
		}
		if m.Dirty == 0 {
			if best < 0 || m.LRU < c.slots[best].LRU {
				best = s
			}
		} else if bestDirty < 0 || m.LRU < c.slots[bestDirty].LRU {
			bestDirty = s
		}
	}
	if best >= 0 {
		return best, nil
	}
	meta := &c.slots[bestDirty]
	if err := c.store.WritePage(meta.PageNo, c.Page(bestDirty)); err != nil {
		return -1, c.ioError(meta.PageNo, err)
	}
	telemetry.SLRUPageWrites.With(c.name).Inc()
	meta.Dirty = 0
	return bestDirty, nil
}

// Flush writes every dirty page and syncs the store.
func (c *Ctl) Flush(b *proc.Backend) error {
	for bank := int64(0); bank < c.nbanks; bank++ {
		lock := c.locks[bank]
		lock.Acquire(b, lwlock.Exclusive)
		start := int(bank) * BankSize
		for s := start; s < start+BankSize; s++ {
			if c.slots[s].Status == pageValid && c.slots[s].Dirty != 0 {
				if err := c.WritePage(b, s); err != nil {
					lock.Release(b)
					return err
				}
			}
		}
		lock.Release(b)
	}
	b.ReportWaitStart(proc.WaitEventSLRUSync)
	defer b.ReportWaitEnd()
	return c.store.Sync()
}

// Truncate discards all pages preceding the segment holding cutoffPage.
func (c *Ctl) Truncate(b *proc.Backend, cutoffPage int64) error {
	cutoffPage -= cutoffPage % PagesPerSegment

	if c.PagePrecedes(c.shared.LatestPage, cutoffPage) {
		log.Warn().Str("slru", c.name).Int64("latest_page", c.shared.LatestPage).
			Int64("cutoff_page", cutoffPage).Msg("Could not truncate: apparent wraparound")
		return nil
	}

	for bank := int64(0); bank < c.nbanks; bank++ {
		lock := c.locks[bank]
		lock.Acquire(b, lwlock.Exclusive)
		start := int(bank) * BankSize
		for s := start; s < start+BankSize; s++ {
			if c.slots[s].Status == pageValid && c.PagePrecedes(c.slots[s].PageNo, cutoffPage) {
				c.slots[s] = slotMeta{}
			}
		}
		lock.Release(b)
	}

	return c.ScanDirectory(func(segno, segpage int64) (bool, error) {
		if c.PagePrecedes(segpage, cutoffPage) {
			if err := c.DeleteSegment(b, segno); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// DeleteSegment drops a segment from the buffers and from storage.
func (c *Ctl) DeleteSegment(b *proc.Backend, segno int64) error {
	first := segno * PagesPerSegment
	for p := first; p < first+PagesPerSegment; p++ {
		lock := c.BankLock(p)
		lock.Acquire(b, lwlock.Exclusive)
		if s := c.lookup(p); s >= 0 {
			c.slots[s] = slotMeta{}
		}
		lock.Release(b)
	}
	log.Debug().Str("slru", c.name).Int64("segment", segno).Msg("Removing SLRU segment")
	telemetry.SLRUTruncations.With(c.name).Inc()
	return c.store.DeleteSegment(segno)
}

// ScanDirectory calls fn with each stored segment and its first page until
// fn returns false.
func (c *Ctl) ScanDirectory(fn func(segno, segpage int64) (bool, error)) error {
	segs, err := c.store.Segments()
	if err != nil {
		return err
	}
	for _, segno := range segs {
		cont, err := fn(segno, segno*PagesPerSegment)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// PageExists reports whether pageno is buffered or stored.
func (c *Ctl) PageExists(b *proc.Backend, pageno int64) (bool, error) {
	lock := c.BankLock(pageno)
	lock.Acquire(b, lwlock.Shared)
	found := c.lookup(pageno) >= 0
	lock.Release(b)
	if found {
		return true, nil
	}
	_, found, err := c.store.ReadPage(pageno)
	return found, err
}

func (c *Ctl) ioError(pageno int64, err error) error {
	return pgerr.Wrapf(err, "could not access %s page %d", c.name, pageno)
}
