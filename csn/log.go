package csn

import (
	"encoding/binary"
	"slices"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

const (
	csnSize     = 8
	xidsPerPage = slru.BlockSize / csnSize

	infoZeroPage uint8 = 0x00
	infoTruncate uint8 = 0x10
	infoSetCSN   uint8 = 0x20
)

func xidToPage(xid transam.TransactionID) int64 { return int64(xid) / xidsPerPage }
func xidToEntry(xid transam.TransactionID) int  { return int(xid) % xidsPerPage * csnSize }

// pagePrecedes orders CSN log pages by the circular order of the XIDs they
// hold.
func pagePrecedes(a, b int64) bool {
	xa := transam.TransactionID(a*xidsPerPage) + transam.FirstNormalTransactionID
	xb := transam.TransactionID(b*xidsPerPage) + transam.FirstNormalTransactionID
	return transam.Precedes(xa, xb) && transam.Precedes(xa, xb+xidsPerPage-1)
}

type logShared struct {
	OldestXid transam.TransactionID
}

// Log stores one CSN per XID in an SLRU.
type Log struct {
	ctl    *slru.Ctl
	wal    *wal.Log
	shared *logShared
}

type setCSNRecord struct {
	Xid     transam.TransactionID   `msgpack:"x"`
	Subxids []transam.TransactionID `msgpack:"s,omitempty"`
	CSN     transam.CSN             `msgpack:"c"`
}

// NewLog attaches the CSN log SLRU.
func NewLog(seg *shmem.Segment, locks *lwlock.Array, store slru.PageStore, buffers int, w *wal.Log) (*Log, error) {
	ctl, err := slru.New(seg, locks, slru.Options{
		Name:         "CSNLog",
		Slots:        buffers,
		Tranche:      lwlock.TrancheCSNLogSLRU,
		Store:        store,
		PagePrecedes: pagePrecedes,
	})
	if err != nil {
		return nil, err
	}
	shared, _, err := shmem.InitStruct[logShared](seg, "CSNLog Shared")
	if err != nil {
		return nil, err
	}
	return &Log{ctl: ctl, wal: w, shared: shared}, nil
}

func (l *Log) Ctl() *slru.Ctl { return l.ctl }

// OldestXid is the oldest XID whose CSN is still kept.
func (l *Log) OldestXid() transam.TransactionID { return l.shared.OldestXid }

// SetCSN records csn for a transaction tree. Pages are updated in
// ascending order, each under its bank lock. Final values (normal or
// aborted) are WAL-logged.
func (l *Log) SetCSN(b *proc.Backend, xid transam.TransactionID, subxids []transam.TransactionID, csn transam.CSN) error {
	if l.wal != nil && csn != transam.InDoubtCSN {
		if _, err := l.wal.InsertValue(wal.RmgrCSN, infoSetCSN, setCSNRecord{Xid: xid, Subxids: subxids, CSN: csn}); err != nil {
			return err
		}
	}
	return l.setCSN(b, xid, subxids, csn)
}

func (l *Log) setCSN(b *proc.Backend, xid transam.TransactionID, subxids []transam.TransactionID, csn transam.CSN) error {
	all := append([]transam.TransactionID{xid}, subxids...)
	slices.SortFunc(all, func(a, c transam.TransactionID) int {
		return int(xidToPage(a) - xidToPage(c))
	})
	for i := 0; i < len(all); {
		page := xidToPage(all[i])
		j := i
		for j < len(all) && xidToPage(all[j]) == page {
			j++
		}
		if err := l.setPage(b, page, all[i:j], csn); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (l *Log) setPage(b *proc.Backend, page int64, xids []transam.TransactionID, csn transam.CSN) error {
	lock := l.ctl.BankLock(page)
	lock.Acquire(b, lwlock.Exclusive)
	defer lock.Release(b)
	slot, err := l.ctl.ReadPage(b, page, true)
	if err != nil {
		return err
	}
	buf := l.ctl.Page(slot)
	for _, x := range xids {
		binary.LittleEndian.PutUint64(buf[xidToEntry(x):], uint64(csn))
	}
	return nil
}

// GetCSN reads the CSN recorded for xid.
func (l *Log) GetCSN(b *proc.Backend, xid transam.TransactionID) (transam.CSN, error) {
	page := xidToPage(xid)
	slot, err := l.ctl.ReadPageReadOnly(b, page)
	if err != nil {
		return transam.InvalidCSN, err
	}
	csn := transam.CSN(binary.LittleEndian.Uint64(l.ctl.Page(slot)[xidToEntry(xid):]))
	l.ctl.BankLock(page).Release(b)
	return csn, nil
}

// Extend zeroes a fresh page when xid is the first XID on it. It runs as
// an XID assignment hook.
func (l *Log) Extend(b *proc.Backend, xid transam.TransactionID) error {
	if int(xid)%xidsPerPage != 0 && xid != transam.FirstNormalTransactionID {
		return nil
	}
	page := xidToPage(xid)
	if l.wal != nil {
		if _, err := l.wal.InsertValue(wal.RmgrCSN, infoZeroPage, page); err != nil {
			return err
		}
	}
	return l.zeroPage(b, page)
}

func (l *Log) zeroPage(b *proc.Backend, page int64) error {
	lock := l.ctl.BankLock(page)
	lock.Acquire(b, lwlock.Exclusive)
	defer lock.Release(b)
	_, err := l.ctl.ZeroPage(page)
	return err
}

// Truncate drops segments holding only XIDs that precede oldest.
func (l *Log) Truncate(b *proc.Backend, oldest transam.TransactionID) error {
	if !oldest.IsNormal() {
		return nil
	}
	if l.wal != nil {
		if _, err := l.wal.InsertValue(wal.RmgrCSN, infoTruncate, oldest); err != nil {
			return err
		}
	}
	return l.truncate(b, oldest)
}

func (l *Log) truncate(b *proc.Backend, oldest transam.TransactionID) error {
	cutoff := xidToPage(oldest)
	if err := l.ctl.Truncate(b, cutoff); err != nil {
		return err
	}
	first := transam.TransactionID((cutoff - cutoff%slru.PagesPerSegment) * xidsPerPage)
	if transam.Precedes(l.shared.OldestXid, first) || !l.shared.OldestXid.IsValid() {
		l.shared.OldestXid = first
	}
	return nil
}

// Startup makes sure the page holding next exists after a restart.
func (l *Log) Startup(b *proc.Backend, next transam.TransactionID) error {
	page := xidToPage(next)
	l.ctl.SetLatestPage(page)
	exists, err := l.ctl.PageExists(b, page)
	if err != nil || exists {
		return err
	}
	return l.zeroPage(b, page)
}

// Flush writes dirty pages, as a checkpoint does.
func (l *Log) Flush(b *proc.Backend) error {
	return l.ctl.Flush(b)
}

// Redo replays a CSN log record.
func (l *Log) Redo(b *proc.Backend, rec wal.Record) error {
	switch rec.Info {
	case infoZeroPage:
		var page int64
		if err := decode(rec, &page); err != nil {
			return err
		}
		return l.zeroPage(b, page)
	case infoTruncate:
		var oldest transam.TransactionID
		if err := decode(rec, &oldest); err != nil {
			return err
		}
		return l.truncate(b, oldest)
	case infoSetCSN:
		var r setCSNRecord
		if err := decode(rec, &r); err != nil {
			return err
		}
		return l.setCSN(b, r.Xid, r.Subxids, r.CSN)
	}
	return unknownRecord(rec)
}
