package transam

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
)

const (
	xidStopMargin = 3_000_000
	xidWarnMargin = 40_000_000
)

// xidVars lives in shared memory under XidGenLock.
type xidVars struct {
	NextXid   FullTransactionID
	OldestXid TransactionID
	VacLimit  TransactionID
	WarnLimit TransactionID
	StopLimit TransactionID
	WrapLimit TransactionID
}

// ExtendFunc prepares per-XID storage before xid is handed out. It runs
// under XidGenLock.
type ExtendFunc func(b *proc.Backend, xid TransactionID) error

// XidGen assigns transaction IDs.
type XidGen struct {
	lock     *lwlock.Lock
	vars     *xidVars
	database string
	extend   []ExtendFunc
}

// NewXidGen attaches the XID counter, initializing it on first use.
func NewXidGen(seg *shmem.Segment, locks *lwlock.Array, database string) (*XidGen, error) {
	vars, found, err := shmem.InitStruct[xidVars](seg, "Transam Variables")
	if err != nil {
		return nil, err
	}
	g := &XidGen{lock: locks.Get(lwlock.XidGenLock), vars: vars, database: database}
	if !found {
		vars.NextXid = FullFromEpochAndXid(0, FirstNormalTransactionID)
		g.setLimitsLocked(FirstNormalTransactionID, 200_000_000)
	}
	return g, nil
}

// OnExtend registers a hook run for every new XID.
func (g *XidGen) OnExtend(fn ExtendFunc) {
	g.extend = append(g.extend, fn)
}

// GetNewTransactionID assigns the next XID. publish, if set, runs under
// XidGenLock before the counter advances so the XID is visible as running
// to anyone who reads the advanced counter.
func (g *XidGen) GetNewTransactionID(b *proc.Backend, publish func(TransactionID)) (FullTransactionID, error) {
	g.lock.Acquire(b, lwlock.Exclusive)
	defer g.lock.Release(b)

	full := g.vars.NextXid
	xid := full.XID()

	if FollowsOrEquals(xid, g.vars.WarnLimit) {
		if FollowsOrEquals(xid, g.vars.StopLimit) {
			return 0, pgerr.New(pgerr.ProgramLimitExceeded,
				"database is not accepting commands to avoid wraparound data loss in database %q", g.database).
				WithHint("Execute a database-wide VACUUM in that database.")
		}
		log.Warn().Str("database", g.database).Uint32("remaining", uint32(g.vars.WrapLimit-xid)).
			Msg("Database must be vacuumed before transaction IDs wrap around")
	}

	for _, fn := range g.extend {
		if err := fn(b, xid); err != nil {
			return 0, err
		}
	}
	if publish != nil {
		publish(xid)
	}
	g.vars.NextXid = full.Next()
	return full, nil
}

// ReadNextFullTransactionID returns the next XID to be assigned.
func (g *XidGen) ReadNextFullTransactionID(b *proc.Backend) FullTransactionID {
	g.lock.Acquire(b, lwlock.Shared)
	defer g.lock.Release(b)
	return g.vars.NextXid
}

// AdvanceNextXid moves the counter past xid, as replay does.
func (g *XidGen) AdvanceNextXid(b *proc.Backend, xid TransactionID) {
	g.lock.Acquire(b, lwlock.Exclusive)
	defer g.lock.Release(b)
	if FollowsOrEquals(xid, g.vars.NextXid.XID()) {
		epoch := g.vars.NextXid.Epoch()
		if xid < g.vars.NextXid.XID() {
			epoch++
		}
		g.vars.NextXid = FullFromEpochAndXid(epoch, xid).Next()
	}
}

// SetLimits recomputes the wraparound limits from the oldest unfrozen XID.
func (g *XidGen) SetLimits(b *proc.Backend, oldest TransactionID, freezeMaxAge uint32) {
	g.lock.Acquire(b, lwlock.Exclusive)
	defer g.lock.Release(b)
	g.setLimitsLocked(oldest, freezeMaxAge)
}

func (g *XidGen) setLimitsLocked(oldest TransactionID, freezeMaxAge uint32) {
	wrap := oldest + TransactionID(MaxTransactionID>>1)
	if wrap < FirstNormalTransactionID {
		wrap += FirstNormalTransactionID
	}
	stop := wrap - xidStopMargin
	if stop < FirstNormalTransactionID {
		stop -= FirstNormalTransactionID
	}
	warn := stop - xidWarnMargin
	if warn < FirstNormalTransactionID {
		warn -= FirstNormalTransactionID
	}
	vac := oldest + TransactionID(freezeMaxAge)
	if vac < FirstNormalTransactionID {
		vac += FirstNormalTransactionID
	}
	g.vars.OldestXid = oldest
	g.vars.WrapLimit = wrap
	g.vars.StopLimit = stop
	g.vars.WarnLimit = warn
	g.vars.VacLimit = vac
	log.Debug().Uint32("oldest_xid", uint32(oldest)).Uint32("wrap_limit", uint32(wrap)).
		Msg("Transaction ID wrap limit set")
}

// Limits reports the current wraparound limits.
func (g *XidGen) Limits(b *proc.Backend) (oldest, warn, stop, wrap TransactionID) {
	g.lock.Acquire(b, lwlock.Shared)
	defer g.lock.Release(b)
	return g.vars.OldestXid, g.vars.WarnLimit, g.vars.StopLimit, g.vars.WrapLimit
}
