package sinval

import (
	"math/bits"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/spin"
	"github.com/maxpert/txcore/telemetry"
)

const (
	// DefaultQueueSize is the number of message slots.
	DefaultQueueSize = 4096
	// WriteQuantum bounds how many messages one lock hold inserts.
	WriteQuantum = 64

	minQueueSize = 16
	// Message numbers are renormalized once the oldest unread number
	// reaches this many queue lengths.
	wraparoundQueues = 262144
)

// Options sizes the ring.
type Options struct {
	// QueueSize must be a power of two. Zero means DefaultQueueSize.
	QueueSize int
	// CatchupThresholdPercent is how full the ring may get before the
	// furthest-behind backend is signalled to catch up. Zero means 70.
	CatchupThresholdPercent int
	// Signal delivers a catchup request to a backend.
	Signal func(proc.ProcNumber)
}

type ringShared struct {
	MinMsgNum     int64
	MaxMsgNum     int64
	NextThreshold int64
	NumProcs      int32
	MsgnumLock    uint32
}

type procState struct {
	Active      bool
	SendOnly    bool
	ResetState  bool
	Signaled    bool
	HasMessages atomic.Bool
	NextMsgNum  int64
	NextLXID    uint32
}

// Ring is the shared invalidation queue.
type Ring struct {
	lock     *lwlock.Lock
	shared   *ringShared
	states   []procState
	procnos  []proc.ProcNumber
	buffer   []Message
	signal   func(proc.ProcNumber)
	size     int64
	sigLag   int64
	cleanMin int64
	cleanQ   int64
	wrap     int64

	// Process-local next local transaction IDs, indexed by proc number.
	localXID []uint32
}

// Result is the outcome of Get.
type Result int

const (
	Empty Result = iota
	Msg
	Reset
)

func (r Result) String() string {
	switch r {
	case Msg:
		return "message"
	case Reset:
		return "reset"
	}
	return "empty"
}

// NewRing creates or attaches to the ring in seg with one slot per proc.
func NewRing(seg *shmem.Segment, locks *lwlock.Array, numProcs int, opts Options) (*Ring, error) {
	size := opts.QueueSize
	if size == 0 {
		size = DefaultQueueSize
	}
	if size < minQueueSize || bits.OnesCount(uint(size)) != 1 {
		return nil, pgerr.New(pgerr.InvalidParameterValue,
			"invalidation queue size %d must be a power of two no less than %d", size, minQueueSize)
	}
	pct := opts.CatchupThresholdPercent
	if pct == 0 {
		pct = 70
	}
	if pct < 1 || pct > 100 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "catchup threshold %d%% is out of range", pct)
	}

	shared, found, err := shmem.InitStruct[ringShared](seg, "shmInvalBuffer")
	if err != nil {
		return nil, err
	}
	states, _, err := shmem.InitSlice[procState](seg, "shmInvalBuffer ProcState", numProcs)
	if err != nil {
		return nil, err
	}
	procnos, _, err := shmem.InitSlice[proc.ProcNumber](seg, "shmInvalBuffer ProcNos", numProcs)
	if err != nil {
		return nil, err
	}
	buffer, _, err := shmem.InitSlice[Message](seg, "shmInvalBuffer Messages", size)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		lock:     locks.Get(lwlock.SInvalLock),
		shared:   shared,
		states:   states,
		procnos:  procnos,
		buffer:   buffer,
		signal:   opts.Signal,
		size:     int64(size),
		sigLag:   int64(size) * int64(pct) / 100,
		cleanMin: int64(size) / 2,
		cleanQ:   int64(size) / 16,
		wrap:     int64(size) * wraparoundQueues,
		localXID: make([]uint32, numProcs),
	}
	if !found {
		spin.At(&shared.MsgnumLock).Init()
		shared.NextThreshold = r.cleanMin
		for i := range states {
			states[i] = procState{NextLXID: 1}
		}
	}
	return r, nil
}

func (r *Ring) maxMsgNum() int64 {
	l := spin.At(&r.shared.MsgnumLock)
	l.Lock()
	defer l.Unlock()
	return r.shared.MaxMsgNum
}

func (r *Ring) setMaxMsgNum(v int64) {
	l := spin.At(&r.shared.MsgnumLock)
	l.Lock()
	r.shared.MaxMsgNum = v
	l.Unlock()
}

// Attach marks the backend active with every existing message already
// read. Send-only backends never read and never hold the ring back.
func (r *Ring) Attach(b *proc.Backend, sendOnly bool) error {
	n := b.Number()
	if int(n) < 0 || int(n) >= len(r.states) {
		return pgerr.New(pgerr.InternalError, "unexpected proc number %d for invalidation queue (max %d)", n, len(r.states))
	}
	r.lock.Acquire(b, lwlock.Exclusive)
	defer r.lock.Release(b)

	st := &r.states[n]
	if st.Active {
		return pgerr.New(pgerr.InternalError, "sinval slot for backend %d is already in use", n)
	}
	r.procnos[r.shared.NumProcs] = n
	r.shared.NumProcs++
	r.localXID[n] = st.NextLXID

	st.Active = true
	st.NextMsgNum = r.shared.MaxMsgNum
	st.ResetState = false
	st.Signaled = false
	st.HasMessages.Store(false)
	st.SendOnly = sendOnly
	log.Debug().Int32("proc", int32(n)).Bool("send_only", sendOnly).Msg("Attached to invalidation queue")
	return nil
}

// Detach marks the backend inactive and hands its local transaction ID
// counter to the next user of the slot.
func (r *Ring) Detach(b *proc.Backend) {
	n := b.Number()
	r.lock.Acquire(b, lwlock.Exclusive)
	defer r.lock.Release(b)

	st := &r.states[n]
	if !st.Active {
		return
	}
	*st = procState{NextLXID: r.localXID[n]}
	last := r.shared.NumProcs - 1
	for i := last; i >= 0; i-- {
		if r.procnos[i] == n {
			r.procnos[i] = r.procnos[last]
			break
		}
	}
	r.shared.NumProcs--
}

// NextLocalTransactionID hands out the low half of a virtual transaction
// ID. Zero is never returned.
func (r *Ring) NextLocalTransactionID(b *proc.Backend) uint32 {
	n := b.Number()
	for {
		id := r.localXID[n]
		r.localXID[n]++
		if id != 0 {
			return id
		}
	}
}

// Insert appends messages, WriteQuantum at a time. It reports whether any
// lagging backend had to be reset to make room.
func (r *Ring) Insert(b *proc.Backend, msgs ...Message) bool {
	reset := false
	for len(msgs) > 0 {
		chunk := msgs[:min(len(msgs), WriteQuantum)]
		msgs = msgs[len(chunk):]

		r.lock.Acquire(b, lwlock.Exclusive)
		for {
			num := r.shared.MaxMsgNum - r.shared.MinMsgNum
			if num+int64(len(chunk)) <= r.size && num < r.shared.NextThreshold {
				break
			}
			if r.cleanup(b, int64(len(chunk))) {
				reset = true
			}
		}

		maxNum := r.shared.MaxMsgNum
		for _, m := range chunk {
			r.buffer[maxNum%r.size] = m
			maxNum++
		}
		r.setMaxMsgNum(maxNum)
		for _, n := range r.procnos[:r.shared.NumProcs] {
			r.states[n].HasMessages.Store(true)
		}
		depth := maxNum - r.shared.MinMsgNum
		r.lock.Release(b)

		telemetry.SinvalInserted.Add(float64(len(chunk)))
		telemetry.SinvalQueueDepth.Set(float64(depth))
	}
	return reset
}

// HasMessages is the unlocked fast-path check before Get.
func (r *Ring) HasMessages(b *proc.Backend) bool {
	return r.states[b.Number()].HasMessages.Load()
}

// Get reads one message for the backend.
func (r *Ring) Get(b *proc.Backend) (Message, Result) {
	var buf [1]Message
	n, reset := r.GetBatch(b, buf[:])
	switch {
	case reset:
		return Message{}, Reset
	case n == 0:
		return Message{}, Empty
	}
	return buf[0], Msg
}

// GetBatch reads up to len(buf) messages. A reset means the backend missed
// messages and must discard all its caches; messages queued up to now
// count as read.
func (r *Ring) GetBatch(b *proc.Backend, buf []Message) (n int, reset bool) {
	st := &r.states[b.Number()]
	if !st.HasMessages.Load() {
		return 0, false
	}
	r.lock.Acquire(b, lwlock.Shared)
	defer r.lock.Release(b)

	// Cleared before sampling max so a concurrent insert sets it again.
	st.HasMessages.Store(false)
	maxNum := r.maxMsgNum()

	if st.ResetState {
		st.NextMsgNum = maxNum
		st.ResetState = false
		st.Signaled = false
		return 0, true
	}
	for n < len(buf) && st.NextMsgNum < maxNum {
		buf[n] = r.buffer[st.NextMsgNum%r.size]
		st.NextMsgNum++
		n++
	}
	if st.NextMsgNum >= maxNum {
		st.Signaled = false
	} else {
		st.HasMessages.Store(true)
	}
	return n, false
}

// DeleteExpired recomputes the oldest unread message and signals the
// furthest-behind backend if the ring is filling up.
func (r *Ring) DeleteExpired(b *proc.Backend) {
	r.lock.Acquire(b, lwlock.Exclusive)
	needSig := r.cleanupLocked(0)
	r.lock.Release(b)
	r.sendSignal(needSig)
}

// cleanup runs with the lock held exclusively and may release it briefly
// to signal a backend. It reports whether some backend was reset.
func (r *Ring) cleanup(b *proc.Backend, minFree int64) bool {
	resets := r.resets()
	needSig := r.cleanupLocked(minFree)
	if needSig != proc.InvalidProcNumber {
		r.lock.Release(b)
		r.sendSignal(needSig)
		r.lock.Acquire(b, lwlock.Exclusive)
	}
	return r.resets() > resets
}

func (r *Ring) resets() int {
	n := 0
	for _, p := range r.procnos[:r.shared.NumProcs] {
		if r.states[p].ResetState {
			n++
		}
	}
	return n
}

func (r *Ring) cleanupLocked(minFree int64) proc.ProcNumber {
	s := r.shared
	minNum := s.MaxMsgNum
	minSig := minNum - r.sigLag
	lowBound := minNum - r.size + minFree
	needSig := proc.InvalidProcNumber

	for _, p := range r.procnos[:s.NumProcs] {
		st := &r.states[p]
		if st.ResetState || st.SendOnly {
			continue
		}
		n := st.NextMsgNum
		if n < lowBound {
			st.ResetState = true
			telemetry.SinvalResets.Inc()
			log.Warn().Int32("proc", int32(p)).Int64("behind", s.MaxMsgNum-n).
				Msg("Invalidation queue overflow, resetting backend")
			continue
		}
		if n < minNum {
			minNum = n
		}
		if n < minSig && !st.Signaled {
			minSig = n
			needSig = p
		}
	}
	s.MinMsgNum = minNum

	if minNum >= r.wrap {
		s.MinMsgNum -= r.wrap
		r.setMaxMsgNum(s.MaxMsgNum - r.wrap)
		for _, p := range r.procnos[:s.NumProcs] {
			r.states[p].NextMsgNum -= r.wrap
		}
	}

	num := s.MaxMsgNum - s.MinMsgNum
	if num < r.cleanMin {
		s.NextThreshold = r.cleanMin
	} else {
		s.NextThreshold = (num/r.cleanQ + 1) * r.cleanQ
	}
	if needSig != proc.InvalidProcNumber {
		r.states[needSig].Signaled = true
	}
	return needSig
}

func (r *Ring) sendSignal(n proc.ProcNumber) {
	if n == proc.InvalidProcNumber {
		return
	}
	telemetry.SinvalCatchups.Inc()
	log.Debug().Int32("proc", int32(n)).Msg("Sending invalidation catchup signal")
	if r.signal != nil {
		r.signal(n)
	}
}

// Stats is a point-in-time view of the ring.
type Stats struct {
	MinMsgNum int64 `json:"min_msg_num"`
	MaxMsgNum int64 `json:"max_msg_num"`
	Depth     int64 `json:"depth"`
	Size      int64 `json:"size"`
	Backends  int   `json:"backends"`
	Resetting int   `json:"resetting"`
}

func (r *Ring) Stats(b *proc.Backend) Stats {
	r.lock.Acquire(b, lwlock.Shared)
	defer r.lock.Release(b)
	s := r.shared
	return Stats{
		MinMsgNum: s.MinMsgNum,
		MaxMsgNum: s.MaxMsgNum,
		Depth:     s.MaxMsgNum - s.MinMsgNum,
		Size:      r.size,
		Backends:  int(s.NumProcs),
		Resetting: r.resets(),
	}
}
