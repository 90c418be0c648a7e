// Package wal is the write-ahead record log. Records are appended to a
// pebble keyspace in LSN order and made durable by a group-commit flusher.
package wal

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/telemetry"
)

// LSN is the position of a record in the log. Zero is never assigned.
type LSN uint64

const InvalidLSN LSN = 0

// RmgrID identifies the resource manager that owns a record.
type RmgrID uint8

const (
	RmgrXlog RmgrID = iota
	RmgrMultiXact
	RmgrCSN
)

func (r RmgrID) String() string {
	switch r {
	case RmgrXlog:
		return "xlog"
	case RmgrMultiXact:
		return "multixact"
	case RmgrCSN:
		return "csn"
	}
	return "unknown"
}

// Record is one decoded log entry.
type Record struct {
	LSN  LSN
	Rmgr RmgrID
	Info uint8
	Data []byte
}

type envelope struct {
	Rmgr       RmgrID `msgpack:"r"`
	Info       uint8  `msgpack:"i"`
	Compressed bool   `msgpack:"c,omitempty"`
	Data       []byte `msgpack:"d"`
}

var (
	recordPrefix  = []byte("/wal/")
	controlPrefix = []byte("/walctl/")
)

// Options configures a Log.
type Options struct {
	Compress bool
	// GroupCommitWait batches Flush requests; zero syncs inline.
	GroupCommitWait time.Duration
}

type flushRequest struct {
	lsn     LSN
	promise *future.Promise[struct{}]
}

// Log appends and replays records.
type Log struct {
	db   *pebble.DB
	opts Options

	mu      sync.Mutex
	next    LSN
	flushed atomic.Uint64

	pendingMu sync.Mutex
	pending   []flushRequest

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Open positions a log after the last record stored in db.
func Open(db *pebble.DB, opts Options) (*Log, error) {
	l := &Log{db: db, opts: opts, next: 1, stopCh: make(chan struct{})}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: recordPrefix,
		UpperBound: upperBound(recordPrefix),
	})
	if err != nil {
		return nil, err
	}
	if iter.Last() {
		l.next = decodeKey(iter.Key()) + 1
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	l.flushed.Store(uint64(l.next - 1))

	if opts.GroupCommitWait > 0 {
		l.wg.Add(1)
		go l.flushLoop()
	}
	log.Debug().Uint64("next_lsn", uint64(l.next)).Bool("compress", opts.Compress).Msg("Opened WAL")
	return l, nil
}

// Close stops the flusher after a final sync.
func (l *Log) Close() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
	l.syncPending()
}

// Insert appends a record and returns its LSN. The record is not durable
// until a Flush covering it resolves.
func (l *Log) Insert(rmgr RmgrID, info uint8, data []byte) (LSN, error) {
	env := envelope{Rmgr: rmgr, Info: info, Data: data}
	if l.opts.Compress && len(data) > 0 {
		env.Data = encoding.Compress(data)
		env.Compressed = true
	}
	buf, err := encoding.Marshal(&env)
	if err != nil {
		return InvalidLSN, pgerr.Wrapf(err, "could not encode WAL record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lsn := l.next
	if err := l.db.Set(encodeKey(lsn), buf, pebble.NoSync); err != nil {
		return InvalidLSN, pgerr.Wrapf(err, "could not write WAL record at %d", lsn)
	}
	l.next++

	telemetry.WALRecords.With(rmgr.String()).Inc()
	telemetry.WALBytes.Add(float64(len(buf)))
	return lsn, nil
}

// InsertValue msgpack-encodes v and inserts it.
func (l *Log) InsertValue(rmgr RmgrID, info uint8, v any) (LSN, error) {
	data, err := encoding.Marshal(v)
	if err != nil {
		return InvalidLSN, err
	}
	return l.Insert(rmgr, info, data)
}

// InsertLSN is the LSN the next record will get.
func (l *Log) InsertLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// FlushedLSN is the highest LSN known durable.
func (l *Log) FlushedLSN() LSN {
	return LSN(l.flushed.Load())
}

// Flush returns a future resolved once every record up to lsn is durable.
func (l *Log) Flush(lsn LSN) *future.Future[struct{}] {
	p := future.NewPromise[struct{}]()
	if lsn <= l.FlushedLSN() {
		p.Set(struct{}{}, nil)
		return p.Future()
	}
	if l.opts.GroupCommitWait <= 0 || l.stopped.Load() {
		p.Set(struct{}{}, l.sync())
		return p.Future()
	}
	l.pendingMu.Lock()
	l.pending = append(l.pending, flushRequest{lsn: lsn, promise: p})
	l.pendingMu.Unlock()
	return p.Future()
}

// FlushSync blocks until lsn is durable.
func (l *Log) FlushSync(lsn LSN) error {
	_, err := l.Flush(lsn).Get()
	return err
}

func (l *Log) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.GroupCommitWait)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.syncPending()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Log) syncPending() {
	l.pendingMu.Lock()
	batch := l.pending
	l.pending = nil
	l.pendingMu.Unlock()
	if len(batch) == 0 {
		return
	}
	err := l.sync()
	for _, req := range batch {
		req.promise.Set(struct{}{}, err)
	}
}

func (l *Log) sync() error {
	start := time.Now()
	l.mu.Lock()
	upto := l.next - 1
	l.mu.Unlock()
	if err := l.db.LogData(nil, pebble.Sync); err != nil {
		return pgerr.Wrapf(err, "could not sync WAL")
	}
	for {
		cur := l.flushed.Load()
		if uint64(upto) <= cur || l.flushed.CompareAndSwap(cur, uint64(upto)) {
			break
		}
	}
	telemetry.WALFlushSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// Replay calls fn for every record at or after from, in LSN order.
func (l *Log) Replay(from LSN, fn func(Record) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(from),
		UpperBound: upperBound(recordPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var env envelope
		if err := encoding.Unmarshal(iter.Value(), &env); err != nil {
			return pgerr.New(pgerr.DataCorrupted, "invalid WAL record at %d: %v", decodeKey(iter.Key()), err)
		}
		data := env.Data
		if env.Compressed {
			if data, err = encoding.Decompress(env.Data); err != nil {
				return pgerr.New(pgerr.DataCorrupted, "invalid compressed WAL record at %d: %v", decodeKey(iter.Key()), err)
			}
		}
		if err := fn(Record{LSN: decodeKey(iter.Key()), Rmgr: env.Rmgr, Info: env.Info, Data: data}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// RemoveBefore deletes records older than lsn.
func (l *Log) RemoveBefore(lsn LSN) error {
	return l.db.DeleteRange(encodeKey(1), encodeKey(lsn), pebble.NoSync)
}

// WriteControl durably stores a named control value.
func (l *Log) WriteControl(name string, v any) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return l.db.Set(append(append([]byte{}, controlPrefix...), name...), data, pebble.Sync)
}

// ReadControl loads a named control value; found is false if it was never
// written.
func (l *Log) ReadControl(name string, v any) (found bool, err error) {
	data, closer, err := l.db.Get(append(append([]byte{}, controlPrefix...), name...))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, encoding.Unmarshal(data, v)
}

func encodeKey(lsn LSN) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], uint64(lsn))
	return k
}

func decodeKey(k []byte) LSN {
	return LSN(binary.BigEndian.Uint64(k[len(recordPrefix):]))
}

func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}
