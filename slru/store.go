package slru

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/maxpert/txcore/pgerr"
)

// PageStore persists SLRU pages grouped into segments.
type PageStore interface {
	// ReadPage returns the page contents; found is false if the page was
	// never written.
	ReadPage(pageno int64) (data []byte, found bool, err error)
	WritePage(pageno int64, data []byte) error
	// Segments lists the segment numbers holding at least one page, ascending.
	Segments() ([]int64, error)
	DeleteSegment(segno int64) error
	Sync() error
}

// PebbleStore keeps pages of one SLRU under a key prefix of a pebble DB.
type PebbleStore struct {
	db     *pebble.DB
	prefix []byte
}

// NewPebbleStore scopes a store to name within db.
func NewPebbleStore(db *pebble.DB, name string) *PebbleStore {
	return &PebbleStore{db: db, prefix: []byte("/slru/" + name + "/")}
}

func (s *PebbleStore) key(pageno int64) []byte {
	k := make([]byte, len(s.prefix)+8)
	copy(k, s.prefix)
	binary.BigEndian.PutUint64(k[len(s.prefix):], uint64(pageno))
	return k
}

func (s *PebbleStore) ReadPage(pageno int64) ([]byte, bool, error) {
	val, closer, err := s.db.Get(s.key(pageno))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pgerr.Wrapf(err, "could not read page %d", pageno)
	}
	defer closer.Close()
	return slices.Clone(val), true, nil
}

func (s *PebbleStore) WritePage(pageno int64, data []byte) error {
	if err := s.db.Set(s.key(pageno), data, pebble.NoSync); err != nil {
		return pgerr.Wrapf(err, "could not write page %d", pageno)
	}
	return nil
}

func (s *PebbleStore) Segments() ([]int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: s.prefix,
		UpperBound: prefixUpperBound(s.prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var segs []int64
	for iter.SeekGE(s.prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) != len(s.prefix)+8 {
			continue
		}
		segno := int64(binary.BigEndian.Uint64(k[len(s.prefix):])) / PagesPerSegment
		if len(segs) == 0 || segs[len(segs)-1] != segno {
			segs = append(segs, segno)
		}
	}
	return segs, iter.Error()
}

func (s *PebbleStore) DeleteSegment(segno int64) error {
	start := s.key(segno * PagesPerSegment)
	end := s.key((segno + 1) * PagesPerSegment)
	if err := s.db.DeleteRange(start, end, pebble.NoSync); err != nil {
		return pgerr.Wrapf(err, "could not remove segment %04X", segno)
	}
	return nil
}

func (s *PebbleStore) Sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

func prefixUpperBound(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// MemoryStore is a PageStore held in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	pages map[int64][]byte
	syncs int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pages: make(map[int64][]byte)}
}

func (m *MemoryStore) ReadPage(pageno int64) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageno]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(p), true, nil
}

func (m *MemoryStore) WritePage(pageno int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[pageno] = slices.Clone(data)
	return nil
}

func (m *MemoryStore) Segments() ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]struct{})
	var segs []int64
	for p := range m.pages {
		segno := p / PagesPerSegment
		if _, ok := seen[segno]; !ok {
			seen[segno] = struct{}{}
			segs = append(segs, segno)
		}
	}
	slices.Sort(segs)
	return segs, nil
}

func (m *MemoryStore) DeleteSegment(segno int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.pages {
		if p/PagesPerSegment == segno {
			delete(m.pages, p)
		}
	}
	return nil
}

func (m *MemoryStore) Sync() error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	return nil
}

// Pages reports how many pages are stored.
func (m *MemoryStore) Pages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}
