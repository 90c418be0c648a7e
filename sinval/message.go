// Package sinval implements the shared invalidation ring: a bounded queue
// of cache invalidation messages that every attached backend reads at its
// own pace. Backends that fall too far behind are reset instead of holding
// the ring back.
package sinval

import "fmt"

// Kind says which cache a message invalidates.
type Kind int8

const (
	KindCatcache Kind = iota
	KindCatalog
	KindRelcache
	KindSmgr
	KindRelmap
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindCatcache:
		return "catcache"
	case KindCatalog:
		return "catalog"
	case KindRelcache:
		return "relcache"
	case KindSmgr:
		return "smgr"
	case KindRelmap:
		return "relmap"
	case KindSnapshot:
		return "snapshot"
	}
	return fmt.Sprintf("kind(%d)", int8(k))
}

// Message is one invalidation. It holds no pointers so it can live in the
// shared arena. RelID zero in a relcache message means every relation of
// the database.
type Message struct {
	Kind      Kind   `json:"kind"`
	CacheID   int8   `json:"cache_id,omitempty"`
	DBID      uint32 `json:"db_id"`
	RelID     uint32 `json:"rel_id,omitempty"`
	HashValue uint32 `json:"hash_value,omitempty"`
}

// Relcache invalidates the cached descriptors of one relation.
func Relcache(db, rel uint32) Message {
	return Message{Kind: KindRelcache, DBID: db, RelID: rel}
}

// Catcache invalidates catalog cache entries with the given hash.
func Catcache(cacheID int8, db, hash uint32) Message {
	return Message{Kind: KindCatcache, CacheID: cacheID, DBID: db, HashValue: hash}
}

func (m Message) String() string {
	switch m.Kind {
	case KindRelcache:
		return fmt.Sprintf("relcache db=%d rel=%d", m.DBID, m.RelID)
	case KindCatcache:
		return fmt.Sprintf("catcache cache=%d db=%d hash=%d", m.CacheID, m.DBID, m.HashValue)
	}
	return fmt.Sprintf("%s db=%d", m.Kind, m.DBID)
}
