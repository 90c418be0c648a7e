package multixact

import (
	"encoding/binary"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

const memberCacheSize = 256

// memberCache is a backend's private cache of MultiXacts it created or
// read during the current transaction. It is dropped wholesale at
// transaction end.
type memberCache struct {
	byID  *lru.Cache[transam.MultiXactID, []Member]
	bySet map[string]transam.MultiXactID
}

func newMemberCache() *memberCache {
	c := &memberCache{bySet: make(map[string]transam.MultiXactID)}
	c.byID, _ = lru.NewWithEvict(memberCacheSize, func(multi transam.MultiXactID, members []Member) {
		key := setKey(members)
		if c.bySet[key] == multi {
			delete(c.bySet, key)
		}
	})
	return c
}

// setKey encodes a sorted member list.
func setKey(members []Member) string {
	buf := make([]byte, 0, len(members)*5)
	for _, m := range members {
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Xid))
		buf = append(buf, byte(m.Status))
	}
	return string(buf)
}

// getBySet finds a MultiXact with exactly these (sorted) members.
func (c *memberCache) getBySet(members []Member) transam.MultiXactID {
	multi, ok := c.bySet[setKey(members)]
	if !ok {
		telemetry.MultiXactCacheLookups.With("miss").Inc()
		return transam.InvalidMultiXactID
	}
	c.byID.Get(multi)
	telemetry.MultiXactCacheLookups.With("hit").Inc()
	return multi
}

func (c *memberCache) getByID(multi transam.MultiXactID) ([]Member, bool) {
	members, ok := c.byID.Get(multi)
	if !ok {
		telemetry.MultiXactCacheLookups.With("miss").Inc()
		return nil, false
	}
	telemetry.MultiXactCacheLookups.With("hit").Inc()
	return slices.Clone(members), true
}

func (c *memberCache) put(multi transam.MultiXactID, members []Member) {
	members = slices.Clone(members)
	slices.SortFunc(members, compareMembers)
	c.byID.Add(multi, members)
	c.bySet[setKey(members)] = multi
}

func (c *memberCache) purge() {
	c.byID.Purge()
	clear(c.bySet)
}

func (c *memberCache) len() int { return c.byID.Len() }
