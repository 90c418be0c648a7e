// Package waitevent names wait event codes, including custom events that
// extensions and injection points register at run time.
package waitevent

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/telemetry"
)

const (
	// MaxCustomEvents bounds the custom events of all classes together.
	MaxCustomEvents = 128
	// NameDataLen bounds an event name, terminator included.
	NameDataLen = 64
	// FirstCustomID is the ID of the first custom event in each class;
	// ID 0 of the extension class is the built-in "Extension" event.
	FirstCustomID = 1
)

type entry struct {
	Code uint32
	Len  uint8
	Name [NameDataLen]byte
}

func (e *entry) name() string { return string(e.Name[:e.Len]) }

type registryShared struct {
	NextID [2]uint32
	Count  uint32
	Events [MaxCustomEvents]entry
}

// Event is one named wait event.
type Event struct {
	Code  uint32 `json:"code"`
	Class string `json:"class"`
	Name  string `json:"name"`
}

// Registry maps custom wait event names to codes in shared memory.
type Registry struct {
	lock   *lwlock.Lock
	locks  *lwlock.Array
	shared *registryShared
}

// NewRegistry attaches the registry in seg.
func NewRegistry(seg *shmem.Segment, locks *lwlock.Array) (*Registry, error) {
	shared, found, err := shmem.InitStruct[registryShared](seg, "WaitEventCustom")
	if err != nil {
		return nil, err
	}
	if !found {
		shared.NextID = [2]uint32{FirstCustomID, FirstCustomID}
	}
	return &Registry{lock: locks.Get(lwlock.WaitEventCustomLock), locks: locks, shared: shared}, nil
}

func classSlot(class uint32) (int, bool) {
	switch class {
	case proc.WaitClassExtension:
		return 0, true
	case proc.WaitClassInjectionPoint:
		return 1, true
	}
	return 0, false
}

func (r *Registry) find(name string) *entry {
	for i := uint32(0); i < r.shared.Count; i++ {
		if e := &r.shared.Events[i]; e.name() == name {
			return e
		}
	}
	return nil
}

// New returns the code of the custom event name in class, registering it
// on first use. Reusing a name across classes is an error.
func (r *Registry) New(b *proc.Backend, class uint32, name string) (uint32, error) {
	slot, ok := classSlot(class)
	if !ok {
		return 0, pgerr.New(pgerr.InvalidParameterValue, "invalid wait event class %s for custom event", ClassName(class))
	}
	if name == "" || len(name) >= NameDataLen {
		return 0, pgerr.New(pgerr.InvalidParameterValue, "wait event name %q must be 1 to %d bytes", name, NameDataLen-1)
	}

	r.lock.Acquire(b, lwlock.Shared)
	e := r.find(name)
	r.lock.Release(b)
	if e != nil {
		return r.existing(e, class, name)
	}

	r.lock.Acquire(b, lwlock.Exclusive)
	defer r.lock.Release(b)
	// Someone may have registered it while we were unlocked.
	if e := r.find(name); e != nil {
		return r.existing(e, class, name)
	}
	if r.shared.Count >= MaxCustomEvents {
		return 0, pgerr.New(pgerr.OutOfSharedMemory, "too many custom wait events")
	}
	id := r.shared.NextID[slot]
	if id > proc.WaitIDMask {
		return 0, pgerr.New(pgerr.ProgramLimitExceeded, "too many %s wait events", ClassName(class))
	}
	r.shared.NextID[slot]++

	code := class | id
	ne := &r.shared.Events[r.shared.Count]
	ne.Code = code
	ne.Len = uint8(copy(ne.Name[:], name))
	r.shared.Count++

	telemetry.WaitEventsRegistered.Set(float64(r.shared.Count))
	log.Debug().Str("class", ClassName(class)).Str("name", name).Uint32("code", code).Msg("Registered wait event")
	return code, nil
}

func (r *Registry) existing(e *entry, class uint32, name string) (uint32, error) {
	if e.Code&proc.WaitClassMask != class {
		return 0, pgerr.New(pgerr.DuplicateObject,
			"wait event %q already exists in type %q", name, ClassName(e.Code))
	}
	return e.Code, nil
}

// Count is the number of custom events registered.
func (r *Registry) Count(b *proc.Backend) int {
	r.lock.Acquire(b, lwlock.Shared)
	defer r.lock.Release(b)
	return int(r.shared.Count)
}

// Name names any wait event code.
func (r *Registry) Name(b *proc.Backend, code uint32) string {
	if code == 0 {
		return ""
	}
	class := code & proc.WaitClassMask
	if class == proc.WaitClassLWLock {
		if name := r.locks.TrancheName(lwlock.TrancheID(code & proc.WaitIDMask)); name != "" {
			return name
		}
		return "extension"
	}
	if name := builtinName(code); name != "" {
		return name
	}
	if _, custom := classSlot(class); custom {
		r.lock.Acquire(b, lwlock.Shared)
		defer r.lock.Release(b)
		for i := uint32(0); i < r.shared.Count; i++ {
			if e := &r.shared.Events[i]; e.Code == code {
				return e.name()
			}
		}
	}
	return "???"
}

// Names lists the custom event names of class in sorted order.
func (r *Registry) Names(b *proc.Backend, class uint32) []string {
	var names []string
	r.lock.Acquire(b, lwlock.Shared)
	for i := uint32(0); i < r.shared.Count; i++ {
		if e := &r.shared.Events[i]; e.Code&proc.WaitClassMask == class {
			names = append(names, e.name())
		}
	}
	r.lock.Release(b)
	slices.Sort(names)
	return names
}

// Events lists built-in and custom events ordered by code.
func (r *Registry) Events(b *proc.Backend) []Event {
	out := make([]Event, 0, len(builtinCodes)+MaxCustomEvents)
	for _, c := range builtinCodes {
		out = append(out, Event{Code: c, Class: ClassName(c), Name: builtinName(c)})
	}
	r.lock.Acquire(b, lwlock.Shared)
	for i := uint32(0); i < r.shared.Count; i++ {
		e := &r.shared.Events[i]
		out = append(out, Event{Code: e.Code, Class: ClassName(e.Code), Name: e.name()})
	}
	r.lock.Release(b)
	slices.SortFunc(out, func(a, b Event) int { return cmp.Compare(a.Code, b.Code) })
	return out
}

// Match lists the events whose "Class/Name" or bare name matches the glob
// pattern, case-insensitively.
func (r *Registry) Match(b *proc.Backend, pattern string) ([]Event, error) {
	g, err := glob.Compile(strings.ToLower(pattern), '/')
	if err != nil {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "invalid wait event pattern %q: %v", pattern, err)
	}
	var out []Event
	for _, e := range r.Events(b) {
		if g.Match(strings.ToLower(e.Name)) || g.Match(strings.ToLower(e.Class+"/"+e.Name)) {
			out = append(out, e)
		}
	}
	return out, nil
}
