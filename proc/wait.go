package proc

// Wait event classes occupy the high byte of a wait event code.
const (
	WaitClassMask           uint32 = 0xFF000000
	WaitIDMask              uint32 = 0x0000FFFF
	WaitClassLWLock         uint32 = 0x01000000
	WaitClassLock           uint32 = 0x03000000
	WaitClassBufferPin      uint32 = 0x04000000
	WaitClassActivity       uint32 = 0x05000000
	WaitClassClient         uint32 = 0x06000000
	WaitClassExtension      uint32 = 0x07000000
	WaitClassIPC            uint32 = 0x08000000
	WaitClassTimeout        uint32 = 0x09000000
	WaitClassIO             uint32 = 0x0A000000
	WaitClassInjectionPoint uint32 = 0x0B000000
)

// Built-in wait events reported by the core.
const (
	WaitEventTransactionID   = WaitClassLock | 4
	WaitEventTuple           = WaitClassLock | 3
	WaitEventMultiXactCreate = WaitClassIPC | 20
	WaitEventSinvalCatchup   = WaitClassIPC | 30
	WaitEventCSNSync         = WaitClassTimeout | 1
	WaitEventSpinDelay       = WaitClassTimeout | 2
	WaitEventSLRURead        = WaitClassIO | 40
	WaitEventSLRUWrite       = WaitClassIO | 41
	WaitEventSLRUFlushSync   = WaitClassIO | 42
	WaitEventSLRUSync        = WaitClassIO | 43
	WaitEventWALWrite        = WaitClassIO | 60
	WaitEventWALSync         = WaitClassIO | 61
)

// ReportWaitStart publishes the event the backend is about to block on.
func (b *Backend) ReportWaitStart(info uint32) {
	b.waitEventInfo.Store(info)
}

// ReportWaitEnd clears the published wait event.
func (b *Backend) ReportWaitEnd() {
	b.waitEventInfo.Store(0)
}

// WaitEventInfo returns the event the backend is blocked on, or zero.
func (b *Backend) WaitEventInfo() uint32 {
	return b.waitEventInfo.Load()
}
