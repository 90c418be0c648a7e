package waitevent

import "github.com/maxpert/txcore/proc"

// ClassName names the class of a wait event code.
func ClassName(code uint32) string {
	switch code & proc.WaitClassMask {
	case proc.WaitClassLWLock:
		return "LWLock"
	case proc.WaitClassLock:
		return "Lock"
	case proc.WaitClassBufferPin:
		return "BufferPin"
	case proc.WaitClassActivity:
		return "Activity"
	case proc.WaitClassClient:
		return "Client"
	case proc.WaitClassExtension:
		return "Extension"
	case proc.WaitClassIPC:
		return "IPC"
	case proc.WaitClassTimeout:
		return "Timeout"
	case proc.WaitClassIO:
		return "IO"
	case proc.WaitClassInjectionPoint:
		return "InjectionPoint"
	}
	return "???"
}

func builtinName(code uint32) string {
	switch code {
	case proc.WaitEventTransactionID:
		return "transactionid"
	case proc.WaitEventTuple:
		return "tuple"
	case proc.WaitEventMultiXactCreate:
		return "MultiXactCreation"
	case proc.WaitEventSinvalCatchup:
		return "SinvalCatchup"
	case proc.WaitEventCSNSync:
		return "CSNClockSync"
	case proc.WaitEventSpinDelay:
		return "SpinDelay"
	case proc.WaitEventSLRURead:
		return "SLRURead"
	case proc.WaitEventSLRUWrite:
		return "SLRUWrite"
	case proc.WaitEventSLRUFlushSync:
		return "SLRUFlushSync"
	case proc.WaitEventSLRUSync:
		return "SLRUSync"
	case proc.WaitEventWALWrite:
		return "WALWrite"
	case proc.WaitEventWALSync:
		return "WALSync"
	case proc.WaitClassExtension:
		return "Extension"
	}
	return ""
}

var builtinCodes = []uint32{
	proc.WaitEventTransactionID,
	proc.WaitEventTuple,
	proc.WaitEventMultiXactCreate,
	proc.WaitEventSinvalCatchup,
	proc.WaitEventCSNSync,
	proc.WaitEventSpinDelay,
	proc.WaitEventSLRURead,
	proc.WaitEventSLRUWrite,
	proc.WaitEventSLRUFlushSync,
	proc.WaitEventSLRUSync,
	proc.WaitEventWALWrite,
	proc.WaitEventWALSync,
	proc.WaitClassExtension,
}
