package csn

import (
	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/wal"
)

func decode(rec wal.Record, v any) error {
	if err := encoding.Unmarshal(rec.Data, v); err != nil {
		return pgerr.New(pgerr.DataCorrupted, "invalid CSN log record at %d: %v", rec.LSN, err)
	}
	return nil
}

func unknownRecord(rec wal.Record) error {
	return pgerr.New(pgerr.InternalError, "csn_redo: unknown op code %d", rec.Info)
}
