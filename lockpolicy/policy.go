// Package lockpolicy adapts each transaction's tuple lock wait timeout and
// queue rank from a policy table indexed by the transaction's lock
// activity so far.
package lockpolicy

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
)

// State layout: op:1 | n_r+n_w:4.
const (
	countBits  = 4
	maxCount   = 1<<countBits - 1
	StateBits  = 1 + countBits
	StateSpace = 1 << StateBits
)

// Operation kinds recorded in the state.
const (
	OpRead  uint8 = 0
	OpWrite uint8 = 1
)

// TimeoutChoices maps a policy digit to a lock wait timeout. Zero waits
// forever.
var TimeoutChoices = [10]time.Duration{
	1 * time.Millisecond,
	4 * time.Millisecond,
	8 * time.Millisecond,
	16 * time.Millisecond,
	64 * time.Millisecond,
	128 * time.Millisecond,
	256 * time.Millisecond,
	512 * time.Millisecond,
	1024 * time.Millisecond,
	0,
}

// Entry is the strategy for one state.
type Entry struct {
	Rank    float32
	Timeout time.Duration
}

// Policy maps every state to an entry.
type Policy struct {
	entries [StateSpace]Entry
}

// DefaultPolicy waits forever at rank zero in every state.
func DefaultPolicy() *Policy {
	return &Policy{}
}

// EncodeState packs a transaction's lock activity into a state index.
func EncodeState(op uint8, reads, writes int) int {
	n := reads + writes
	if n > maxCount {
		n = maxCount
	}
	if n < 0 {
		n = 0
	}
	return int(op&1)<<countBits | n
}

// Lookup returns the entry for state.
func (p *Policy) Lookup(state int) Entry {
	return p.entries[state&(StateSpace-1)]
}

// LoadPolicy reads a policy file.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pgerr.New(pgerr.ConfigFileError, "could not open lock policy file %q: %v", path, err)
	}
	defer f.Close()

	p, err := ParsePolicy(f)
	if err != nil {
		return nil, pgerr.Wrapf(err, "lock policy file %q", path)
	}
	log.Info().Str("file", path).Int("states", StateSpace).Msg("Loaded lock policy")
	return p, nil
}

// ParsePolicy reads the two-line policy format: StateSpace ranks, then
// StateSpace timeout digits.
func ParsePolicy(r io.Reader) (*Policy, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, pgerr.New(pgerr.ConfigFileError, "could not read lock policy: %v", err)
	}
	if len(lines) != 2 {
		return nil, pgerr.New(pgerr.ConfigFileError, "lock policy has %d lines, expected 2", len(lines))
	}

	ranks := strings.Fields(lines[0])
	if len(ranks) != StateSpace {
		return nil, pgerr.New(pgerr.ConfigFileError,
			"lock policy has %d ranks, expected %d", len(ranks), StateSpace).
			WithHint("The state space is %d bits wide.", StateBits)
	}
	var digits []byte
	for _, c := range lines[1] {
		if unicode.IsSpace(c) {
			continue
		}
		if c < '0' || c > '9' {
			return nil, pgerr.New(pgerr.ConfigFileError, "invalid timeout choice %q in lock policy", c)
		}
		digits = append(digits, byte(c-'0'))
	}
	if len(digits) != StateSpace {
		return nil, pgerr.New(pgerr.ConfigFileError,
			"lock policy has %d timeout choices, expected %d", len(digits), StateSpace).
			WithHint("The state space is %d bits wide.", StateBits)
	}

	p := &Policy{}
	for i, s := range ranks {
		rank, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, pgerr.New(pgerr.ConfigFileError, "invalid rank %q for state %d in lock policy", s, i)
		}
		p.entries[i] = Entry{Rank: float32(rank), Timeout: TimeoutChoices[digits[i]]}
	}
	return p, nil
}
