// Package audit builds a tamper-evident, hash-chained compliance log from
// events published on audit.>.
//
// Each record's hash is SHA-256 over its canonical JSON form (sorted keys, no
// whitespace, hash field excluded), and each record carries the previous
// record's hash. The chain root is the genesis value of 64 zero nibbles, so
// replaying the log from the start reproduces the current tip exactly.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sentinelvoice/sentinel/internal/event"
)

// GenesisHash is the prev_hash of the first record in an empty log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by [VerifyChain] when a recomputed hash does not
// match the stored chain at some position.
var ErrChainBroken = errors.New("audit: chain verification failed")

// Log is the append-only chained log writer. Safe for concurrent use; records
// are serialised by an internal mutex so the chain order is total.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	lastHash string
	count    int
}

// Open opens (or creates) the chained log at path and recovers the chain tip
// by rehashing the final line. An empty or missing file starts at genesis.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}

	last, count, err := lastLine(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: recover tip from %q: %w", path, err)
	}

	l := &Log{f: f, w: bufio.NewWriter(f), lastHash: GenesisHash, count: count}
	if last != "" {
		var ev event.AuditEvent
		if err := json.Unmarshal([]byte(last), &ev); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: parse final record of %q: %w", path, err)
		}
		h, err := hashEvent(&ev)
		if err != nil {
			f.Close()
			return nil, err
		}
		if h != ev.Hash {
			f.Close()
			return nil, fmt.Errorf("%w: final record hash mismatch in %q", ErrChainBroken, path)
		}
		l.lastHash = ev.Hash
	}
	return l, nil
}

// Append chains ev onto the log: assigns prev_hash and hash, then durably
// writes one line of canonical JSON. The passed event is mutated in place.
func (l *Log) Append(ev *event.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.PrevHash = l.lastHash
	h, err := hashEvent(ev)
	if err != nil {
		return err
	}
	ev.Hash = h

	line, err := canonicalJSON(ev)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("audit: flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.lastHash = h
	l.count++
	return nil
}

// LastHash returns the current chain tip.
func (l *Log) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Count returns the number of records in the log.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return fmt.Errorf("audit: flush on close: %w", err)
	}
	return l.f.Close()
}

// VerifyChain replays the log at path from genesis and reports the first
// position at which the stored chain diverges from the recomputed one.
func VerifyChain(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	prev := GenesisHash
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	pos := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event.AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("%w: record %d is not valid JSON: %v", ErrChainBroken, pos, err)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("%w: record %d prev_hash %s does not match prior hash %s", ErrChainBroken, pos, ev.PrevHash, prev)
		}
		h, err := hashEvent(&ev)
		if err != nil {
			return err
		}
		if h != ev.Hash {
			return fmt.Errorf("%w: record %d stored hash %s, recomputed %s", ErrChainBroken, pos, ev.Hash, h)
		}
		prev = ev.Hash
		pos++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("audit: scan %q: %w", path, err)
	}
	return nil
}

// hashEvent computes SHA-256 over the event's canonical JSON with the hash
// field removed. prev_hash is included, which is what links the chain.
func hashEvent(ev *event.AuditEvent) (string, error) {
	stripped := *ev
	stripped.Hash = ""
	b, err := canonicalJSONWithout(&stripped, "hash")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serialises v with object keys sorted and no insignificant
// whitespace.
func canonicalJSON(v any) ([]byte, error) {
	return canonicalJSONWithout(v, "")
}

func canonicalJSONWithout(v any, dropKey string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("audit: canonicalise: %w", err)
	}
	if m, ok := generic.(map[string]any); ok && dropKey != "" {
		delete(m, dropKey)
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, generic); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("audit: canonical key: %w", err)
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("audit: canonical value: %w", err)
		}
		sb.Write(b)
	}
	return nil
}

// lastLine returns the final non-empty line of f and the total line count,
// leaving the file offset untouched for appends.
func lastLine(f *os.File) (string, int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", 0, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last string
	count := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		last = line
		count++
	}
	if err := sc.Err(); err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return "", 0, err
	}
	return last, count, nil
}
