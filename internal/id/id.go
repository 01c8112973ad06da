// Package id generates time-sortable identifiers for sessions, messages and
// parts. IDs created by one process are strictly ascending: the millisecond
// timestamp is the leading component and a per-process counter breaks ties
// within the same millisecond.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	PrefixSession    = "ses"
	PrefixMessage    = "msg"
	PrefixPart       = "prt"
	PrefixPermission = "per"
	PrefixTodo       = "tdo"
)

var (
	mu      sync.Mutex
	lastMS  int64
	counter uint16
)

// Ascending returns a new identifier of the form prefix_<12 hex ms><4 hex
// counter><8 hex random>. Lexicographic order on the result matches creation
// order within a process.
func Ascending(prefix string) string {
	mu.Lock()
	now := time.Now().UnixMilli()
	if now == lastMS {
		counter++
	} else {
		lastMS = now
		counter = 0
	}
	ms, c := lastMS, counter
	mu.Unlock()

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint32(buf[:], uint32(time.Now().UnixNano()))
	}
	return fmt.Sprintf("%s_%012x%04x%08x", prefix, ms, c, binary.BigEndian.Uint32(buf[:]))
}

// Valid reports whether s carries the given prefix.
func Valid(s, prefix string) bool {
	return strings.HasPrefix(s, prefix+"_") && len(s) > len(prefix)+1
}
