// Package causal implements the per-document Lamport clock used to stamp
// operations, and the concurrency test over accepted and pending operations.
package causal

import (
	"fmt"
	"sync"

	"collabtext/internal/op"
)

// Clock hands out causal stamps for a document. The logical counter obeys
// the Lamport rule: every local tick is greater than anything observed, so
// causally dependent operations always compare as ordered.
//
// Only authors registered with the clock (the current session set) may be
// stamped; everything else fails closed with op.ErrUnknownAuthor.
type Clock struct {
	mu      sync.Mutex
	latest  uint64
	authors map[string]int
	last    map[string]uint64
}

// NewClock creates a clock starting at zero.
func NewClock() *Clock {
	return &Clock{
		authors: make(map[string]int),
		last:    make(map[string]uint64),
	}
}

// Register adds author to the session set. Registrations are counted so an
// author with two sessions stays known until both leave.
func (c *Clock) Register(author string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authors[author]++
}

// Unregister removes one registration of author.
func (c *Clock) Unregister(author string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authors[author] <= 1 {
		delete(c.authors, author)
		return
	}
	c.authors[author]--
}

// Known reports whether author is in the session set.
func (c *Clock) Known(author string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authors[author] > 0
}

// Tick increments the clock on behalf of author and returns the new stamp.
func (c *Clock) Tick(author string) (op.Stamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authors[author] == 0 {
		return op.Stamp{}, fmt.Errorf("tick %s: %w", author, op.ErrUnknownAuthor)
	}
	c.latest++
	c.last[author] = c.latest
	return op.Stamp{Counter: c.latest, Author: author}, nil
}

// Observe accepts a stamp generated by a client of a registered author. The
// counter must be strictly greater than the author's previous one; the clock
// then merges it.
func (c *Clock) Observe(stamp op.Stamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authors[stamp.Author] == 0 {
		return fmt.Errorf("observe %s: %w", stamp.Author, op.ErrUnknownAuthor)
	}
	if prev := c.last[stamp.Author]; stamp.Counter <= prev {
		return op.Reject(op.ReasonStaleReference, "stamp %d of %s does not advance past %d", stamp.Counter, stamp.Author, prev)
	}
	c.mergeLocked(stamp)
	return nil
}

// Merge folds a foreign stamp (from the log or another instance) into the
// clock: latest becomes max(latest, remote) + 1.
func (c *Clock) Merge(remote op.Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeLocked(remote)
}

func (c *Clock) mergeLocked(remote op.Stamp) {
	next := c.latest
	if remote.Counter > next {
		next = remote.Counter
	}
	c.latest = next + 1
	if remote.Author != "" && remote.Counter > c.last[remote.Author] {
		c.last[remote.Author] = remote.Counter
	}
}

// Latest returns the current logical time.
func (c *Clock) Latest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// LastOf returns the highest counter seen from author.
func (c *Clock) LastOf(author string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[author]
}

// Concurrent reports whether neither operation observed the other. An
// operation observed everything up to its BaseSeq; a pending operation (Seq
// zero) has observed nothing accepted after its base.
func Concurrent(a, b op.Operation) bool {
	if a.ID == b.ID {
		return false
	}
	aSeen := a.Seq() != 0 && b.BaseSeq >= a.Seq()
	bSeen := b.Seq() != 0 && a.BaseSeq >= b.Seq()
	return !aSeen && !bSeen
}
