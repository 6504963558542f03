package tlscore

import (
	"time"

	"emberkv/internal/reactor"
)

// Repeated-Read Scheduler (spec.md §4.7): drains cached plaintext the
// kernel will never signal again for, by re-invoking each enqueued
// connection's read handler once per reactor tick until its record is
// fully delivered.

// addRepeatedRead enqueues conn if it isn't already enqueued (idempotent
// per spec.md §8), and arms the periodic drain task on first enqueue.
func (c *Core) addRepeatedRead(conn *Connection) {
	if conn.listIndex >= 0 {
		return
	}
	conn.listIndex = len(c.cachedReadList)
	c.cachedReadList = append(c.cachedReadList, conn)
	if len(c.cachedReadList) > c.maxCachedListLen {
		c.maxCachedListLen = len(c.cachedReadList)
	}
	if !c.repeatedReadArmed && c.rx != nil {
		c.repeatedReadTask = c.rx.ScheduleRecurring(0, c.runRepeatedReadTick)
		c.repeatedReadArmed = true
	}
}

// removeRepeatedRead dequeues conn via O(1) swap-remove. A connection
// not currently enqueued is a no-op.
func (c *Core) removeRepeatedRead(conn *Connection) {
	if conn.listIndex < 0 {
		return
	}
	last := len(c.cachedReadList) - 1
	idx := conn.listIndex
	if idx != last {
		c.cachedReadList[idx] = c.cachedReadList[last]
		c.cachedReadList[idx].listIndex = idx
	}
	c.cachedReadList[last] = nil
	c.cachedReadList = c.cachedReadList[:last]
	conn.listIndex = -1
}

// runRepeatedReadTick is the periodic task body (spec.md §4.7 steps
// 1-5): it snapshots the list before invoking any handler, since
// handlers run synchronously on this same reactor goroutine and may
// mutate the live list via addRepeatedRead/removeRepeatedRead.
func (c *Core) runRepeatedReadTick() (time.Duration, bool) {
	if !c.enabled || len(c.cachedReadList) == 0 {
		c.repeatedReadArmed = false
		return 0, false
	}

	snapshot := make([]*Connection, len(c.cachedReadList))
	copy(snapshot, c.cachedReadList)

	for _, conn := range snapshot {
		mask := c.rx.CurrentMask(conn.FD)
		if !mask.Has(reactor.Readable) {
			continue
		}
		handler := c.rx.Handler(conn.FD, reactor.Readable)
		if handler == nil {
			continue
		}
		c.totalRepeatedReads++
		handler(conn.FD, reactor.Readable)
	}

	if len(c.cachedReadList) == 0 {
		c.repeatedReadArmed = false
		return 0, false
	}
	return 0, true
}
