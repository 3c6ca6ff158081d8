package proxy

import (
	"crypto/subtle"
	"net"
	"sync"
	"time"

	"github.com/nxlan/lanlink/internal/protocol"
	"github.com/nxlan/lanlink/internal/util"
)

// DefaultTokenQueueLimit bounds the waiting-token queue. The relay only
// issues a token per imminent joiner, so the queue stays tiny in practice;
// the bound protects against a misbehaving relay.
const DefaultTokenQueueLimit = 16

// tokenQueue holds tokens the relay issued ahead of joiner connections.
// Consumers block on the condition variable so a token arriving mid-wait is
// matched immediately instead of on the next poll.
type tokenQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*protocol.ExternalTokenMessage
	limit int
}

func newTokenQueue(limit int) *tokenQueue {
	if limit <= 0 {
		limit = DefaultTokenQueueLimit
	}
	q := &tokenQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// add enqueues a token, dropping the oldest entry on overflow, and wakes
// every waiter so in-flight authentications re-check.
func (q *tokenQueue) add(t *protocol.ExternalTokenMessage) {
	q.mu.Lock()
	if len(q.queue) >= q.limit {
		dropped := q.queue[0]
		q.queue = q.queue[1:]
		util.LogWarning("token queue full, dropping token for %s",
			Uint32ToIP(dropped.VirtualIP))
	}
	q.queue = append(q.queue, t)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// consume removes and returns the first token matching auth and physical,
// waiting until deadline for one to arrive. A token matches when its bytes
// equal the presented ones and its physical address is either the all-zero
// wildcard or equal to the joiner's. Returns nil on timeout.
func (q *tokenQueue) consume(auth *protocol.ExternalAuthMessage, physical net.IP, deadline time.Time) *protocol.ExternalTokenMessage {
	// The condition variable cannot time out on its own; a one-shot timer
	// broadcast bounds the total wait.
	timer := time.AfterFunc(time.Until(deadline), q.cond.Broadcast)
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if t := q.matchLocked(auth, physical); t != nil {
			return t
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		q.cond.Wait()
	}
}

func (q *tokenQueue) matchLocked(auth *protocol.ExternalAuthMessage, physical net.IP) *protocol.ExternalTokenMessage {
	for i, t := range q.queue {
		if subtle.ConstantTimeCompare(t.Token[:], auth.Token[:]) != 1 {
			continue
		}
		if expect := tokenPhysicalIP(t); expect != nil && !expect.Equal(physical) {
			continue
		}
		q.queue = append(q.queue[:i], q.queue[i+1:]...)
		return t
	}
	return nil
}

// len returns the number of waiting tokens.
func (q *tokenQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
