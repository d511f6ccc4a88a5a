/*
Client proxy: batches transactions and submits them to the replica
group.
*/
package proxy

import (
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kestreldb/kestrel/message"
)

var logger = logging.MustGetLogger("proxy")

// BatchQueue coalesces transactions until the batch is full or the
// flush timeout elapses, whichever comes first.
type BatchQueue struct {
	maxSize int
	timeout time.Duration

	lock    sync.Mutex
	items   []message.Transaction
	notify  chan struct{}
	flushCh chan []message.Transaction
	stop    chan struct{}
	done    sync.WaitGroup
}

func NewBatchQueue(maxSize int, timeout time.Duration) *BatchQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	q := &BatchQueue{
		maxSize: maxSize,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
		flushCh: make(chan []message.Transaction, 64),
		stop:    make(chan struct{}),
	}
	q.done.Add(1)
	go q.flushLoop()
	return q
}

func (q *BatchQueue) Stop() {
	close(q.stop)
	q.done.Wait()
}

func (q *BatchQueue) Push(txn message.Transaction) {
	q.lock.Lock()
	q.items = append(q.items, txn)
	full := len(q.items) >= q.maxSize
	q.lock.Unlock()
	if full {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Batches delivers flushed batches in arrival order.
func (q *BatchQueue) Batches() <-chan []message.Transaction {
	return q.flushCh
}

func (q *BatchQueue) flush() {
	q.lock.Lock()
	items := q.items
	q.items = nil
	q.lock.Unlock()
	if len(items) == 0 {
		return
	}
	for len(items) > 0 {
		n := len(items)
		if n > q.maxSize {
			n = q.maxSize
		}
		select {
		case q.flushCh <- items[:n]:
		case <-q.stop:
			return
		}
		items = items[n:]
	}
}

func (q *BatchQueue) flushLoop() {
	defer q.done.Done()
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.stop:
			q.flush()
			return
		case <-q.notify:
			q.flush()
		case <-timer.C:
			q.flush()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.timeout)
	}
}
