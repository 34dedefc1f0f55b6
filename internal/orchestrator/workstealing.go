package orchestrator

import "sync"

// WorkQueue is the full file set enqueued once for a session; N
// worker goroutines (one per sub-channel) dequeue the next file and
// transmit it on their own channel, yielding natural load balance
// without up-front size estimates (spec.md §4.9).
type WorkQueue struct {
	mu    sync.Mutex
	items []FileSpec
	sent  map[string]struct{}
}

// NewWorkQueue enqueues files once, in arrival order.
func NewWorkQueue(files []FileSpec) *WorkQueue {
	return &WorkQueue{items: append([]FileSpec(nil), files...), sent: make(map[string]struct{})}
}

// Next dequeues the next file for a worker to send, or ok=false once
// the queue is drained. Marking a file dequeued here (rather than
// after it completes sending) means a worker that panics mid-send
// does not get the file re-dequeued by another worker; callers
// handling retries must re-enqueue explicitly via Requeue.
func (q *WorkQueue) Next() (FileSpec, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FileSpec{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	q.sent[f.FileHash] = struct{}{}
	return f, true
}

// Requeue pushes a file back onto the front of the queue, e.g. after
// a channel-level failure that should be retried on another channel.
func (q *WorkQueue) Requeue(f FileSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sent, f.FileHash)
	q.items = append([]FileSpec{f}, q.items...)
}

// Drained reports whether every enqueued file has been dequeued.
func (q *WorkQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Dispatch runs N worker goroutines pulling from the queue until it
// drains, invoking send for each dequeued file. send's error does not
// stop other workers; callers inspect the returned per-file errors.
func Dispatch(queue *WorkQueue, channelCount int, send func(channelIdx int, f FileSpec) error) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for c := 0; c < channelCount; c++ {
		wg.Add(1)
		go func(channelIdx int) {
			defer wg.Done()
			for {
				f, ok := queue.Next()
				if !ok {
					return
				}
				if err := send(channelIdx, f); err != nil {
					mu.Lock()
					errs[f.FileHash] = err
					mu.Unlock()
				}
			}
		}(c)
	}
	wg.Wait()
	return errs
}
