package eventbus

import (
	"sync"
	"time"

	"github.com/agentmesh/controller/internal/protocol"
)

// batchWindow is the §4.6 merge window: consecutive task_output chunks for
// the same (task_id, stream) arriving within this window are merged before
// being flushed to subscribers.
const batchWindow = 50 * time.Millisecond

type outputKey struct {
	taskID string
	stream string
}

type pendingOutput struct {
	content      string
	commandIndex int
	timer        *time.Timer
}

// outputBatcher coalesces bursts of task_output chunks per (task_id,
// stream) before handing the merged chunk to flush.
type outputBatcher struct {
	mu      sync.Mutex
	pending map[outputKey]*pendingOutput
	flush   func(protocol.Envelope)
	closed  bool
}

func newOutputBatcher(flush func(protocol.Envelope)) *outputBatcher {
	return &outputBatcher{
		pending: make(map[outputKey]*pendingOutput),
		flush:   flush,
	}
}

func (b *outputBatcher) add(out *protocol.TaskOutput) {
	key := outputKey{taskID: out.TaskID, stream: out.Stream}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if p, ok := b.pending[key]; ok {
		p.content += out.Content
		return
	}

	p := &pendingOutput{content: out.Content, commandIndex: out.CommandIndex}
	p.timer = time.AfterFunc(batchWindow, func() { b.flushKey(key) })
	b.pending[key] = p
}

func (b *outputBatcher) flushKey(key outputKey) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()

	b.flush(protocol.Envelope{
		Kind: protocol.BroadcastTaskOutput,
		Payload: &protocol.TaskOutput{
			Kind:         protocol.MessageKindOutput,
			TaskID:       key.taskID,
			CommandIndex: p.commandIndex,
			Stream:       key.stream,
			Content:      p.content,
		},
		EmittedAt: time.Now().UTC(),
	})
}

// close stops every pending timer without flushing: callers shutting down
// the bus don't need a final partial chunk delivered.
func (b *outputBatcher) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for key, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, key)
	}
}
