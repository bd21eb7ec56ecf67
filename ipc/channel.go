package ipc

import (
	"sync"

	"github.com/go-logr/logr"

	"biscuit-core/defs"
	"biscuit-core/handle"
)

// / Sink receives messages on behalf of a bound message queue: once
// / bound to an MQ, a channel's sends enqueue onto the MQ instead of
// / its own FIFO. Implemented by *mqueue.Queue's per-channel endpoint;
// / defined here so ipc has no import on mqueue.
type Sink interface {
	Deliver(msg *Message)
}

// / Channel is the reference-counted bidirectional rendezvous two
// / capability kinds (send-endpoint, receive-endpoint) share. A single
// / mutex plays the role of the per-channel spinlock; blocked
// / receivers wait on a condition variable rather than Biscuit's
// / explicit process_block/wakeup pair, since this rewrite's receive
// / callers are ordinary goroutines rather than cooperatively-scheduled
// / kernel threads.
type Channel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	refcount int
	closed   bool
	queue    []*Message
	bound    Sink
	log      logr.Logger
}

// / NewChannel creates a channel with refcount 1, representing the
// / single endpoint its creator holds. Its logger discards by
// / default; callers that want the closed-with-pending-callers
// / observation surfaced attach one with SetLogger.
func NewChannel() *Channel {
	c := &Channel{refcount: 1, log: logr.Discard()}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// / SetLogger attaches log to the channel, used by owners (e.g. the
// / FAT32 server's per-open-file endpoints) that want
// / closed-with-pending-callers visibility.
func (c *Channel) SetLogger(log logr.Logger) {
	c.mu.Lock()
	c.log = log
	c.mu.Unlock()
}

// / Ref bumps the refcount, used when a second endpoint (the other
// / direction, or a duplicated send endpoint) is created.
func (c *Channel) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refcount++
}

// / Unref drops the refcount; at zero the channel is destroyed and any
// / still-queued messages are freed.
func (c *Channel) Unref() {
	c.mu.Lock()
	c.refcount--
	if c.refcount > 0 {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	log := c.log
	c.cond.Broadcast()
	c.mu.Unlock()
	if len(pending) > 0 {
		log.Info("channel closed with pending messages freed", "count", len(pending))
	}
	for _, m := range pending {
		m.Free()
	}
}

// / Bind attaches the channel to an MQ sink. An endpoint may be bound
// / at most once; re-binding fails mqueue-already-set. Any messages
// / already queued are drained into the sink immediately, handling the
// / rare "attach after use" case.
func (c *Channel) Bind(sink Sink) defs.Err_t {
	c.mu.Lock()
	if c.bound != nil {
		c.mu.Unlock()
		return defs.EMQSET
	}
	c.bound = sink
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, m := range pending {
		sink.Deliver(m)
	}
	return 0
}

// / Send is non-blocking: it appends to the FIFO,
// / wakes one blocked receiver, or — if bound — routes straight to the
// / MQ sink and never touches the per-channel FIFO.
func (c *Channel) Send(m *Message) defs.Err_t {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return defs.ECLOSED
	}
	if c.bound != nil {
		sink := c.bound
		c.mu.Unlock()
		sink.Deliver(m)
		return 0
	}
	c.queue = append(c.queue, m)
	c.cond.Signal()
	c.mu.Unlock()
	return 0
}

// / Receive blocks until a message is available or the channel closes
// /. Channels bound to an MQ are never received
// / from directly; callers use mqueue.Receive instead.
func (c *Channel) Receive() (*Message, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		if c.closed {
			return nil, defs.ECLOSED
		}
		c.cond.Wait()
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, 0
}

// / Call sends data/handles and blocks for the reply: it creates an
// / implicit reply channel, attaches it as the
// / message's reply slot, sends, then receives on the reply channel.
// / A distinguished error reply surfaces as the sender's own error.
func Call(ch *Channel, data []byte, handles []AttachedHandle) (*Message, defs.Err_t) {
	reply := NewChannel()
	msg := &Message{Data: data, Handles: handles, ReplySlot: reply}
	if err := ch.Send(msg); err != 0 {
		return nil, err
	}
	rmsg, err := reply.Receive()
	if err != 0 {
		return nil, err
	}
	if code, isErr := rmsg.IsError(); isErr {
		return nil, code
	}
	return rmsg, 0
}

// / AsyncCall is Call without blocking: the reply channel's
// / receive-end is pre-attached to sink/tag (a mqueue.Queue endpoint)
// / so the reply arrives there instead.
func AsyncCall(ch *Channel, data []byte, handles []AttachedHandle, replySink Sink) defs.Err_t {
	reply := NewChannel()
	if err := reply.Bind(replySink); err != 0 {
		return err
	}
	msg := &Message{Data: data, Handles: handles, ReplySlot: reply}
	return ch.Send(msg)
}

// / Reply delivers data/handles into msg's reply channel, consuming
// / the message. Replying to a message with no
// / reply slot (it was sent via plain Send, not Call) is a caller
// / error.
func Reply(msg *Message, data []byte, handles []AttachedHandle) defs.Err_t {
	if msg.ReplySlot == nil {
		return defs.EINVALARG
	}
	return msg.ReplySlot.Send(&Message{Data: data, Handles: handles})
}

// / ReplyError delivers the distinguished error reply.
func ReplyError(msg *Message, code defs.Err_t) defs.Err_t {
	if msg.ReplySlot == nil {
		return defs.EINVALARG
	}
	return msg.ReplySlot.Send(&Message{isErrReply: true, errReplyErr: code})
}

// / SendEndpoint is the Closer a handle table slot holds for a
// / channel-send capability. Copyable.
type SendEndpoint struct{ Ch *Channel }

func (s SendEndpoint) Close() { s.Ch.Unref() }

// / Dup implements the copy side of AttachHandle's move/copy split: a
// / channel-send endpoint is the only copyable handle kind.
func (s SendEndpoint) Dup() handle.Closer {
	s.Ch.Ref()
	return SendEndpoint{Ch: s.Ch}
}

// / RecvEndpoint is the Closer for a channel-receive capability. Not
// / copyable: only move transfers it.
type RecvEndpoint struct{ Ch *Channel }

func (r RecvEndpoint) Close() { r.Ch.Unref() }

// / NewEndpoints builds a fresh channel and its two capability
// / wrappers, as channel_create does at the syscall boundary.
func NewEndpoints() (SendEndpoint, RecvEndpoint) {
	ch := NewChannel()
	ch.Ref() // second endpoint
	return SendEndpoint{Ch: ch}, RecvEndpoint{Ch: ch}
}
