// Package ipc implements channels, messages, and call/reply
// correlation.
//
// There is no standalone channel/message file in Biscuit;
// this package is grounded on fs/blk.go's Bdev_req_t/AckCh pattern —
// an in-flight request carrying a completion channel that the issuer
// blocks receiving from — generalized from one-shot disk-request
// acknowledgement to a general-purpose, reusable rendezvous queue with
// its own FIFO and refcounting.
package ipc

import (
	"biscuit-core/defs"
	"biscuit-core/handle"
)

// / AttachedHandle is one capability riding along with a Message: a
// / (kind, payload) pair.
type AttachedHandle struct {
	Kind    handle.Kind
	Payload handle.Closer
}

// / Message is the value transferred through a channel. ReplySlot is
// / non-nil only for messages sent via Call/AsyncCall, giving
// / Reply/ReplyError somewhere to deliver the response.
type Message struct {
	Data        []byte
	Handles     []AttachedHandle
	ReplySlot   *Channel
	isErrReply  bool
	errReplyErr defs.Err_t
}

// / IsError reports whether this message is the distinguished error
// / reply a callee sent in place of a normal response.
func (m *Message) IsError() (defs.Err_t, bool) {
	return m.errReplyErr, m.isErrReply
}

// / Free releases every attached handle's capability, used when a
// / channel is destroyed with messages still queued.
func (m *Message) Free() {
	for _, h := range m.Handles {
		if h.Payload != nil {
			h.Payload.Close()
		}
	}
}

// / ReceiveSpec is what a receiver declares it wants to read: how much
// / data, how many handles and of what kinds, and whether a partial
// / read is acceptable instead of failing.
type ReceiveSpec struct {
	MinData             int
	MaxData             int // 0 means unbounded
	HandleKinds         []handle.Kind
	AllowPartialData    bool
	AllowPartialHandles bool
}

// / Validate checks m against spec, returning the message-shape error
// / that mismatch produces. A zero-value ReceiveSpec accepts any data
// / length but no attached handles.
func (m *Message) Validate(spec ReceiveSpec) defs.Err_t {
	if len(m.Data) < spec.MinData && !spec.AllowPartialData {
		return defs.EDATASHORT
	}
	if spec.MaxData > 0 && len(m.Data) > spec.MaxData && !spec.AllowPartialData {
		return defs.EDATALONG
	}
	if len(m.Handles) < len(spec.HandleKinds) && !spec.AllowPartialHandles {
		return defs.EHANDLESHORT
	}
	if len(m.Handles) > len(spec.HandleKinds) && !spec.AllowPartialHandles {
		return defs.EHANDLELONG
	}
	n := len(spec.HandleKinds)
	if n > len(m.Handles) {
		n = len(m.Handles)
	}
	for i := 0; i < n; i++ {
		if m.Handles[i].Kind != spec.HandleKinds[i] {
			return defs.EWRONGMSGH
		}
	}
	return 0
}

// / AttachHandle produces an AttachedHandle from handle h in table,
// / honoring move/copy semantics: move vacates the
// / sender's slot outright; copy requires a copyable kind and bumps
// / the underlying capability's reference count instead of consuming
// / the sender's handle.
func AttachHandle(table *handle.Table, h int, move bool) (AttachedHandle, defs.Err_t) {
	if move {
		s, err := table.Take(h)
		if err != 0 {
			return AttachedHandle{}, err
		}
		return AttachedHandle{Kind: s.Kind, Payload: s.Payload}, 0
	}

	s, err := table.Get(h)
	if err != 0 {
		return AttachedHandle{}, err
	}
	if !s.Kind.Copyable() {
		return AttachedHandle{}, defs.EUNCOPYABLE
	}
	dup, ok := s.Payload.(interface{ Dup() handle.Closer })
	if !ok {
		return AttachedHandle{}, defs.EUNCOPYABLE
	}
	return AttachedHandle{Kind: s.Kind, Payload: dup.Dup()}, 0
}

// / DeliverHandle installs an attached handle into the receiver's
// / table, returning the slot it landed in.
func DeliverHandle(table *handle.Table, ah AttachedHandle) (int, defs.Err_t) {
	return table.Add(ah.Kind, ah.Payload)
}
