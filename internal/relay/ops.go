// Package relay implements one anonymous-chat relay: the controller that
// handles inbound updates, the durable operation queue, and the fan-out
// worker that delivers masked copies to every member.
package relay

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/platform"
)

// Kind tags the operation variants carried by the queue.
type Kind string

const (
	KindBroadcast    Kind = "broadcast"
	KindEdit         Kind = "edit"
	KindDelete       Kind = "delete"
	KindPin          Kind = "pin"
	KindUnpin        Kind = "unpin"
	KindBulkRedirect Kind = "bulk_redirect"
	KindBulkPin      Kind = "bulk_pin"
)

// Content describes the inbound message an op delivers. The platform message
// itself is not durable; only what the worker needs survives a restart.
type Content struct {
	Text        string            `json:"text,omitempty"` // text or caption
	Entities    []platform.Entity `json:"entities,omitempty"`
	Media       bool              `json:"media,omitempty"`
	Voice       bool              `json:"voice,omitempty"`
	VoiceFileID string            `json:"voice_file_id,omitempty"`
}

// Op is one queued unit of fan-out work. The completion signal and counters
// never serialize; see opView.
type Op struct {
	ID          string
	Kind        Kind
	MessageID   int64   // message row id (single-message kinds)
	SenderID    int64   // member row id of the author
	RecipientID int64   // member row id of the bulk target
	MessageIDs  []int64 // message row ids, oldest first (bulk kinds)
	Content     *Content
	Created     time.Time

	requests atomic.Int64
	errors   atomic.Int64
	done     chan struct{}
}

func newOp(kind Kind) *Op {
	return &Op{ID: uuid.NewString(), Kind: kind, Created: time.Now(), done: make(chan struct{})}
}

// NewBroadcast fans a new message out to every recipient.
func NewBroadcast(messageID, senderID int64, content Content) *Op {
	op := newOp(KindBroadcast)
	op.MessageID = messageID
	op.SenderID = senderID
	op.Content = &content
	return op
}

// NewEdit propagates an edited body to existing redirects.
func NewEdit(messageID, senderID int64, content Content) *Op {
	op := newOp(KindEdit)
	op.MessageID = messageID
	op.SenderID = senderID
	op.Content = &content
	return op
}

// NewDelete removes the message everywhere, author copy included.
func NewDelete(messageID int64) *Op {
	op := newOp(KindDelete)
	op.MessageID = messageID
	return op
}

func NewPin(messageID int64) *Op {
	op := newOp(KindPin)
	op.MessageID = messageID
	return op
}

func NewUnpin(messageID int64) *Op {
	op := newOp(KindUnpin)
	op.MessageID = messageID
	return op
}

// NewBulkRedirect replays messages (oldest first) to one member.
func NewBulkRedirect(messageIDs []int64, recipientID int64) *Op {
	op := newOp(KindBulkRedirect)
	op.MessageIDs = messageIDs
	op.RecipientID = recipientID
	return op
}

// NewBulkPin re-pins already redirected messages for one member.
func NewBulkPin(messageIDs []int64, recipientID int64) *Op {
	op := newOp(KindBulkPin)
	op.MessageIDs = messageIDs
	op.RecipientID = recipientID
	return op
}

// Done is closed when the worker finishes the op, successfully or not.
func (o *Op) Done() <-chan struct{} { return o.done }

// Requests is the number of delivery attempts so far.
func (o *Op) Requests() int { return int(o.requests.Load()) }

// Errors is the number of failed attempts so far.
func (o *Op) Errors() int { return int(o.errors.Load()) }

func (o *Op) finish() { close(o.done) }

func (o *Op) bulk() bool {
	return o.Kind == KindBulkRedirect || o.Kind == KindBulkPin
}

// opView is the durable form of an Op.
type opView struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	MessageID   int64    `json:"message_id,omitempty"`
	SenderID    int64    `json:"sender_id,omitempty"`
	RecipientID int64    `json:"recipient_id,omitempty"`
	MessageIDs  []int64  `json:"message_ids,omitempty"`
	Content     *Content `json:"content,omitempty"`
	Created     int64    `json:"created"`
}

// OpCodec mirrors ops into the cache. Load allocates a fresh, unfired
// completion signal; a serialized signal would never fire.
type OpCodec struct{}

func (OpCodec) Save(op *Op) ([]byte, error) {
	return json.Marshal(opView{
		ID:          op.ID,
		Kind:        op.Kind,
		MessageID:   op.MessageID,
		SenderID:    op.SenderID,
		RecipientID: op.RecipientID,
		MessageIDs:  op.MessageIDs,
		Content:     op.Content,
		Created:     op.Created.Unix(),
	})
}

func (OpCodec) Load(raw []byte) (*Op, error) {
	var v opView
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &Op{
		ID:          v.ID,
		Kind:        v.Kind,
		MessageID:   v.MessageID,
		SenderID:    v.SenderID,
		RecipientID: v.RecipientID,
		MessageIDs:  v.MessageIDs,
		Content:     v.Content,
		Created:     time.Unix(v.Created, 0),
		done:        make(chan struct{}),
	}, nil
}

var _ cache.Codec[*Op] = OpCodec{}
