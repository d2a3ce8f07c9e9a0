// Package msgcache is the local message history cache: a durable,
// per-user store of message records with conversation-scoped
// retrieval. It owns message bodies; no other component persists
// plaintext.
package msgcache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sealchat/internal/kvstore"
)

// Message is one chat message, immutable once stored and uniquely
// identified by ID.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

// NewMessage builds a message with a fresh UUID and the current
// timestamp.
func NewMessage(senderID, receiverID, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Cache is the message store for one local user, backed by a kvstore
// partition. Retrieval is a forward scan over the partition plus
// filter and sort; cache size per user is bounded by retention policy,
// so no secondary index is kept.
type Cache struct {
	kv *kvstore.Partition
}

// New returns a message cache over the given partition.
func New(kv *kvstore.Partition) *Cache {
	return &Cache{kv: kv}
}

// SaveMessage upserts one message keyed by its id.
func (c *Cache) SaveMessage(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "msgcache: marshal message")
	}
	return c.kv.Put(ctx, msg.ID, data)
}

// SaveMessages upserts a batch of messages in one transaction: a
// concurrent reader observes either none or all of them.
func (c *Cache) SaveMessages(ctx context.Context, msgs []Message) error {
	entries := make([]kvstore.Entry, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrapf(err, "msgcache: marshal message %s", msg.ID)
		}
		entries = append(entries, kvstore.Entry{Key: msg.ID, Value: data})
	}
	return c.kv.PutAll(ctx, entries)
}

// GetMessage returns the message with the given id, or ok=false.
func (c *Cache) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	data, ok, err := c.kv.Get(ctx, id)
	if err != nil || !ok {
		return Message{}, false, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false, errors.Wrapf(err, "msgcache: unmarshal message %s", id)
	}
	return msg, true, nil
}

// HasMessage reports whether a message with the given id exists,
// without decoding it.
func (c *Cache) HasMessage(ctx context.Context, id string) (bool, error) {
	_, ok, err := c.kv.Get(ctx, id)
	return ok, err
}

// GetMessages returns the conversation between peerA and peerB:
// messages whose sender/receiver pair is {peerA, peerB} in either
// direction, ascending by timestamp, capped to the most recent limit
// entries. Messages of any other conversation are excluded.
func (c *Cache) GetMessages(ctx context.Context, peerA, peerB string, limit int) ([]Message, error) {
	var msgs []Message
	err := c.kv.Iterate(ctx, func(key string, value []byte) (bool, error) {
		var msg Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return false, errors.Wrapf(err, "msgcache: unmarshal message %s", key)
		}
		if inConversation(msg, peerA, peerB) {
			msgs = append(msgs, msg)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// DeleteConversation removes exactly the messages between peerA and
// peerB. Conversations sharing one of the two ids with a third party
// are untouched.
func (c *Cache) DeleteConversation(ctx context.Context, peerA, peerB string) error {
	var keys []string
	err := c.kv.Iterate(ctx, func(key string, value []byte) (bool, error) {
		var msg Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return false, errors.Wrapf(err, "msgcache: unmarshal message %s", key)
		}
		if inConversation(msg, peerA, peerB) {
			keys = append(keys, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	return c.kv.DeleteMany(ctx, keys)
}

// ClearAll removes every message for the local user.
func (c *Cache) ClearAll(ctx context.Context) error {
	return c.kv.Clear(ctx)
}

func inConversation(msg Message, peerA, peerB string) bool {
	return (msg.SenderID == peerA && msg.ReceiverID == peerB) ||
		(msg.SenderID == peerB && msg.ReceiverID == peerA)
}
