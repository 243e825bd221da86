// Package outbox queues outbound messages and drains them to the source
// platform. Sends are durable: a message survives a crash between queueing
// and delivery, and every attempt ends in a terminal outbox status.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/igrelay/igrelay/internal/bus"
	"github.com/igrelay/igrelay/internal/source"
	"github.com/igrelay/igrelay/internal/store"
	"go.uber.org/zap"
)

// Sender drains the outbox and delivers messages through the source client.
type Sender struct {
	db      *store.DB
	client  source.Client
	bus     *bus.Bus
	logger  *zap.Logger
	account string // source user id of the mirrored account, sender of outbound messages
	cancel  context.CancelFunc
}

// NewSender creates an outbox sender. A nil logger disables logging.
func NewSender(db *store.DB, client source.Client, b *bus.Bus, logger *zap.Logger, account string) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{db: db, client: client, bus: b, logger: logger, account: account}
}

// Queue enqueues a text message for delivery to a thread and returns the
// client-side message id used to correlate the eventual ack.
func (s *Sender) Queue(threadID, text string) (string, error) {
	if text == "" {
		return "", errors.New("message text must not be empty")
	}
	if _, err := s.db.GetThread(threadID); err != nil {
		return "", err
	}
	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, threadID, text); err != nil {
		return "", err
	}
	return clientMsgID, nil
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic mirror: the message shows up in the local history
		// immediately, with a pending status until the platform acks it.
		now := time.Now().UnixMilli()
		s.mirror(entry, store.StatusPending, now)
		s.publish("message.upserted", map[string]string{
			"thread_id":  entry.ThreadID,
			"message_id": entry.ClientMsgID,
		})

		serverMsgID, err := s.client.SendMessage(ctx, entry.ThreadID, entry.Text)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.mirror(entry, store.StatusFailed, now)
			s.publish("message.send_failed", map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"error":         err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.mirror(entry, store.StatusSent, now)

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
		s.publish("message.send_ack", map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"server_msg_id": serverMsgID,
		})
	}
}

// mirror upserts the optimistic local copy of an outbound message. The next
// sync run replaces it with the platform's own record under the server id;
// until then the client id keeps the copy addressable.
func (s *Sender) mirror(entry store.OutboxEntry, status string, ts int64) {
	_, err := s.db.UpsertMessage(&store.Message{
		MessageID: entry.ClientMsgID,
		ThreadID:  entry.ThreadID,
		SenderID:  s.account,
		Text:      entry.Text,
		ItemType:  source.ItemText,
		Status:    status,
		Timestamp: ts,
	})
	if err != nil {
		s.logger.Error("failed to mirror outbound message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
