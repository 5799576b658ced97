// Package engine is the client-facing surface of the message delivery
// pipeline. It composes the persistence store, the offline queue, the
// delivery state machine, the connectivity monitor, and the relay backend
// behind a handful of operations a chat UI calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/stagecoach/internal/conflict"
	"github.com/zulandar/stagecoach/internal/connectivity"
	"github.com/zulandar/stagecoach/internal/delivery"
	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/pagination"
	"github.com/zulandar/stagecoach/internal/queue"
	"github.com/zulandar/stagecoach/internal/relay"
	"github.com/zulandar/stagecoach/internal/retry"
	"github.com/zulandar/stagecoach/internal/store"
)

// MaxTextLength caps the length of a message body in bytes.
const MaxTextLength = 4096

var (
	// ErrEmptyMessage is returned when a send carries neither text nor
	// attachments.
	ErrEmptyMessage = errors.New("engine: message is empty")

	// ErrTextTooLong is returned when the message body exceeds MaxTextLength.
	ErrTextTooLong = errors.New("engine: message text too long")

	// ErrNotSender is returned when a user edits or deletes someone else's
	// message.
	ErrNotSender = errors.New("engine: not the message sender")
)

// Uploader pushes attachment payloads to blob storage before the message
// referencing them is sent.
type Uploader interface {
	Upload(ctx context.Context, att models.Attachment) (models.Attachment, error)
}

// UploaderFunc adapts a function to the Uploader interface.
type UploaderFunc func(ctx context.Context, att models.Attachment) (models.Attachment, error)

// Upload calls f.
func (f UploaderFunc) Upload(ctx context.Context, att models.Attachment) (models.Attachment, error) {
	return f(ctx, att)
}

// Engine ties the pipeline together. One Engine serves one signed-in user
// across all conversations.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	machine  *delivery.Machine
	relay    relay.Store
	monitor  *connectivity.Monitor
	retrier  *retry.Controller
	uploader Uploader
	session  *Session
	pageSize int
	out      *log.Logger

	mu        sync.Mutex
	views     map[string]*view
	pagers    map[string]*pagination.Controller
	observers map[string][]chan []models.Message
}

// Opts configures an Engine.
type Opts struct {
	Store    *store.Store
	Queue    *queue.Queue
	Machine  *delivery.Machine
	Relay    relay.Store
	Monitor  *connectivity.Monitor
	Uploader Uploader
	Session  *Session
	PageSize int
	Out      *log.Logger
}

// New validates opts and creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("engine: queue is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("engine: delivery machine is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("engine: relay is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("engine: connectivity monitor is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("engine: session is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = pagination.DefaultPageSize
	}
	if opts.Out == nil {
		opts.Out = log.Default()
	}

	e := &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		machine:   opts.Machine,
		relay:     opts.Relay,
		monitor:   opts.Monitor,
		uploader:  opts.Uploader,
		session:   opts.Session,
		pageSize:  opts.PageSize,
		out:       opts.Out,
		views:     make(map[string]*view),
		pagers:    make(map[string]*pagination.Controller),
		observers: make(map[string][]chan []models.Message),
	}

	retrier, err := retry.NewController(retry.ControllerOpts{
		Queue:   e.queue,
		Machine: e.machine,
		Send:    e.relaySend,
		Out:     e.out,
	})
	if err != nil {
		return nil, err
	}
	e.retrier = retrier
	return e, nil
}

// Retrier exposes the retry controller for connectivity wiring.
func (e *Engine) Retrier() *retry.Controller {
	return e.retrier
}

// SendMessage validates, optimistically appends, and dispatches a new
// message. Validation failures happen before any state mutation. Offline, the
// message lands in the queue; online, delivery proceeds in the background and
// the caller gets the optimistic copy immediately.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string, attachments []models.Attachment) (*models.Message, error) {
	user, err := e.session.UserID()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(text) > MaxTextLength {
		return nil, fmt.Errorf("engine: %d bytes: %w", len(text), ErrTextTooLong)
	}

	// Attachments upload before the message exists anywhere. A failed
	// upload leaves no trace.
	uploaded, err := e.uploadAll(ctx, attachments)
	if err != nil {
		return nil, err
	}

	online := e.monitor.Online()
	msg, err := e.machine.Create(conversationID, user, text, uploaded, online)
	if err != nil {
		return nil, err
	}

	e.viewFor(conversationID).Upsert(msg)
	e.publish(conversationID)

	if !online {
		if err := e.queue.Enqueue(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}

	go e.sendNow(msg)
	return msg, nil
}

// EditMessage rewrites a message's text. Only the sender may edit; edits to
// deleted messages fail. The change applies locally first and propagates in
// the background.
func (e *Engine) EditMessage(ctx context.Context, messageID, newText string) (*models.Message, error) {
	user, err := e.session.UserID()
	if err != nil {
		return nil, err
	}
	msg, err := e.store.Message(messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != user {
		return nil, fmt.Errorf("engine: edit %s: %w", messageID, ErrNotSender)
	}
	if len(newText) > MaxTextLength {
		return nil, fmt.Errorf("engine: %d bytes: %w", len(newText), ErrTextTooLong)
	}

	if _, err := conflict.ApplyEdit(msg, newText, time.Now()); err != nil {
		return nil, err
	}
	if err := e.store.SaveMessage(msg); err != nil {
		return nil, err
	}
	e.viewFor(msg.ConversationID).Upsert(msg)
	e.publish(msg.ConversationID)

	// An unsent message just carries its new text when the queue drains.
	if entry := e.queue.Find(messageID); entry != nil {
		entry.Message.Text = msg.Text
		entry.Message.EditCount = msg.EditCount
		entry.Message.EditHistory = msg.EditHistory
		entry.Message.IsEdited = msg.IsEdited
		entry.Message.EditedAt = msg.EditedAt
		return msg, nil
	}

	go e.propagate(relay.CollectionEdits, msg)
	return msg, nil
}

// DeleteMessage tombstones a message. Only the sender may delete. A message
// still in the queue never reached the server, so it is dropped outright.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	user, err := e.session.UserID()
	if err != nil {
		return err
	}
	msg, err := e.store.Message(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != user {
		return fmt.Errorf("engine: delete %s: %w", messageID, ErrNotSender)
	}

	if e.queue.Find(messageID) != nil {
		if err := e.queue.Remove(messageID); err != nil {
			return err
		}
		if err := e.store.DeleteMessage(messageID); err != nil {
			return err
		}
		e.viewFor(msg.ConversationID).Remove(messageID)
		e.publish(msg.ConversationID)
		return nil
	}

	if !conflict.ApplyDelete(msg, user, time.Now()) {
		return nil
	}
	if err := e.store.SaveMessage(msg); err != nil {
		return err
	}
	e.viewFor(msg.ConversationID).Upsert(msg)
	e.publish(msg.ConversationID)

	go e.propagate(relay.CollectionDeletes, msg)
	return nil
}

// RetryQueuedMessage re-dispatches one queued or failed message.
func (e *Engine) RetryQueuedMessage(ctx context.Context, messageID string) error {
	err := e.retrier.RetryOne(ctx, messageID)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	e.republishQueued()
	return nil
}

// RetryAllQueued drains the whole queue in enqueue order.
func (e *Engine) RetryAllQueued(ctx context.Context) (sent, remaining int, err error) {
	sent, remaining, err = e.retrier.RetryAll(ctx)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return 0, remaining, nil
	}
	e.republishQueued()
	return sent, remaining, err
}

// QueueDepth returns the number of messages waiting in the offline queue.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// sendNow performs the network leg of an online send. It deliberately does
// not take the caller's context: an in-flight send survives screen
// navigation, and the relay's own transport timeout bounds the attempt.
func (e *Engine) sendNow(msg *models.Message) {
	err := e.relaySend(context.Background(), msg)
	if err == nil {
		if _, terr := e.machine.Transition(msg, delivery.StatusSent); terr != nil {
			e.out.Printf("engine: mark sent %s: %v", msg.ID, terr)
		}
		e.viewFor(msg.ConversationID).Upsert(msg)
		e.publish(msg.ConversationID)
		return
	}

	if relay.IsPermission(err) {
		// The server will never accept this message. Roll the optimistic
		// append back entirely.
		e.out.Printf("engine: send %s rejected: %v", msg.ID, err)
		if derr := e.store.DeleteMessage(msg.ID); derr != nil {
			e.out.Printf("engine: rollback %s: %v", msg.ID, derr)
		}
		e.viewFor(msg.ConversationID).Remove(msg.ID)
		e.publish(msg.ConversationID)
		return
	}

	if relay.IsNotFound(err) {
		// The destination no longer exists; a retry cannot succeed. The
		// message stays visible as failed but never enters the queue.
		e.out.Printf("engine: send %s: %v", msg.ID, err)
		if _, terr := e.machine.Transition(msg, delivery.StatusFailed); terr != nil {
			e.out.Printf("engine: mark failed %s: %v", msg.ID, terr)
		}
		e.viewFor(msg.ConversationID).Upsert(msg)
		e.publish(msg.ConversationID)
		return
	}

	// Network-shaped failure: keep the message, mark it failed, queue it
	// for retry.
	e.out.Printf("engine: send %s failed: %v", msg.ID, err)
	if _, terr := e.machine.Transition(msg, delivery.StatusFailed); terr != nil {
		e.out.Printf("engine: mark failed %s: %v", msg.ID, terr)
	}
	if qerr := e.queue.Enqueue(msg); qerr != nil {
		e.out.Printf("engine: enqueue %s: %v", msg.ID, qerr)
	}
	e.viewFor(msg.ConversationID).Upsert(msg)
	e.publish(msg.ConversationID)
}

// relaySend writes one message to the relay and confirms it locally. The
// server-assigned timestamp lands on msg during the write.
func (e *Engine) relaySend(ctx context.Context, msg *models.Message) error {
	if err := e.relay.Write(ctx, relay.CollectionMessages, msg.ID, msg); err != nil {
		return err
	}
	return e.store.ConfirmSend(msg)
}

// propagate pushes an edit or delete to the relay. Failures are logged only;
// reconciliation converges the server copy later.
func (e *Engine) propagate(collection string, msg *models.Message) {
	if err := e.relay.Write(context.Background(), collection, msg.ID, msg); err != nil {
		e.out.Printf("engine: propagate %s %s: %v", collection, msg.ID, err)
	}
}

func (e *Engine) uploadAll(ctx context.Context, atts []models.Attachment) ([]models.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	if e.uploader == nil {
		return nil, fmt.Errorf("engine: no uploader configured")
	}
	out := make([]models.Attachment, 0, len(atts))
	for _, a := range atts {
		up, err := e.uploader.Upload(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("engine: upload attachment %s: %w", a.ID, err)
		}
		out = append(out, up)
	}
	return out, nil
}

// republishQueued refreshes every open view after a retry pass; drains may
// have touched messages in any conversation.
func (e *Engine) republishQueued() {
	e.mu.Lock()
	convs := make([]string, 0, len(e.views))
	for id := range e.views {
		convs = append(convs, id)
	}
	e.mu.Unlock()
	for _, id := range convs {
		e.refreshView(id)
		e.publish(id)
	}
}

// refreshView re-reads a conversation's cached messages into its view.
func (e *Engine) refreshView(conversationID string) {
	msgs, err := e.store.CachedMessages(conversationID)
	if err != nil {
		e.out.Printf("engine: refresh %s: %v", conversationID, err)
		return
	}
	e.viewFor(conversationID).Set(msgs)
}

func (e *Engine) viewFor(conversationID string) *view {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[conversationID]
	if !ok {
		v = &view{}
		e.views[conversationID] = v
	}
	return v
}
