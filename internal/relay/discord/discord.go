// Package discord implements the relay Store over the Discord Gateway. Each
// conversation maps to a channel; documents travel as JSON envelopes in
// message bodies, so any Stagecoach client on the channel can replay them.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/relay"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// defaultPageSize is the Discord API page size for history fetches.
	defaultPageSize = 100
)

// envelope is the wire form of one relay document.
type envelope struct {
	Collection string         `json:"collection"`
	Doc        models.Message `json:"doc"`
}

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Store implements relay.Store over the Discord Gateway.
type Store struct {
	sess     session
	botToken string
	channels map[string]string // conversation id -> channel id
	convFor  map[string]string // channel id -> conversation id

	mu            sync.Mutex
	connected     bool
	closed        bool
	state         map[string][]models.Message // folded docs per conversation
	subs          map[string][]chan relay.Snapshot
	removeHandler func()
	base          time.Duration
	max           time.Duration
}

// Opts holds parameters for creating a Discord Store.
type Opts struct {
	BotToken string
	Channels map[string]string // conversation id -> channel id
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Store.
func New(opts Opts) (*Store, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("discord: channel map is required")
	}

	convFor := make(map[string]string, len(opts.Channels))
	for conv, ch := range opts.Channels {
		convFor[ch] = conv
	}
	s := &Store{
		sess:     opts.Session,
		botToken: opts.BotToken,
		channels: opts.Channels,
		convFor:  convFor,
		state:    make(map[string][]models.Message),
		subs:     make(map[string][]chan relay.Snapshot),
		base:     baseBackoff,
		max:      maxBackoff,
	}
	return s, nil
}

// Connect opens the Gateway WebSocket and starts folding inbound envelopes.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("discord: store already closed")
	}
	if s.connected {
		return nil
	}

	if s.sess == nil {
		dg, err := discordgo.New("Bot " + s.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		s.sess = &realSession{s: dg}
	}

	s.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	s.removeHandler = s.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		s.handleMessage(m)
	})

	if err := s.sess.Open(); err != nil {
		return relay.NewError(relay.KindNetwork, "connect", err)
	}
	s.connected = true
	return nil
}

// Write ships one document to the conversation's channel. The Discord message
// id timestamp becomes the document's server timestamp.
func (s *Store) Write(ctx context.Context, collection, id string, doc *models.Message) error {
	if doc == nil {
		return fmt.Errorf("discord: document is required")
	}
	channelID, ok := s.channels[doc.ConversationID]
	if !ok {
		return relay.NewError(relay.KindNotFound, "write",
			fmt.Errorf("no channel mapped for conversation %s", doc.ConversationID))
	}

	payload, err := json.Marshal(envelope{Collection: collection, Doc: *doc})
	if err != nil {
		return fmt.Errorf("discord: marshal %s: %w", id, err)
	}

	var sent *discordgo.Message
	err = s.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = s.sess.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: string(payload),
		})
		return sendErr
	})
	if err != nil {
		return classify("write", err)
	}

	if collection == relay.CollectionMessages && doc.Timestamp.IsZero() && sent != nil {
		if ts, terr := discordgo.SnowflakeTimestamp(sent.ID); terr == nil {
			doc.Timestamp = ts
		} else {
			doc.Timestamp = time.Now().UTC()
		}
	}
	return nil
}

// Fetch replays channel history into a folded page of messages, newest page
// first, respecting q.Before and q.Limit.
func (s *Store) Fetch(ctx context.Context, q relay.Query) ([]models.Message, error) {
	channelID, ok := s.channels[q.ConversationID]
	if !ok {
		return nil, relay.NewError(relay.KindNotFound, "fetch",
			fmt.Errorf("no channel mapped for conversation %s", q.ConversationID))
	}

	var envelopes []envelope
	beforeID := ""
	for {
		var page []*discordgo.Message
		err := s.retryOnRateLimit(ctx, func() error {
			var apiErr error
			page, apiErr = s.sess.ChannelMessages(channelID, defaultPageSize, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, classify("fetch", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			var env envelope
			if jerr := json.Unmarshal([]byte(m.Content), &env); jerr != nil || env.Doc.ID == "" {
				continue
			}
			envelopes = append(envelopes, env)
		}
		beforeID = page[len(page)-1].ID
		if len(page) < defaultPageSize {
			break
		}
	}

	// History arrived newest first; fold oldest first so edits and deletes
	// land on their base documents in order.
	folded := make(map[string]*models.Message)
	for i := len(envelopes) - 1; i >= 0; i-- {
		foldEnvelope(folded, envelopes[i])
	}

	msgs := make([]models.Message, 0, len(folded))
	for _, m := range folded {
		if !q.Before.IsZero() && !m.OrderingTime().Before(q.Before) {
			continue
		}
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].OrderingTime().Before(msgs[j].OrderingTime())
	})
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return msgs, nil
}

// Subscribe streams folded conversation snapshots as envelopes arrive.
func (s *Store) Subscribe(q relay.Query) (<-chan relay.Snapshot, relay.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, relay.NewError(relay.KindNetwork, "subscribe", fmt.Errorf("store closed"))
	}
	ch := make(chan relay.Snapshot, 16)
	s.subs[q.ConversationID] = append(s.subs[q.ConversationID], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			chans := s.subs[q.ConversationID]
			for i, c := range chans {
				if c == ch {
					s.subs[q.ConversationID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close shuts the store down.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	if s.removeHandler != nil {
		s.removeHandler()
	}
	for _, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan relay.Snapshot)
	if s.sess != nil {
		return s.sess.Close()
	}
	return nil
}

// handleMessage folds one inbound Gateway message into conversation state and
// notifies subscribers.
func (s *Store) handleMessage(m *discordgo.MessageCreate) {
	var env envelope
	if err := json.Unmarshal([]byte(m.Content), &env); err != nil || env.Doc.ID == "" {
		return
	}
	conv := env.Doc.ConversationID
	if conv == "" {
		conv = s.convFor[m.ChannelID]
	}
	if conv == "" {
		return
	}
	if env.Doc.Timestamp.IsZero() {
		if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
			env.Doc.Timestamp = ts
		}
	}

	s.mu.Lock()
	folded := make(map[string]*models.Message, len(s.state[conv])+1)
	for i := range s.state[conv] {
		msg := s.state[conv][i]
		folded[msg.ID] = &msg
	}
	foldEnvelope(folded, env)

	msgs := make([]models.Message, 0, len(folded))
	for _, msg := range folded {
		msgs = append(msgs, *msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].OrderingTime().Before(msgs[j].OrderingTime())
	})
	s.state[conv] = msgs

	// Sends stay under the lock so they cannot race a close in Close or a
	// subscriber's cancel.
	snap := relay.Snapshot{ConversationID: conv, Messages: msgs}
	for _, ch := range s.subs[conv] {
		select {
		case ch <- snap:
		default:
			// A stalled subscriber drops this snapshot; the next one
			// carries the full state anyway.
		}
	}
	s.mu.Unlock()
}

// foldEnvelope applies one envelope to the folded document map.
func foldEnvelope(folded map[string]*models.Message, env envelope) {
	doc := env.Doc
	switch env.Collection {
	case relay.CollectionMessages:
		folded[doc.ID] = &doc
	case relay.CollectionEdits:
		if base, ok := folded[doc.ID]; ok && base.IsDeleted {
			return
		}
		folded[doc.ID] = &doc
	case relay.CollectionDeletes:
		folded[doc.ID] = &doc
	case relay.CollectionReceipts:
		if base, ok := folded[doc.ID]; ok {
			base.ReadBy = doc.ReadBy
			base.ReadCount = doc.ReadCount
			base.Status = doc.Status
		}
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (s *Store) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.base
		if wait > s.max {
			wait = s.max
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// classify maps a discordgo error onto the relay error taxonomy.
func classify(op string, err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 401, 403:
			return relay.NewError(relay.KindPermission, op, err)
		case 404:
			return relay.NewError(relay.KindNotFound, op, err)
		}
	}
	return relay.NewError(relay.KindNetwork, op, err)
}
