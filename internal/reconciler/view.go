// Package reconciler keeps one participant's view of a conversation
// consistent while local sends and the live feed both append to it.
//
// Every local send carries a client token. The provisional entry is
// confirmed in place when either the send returns the durable message or the
// feed echoes it, whichever comes first; the other is then a no-op. Entries
// are kept sorted by (timestamp, local sequence), where the timestamp is the
// client clock until the server timestamp is known.
package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/commute-pool/internal/apperr"
	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/models"
)

const (
	DefaultCorrelationWindow = 5 * time.Second
	tempPrefix               = "temp-"
	selfName                 = "Moi"
)

// Remote is the server side of the conversation.
type Remote interface {
	Send(ctx context.Context, conversationID, content, clientToken string) (models.Message, error)
	Fetch(ctx context.Context, messageID string) (models.MessageView, error)
}

// Item is one visible message. Pending items have a temporary id.
type Item struct {
	models.MessageView
	Pending bool `json:"pending"`
}

type entry struct {
	item  Item
	order time.Time
	seq   uint64
}

type View struct {
	ConversationID string
	Self           string
	Remote         Remote

	Now               func() time.Time
	CorrelationWindow time.Duration
	// OnChange receives a snapshot after every visible change.
	OnChange func([]Item)
	Logger   *slog.Logger

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	byToken map[string]*entry
	seq     uint64
	input   string
}

func NewView(conversationID, self string, remote Remote) *View {
	return &View{
		ConversationID: conversationID,
		Self:           self,
		Remote:         remote,
		byID:           make(map[string]*entry),
		byToken:        make(map[string]*entry),
	}
}

func (v *View) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *View) window() time.Duration {
	if v.CorrelationWindow > 0 {
		return v.CorrelationWindow
	}
	return DefaultCorrelationWindow
}

func (v *View) SetInput(s string) {
	v.mu.Lock()
	v.input = s
	v.mu.Unlock()
}

func (v *View) Input() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.input
}

// Messages returns the visible list in display order.
func (v *View) Messages() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

func (v *View) snapshot() []Item {
	out := make([]Item, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.item
	}
	return out
}

// changed must be called with v.mu held; the callback runs after unlock.
func (v *View) changed() func() {
	if v.OnChange == nil {
		return func() {}
	}
	snap := v.snapshot()
	return func() { v.OnChange(snap) }
}

// Load replaces the visible list with a history snapshot. Sends still in
// flight stay visible unless the snapshot already holds them.
func (v *View) Load(history []models.MessageView) {
	v.mu.Lock()
	pending := make([]*entry, 0)
	for _, e := range v.entries {
		if e.item.Pending {
			pending = append(pending, e)
		}
	}
	v.entries = v.entries[:0]
	v.byID = make(map[string]*entry, len(history))
	v.byToken = make(map[string]*entry, len(pending))
	for _, e := range pending {
		v.byID[e.item.ID] = e
		v.byToken[e.item.ClientToken] = e
		v.insert(e)
	}
	for _, m := range history {
		if _, dup := v.byID[m.ID]; dup {
			continue
		}
		if p, ok := v.byToken[m.ClientToken]; ok && m.ClientToken != "" && p.item.Pending {
			v.confirm(p, m.Message, &m.Sender)
			continue
		}
		v.seq++
		e := &entry{item: Item{MessageView: m}, order: m.CreatedAt, seq: v.seq}
		v.byID[m.ID] = e
		v.insert(e)
	}
	notify := v.changed()
	v.mu.Unlock()
	notify()
}

// Send posts the current input. The message shows up at once as pending;
// on failure it is removed and the input restored so the user can retry.
func (v *View) Send(ctx context.Context) (Item, error) {
	v.mu.Lock()
	raw := v.input
	content := strings.TrimSpace(raw)
	if content == "" {
		v.mu.Unlock()
		return Item{}, apperr.Validation("Le message est vide.")
	}
	token := uuid.NewString()
	at := v.now()
	v.seq++
	e := &entry{
		item: Item{
			MessageView: models.MessageView{
				Message: models.Message{
					ID:             tempPrefix + token,
					ConversationID: v.ConversationID,
					SenderID:       v.Self,
					Content:        content,
					CreatedAt:      at,
					ClientToken:    token,
				},
				Sender: models.Sender{Name: selfName},
			},
			Pending: true,
		},
		order: at,
		seq:   v.seq,
	}
	v.byID[e.item.ID] = e
	v.byToken[token] = e
	v.insert(e)
	v.input = ""
	notify := v.changed()
	v.mu.Unlock()
	notify()

	m, err := v.Remote.Send(ctx, v.ConversationID, content, token)

	v.mu.Lock()
	if err != nil {
		// The echo may already have proven the message durable.
		if !e.item.Pending {
			item := e.item
			v.mu.Unlock()
			return item, nil
		}
		v.drop(e)
		if v.input == "" {
			v.input = raw
		}
		notify = v.changed()
		v.mu.Unlock()
		notify()
		return Item{}, err
	}
	v.confirm(e, m, nil)
	item := e.item
	notify = v.changed()
	v.mu.Unlock()
	notify()
	return item, nil
}

// Apply merges one feed event into the view.
func (v *View) Apply(ctx context.Context, ev feed.Event) error {
	if ev.ConversationID != v.ConversationID || (ev.Type != "" && ev.Type != feed.TypeInsert) {
		return nil
	}

	v.mu.Lock()
	if _, seen := v.byID[ev.MessageID]; seen {
		v.mu.Unlock()
		return nil
	}
	if e, ok := v.byToken[ev.ClientToken]; ok && ev.ClientToken != "" && e.item.Pending {
		v.confirm(e, models.Message{ID: ev.MessageID, CreatedAt: ev.CreatedAt}, nil)
		notify := v.changed()
		v.mu.Unlock()
		notify()
		return nil
	}
	v.mu.Unlock()

	m, err := v.Remote.Fetch(ctx, ev.MessageID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer func() {
		notify := v.changed()
		v.mu.Unlock()
		notify()
	}()
	if _, seen := v.byID[m.ID]; seen {
		return nil
	}
	if m.SenderID == v.Self {
		if e := v.correlate(m.Message); e != nil {
			v.confirm(e, m.Message, &m.Sender)
			return nil
		}
	}
	v.seq++
	e := &entry{item: Item{MessageView: m}, order: m.CreatedAt, seq: v.seq}
	v.byID[m.ID] = e
	v.insert(e)
	return nil
}

// Run applies events until the channel closes or ctx is done. Fetch
// failures are logged; the message reappears on the next Load.
func (v *View) Run(ctx context.Context, events <-chan feed.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := v.Apply(ctx, ev); err != nil {
				logger := v.Logger
				if logger == nil {
					logger = slog.Default()
				}
				logger.Warn("reconciler: apply event", "conversation_id", ev.ConversationID, "message_id", ev.MessageID, "error", err)
			}
		}
	}
}

// correlate finds the pending entry a row of ours belongs to: by token when
// the row carries one, else by equal content sent within the window.
func (v *View) correlate(m models.Message) *entry {
	if m.ClientToken != "" {
		if e, ok := v.byToken[m.ClientToken]; ok && e.item.Pending {
			return e
		}
		return nil
	}
	var best *entry
	for _, e := range v.entries {
		if !e.item.Pending || e.item.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(e.item.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= v.window() && (best == nil || e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// confirm turns a pending entry into the durable message m.
func (v *View) confirm(e *entry, m models.Message, sender *models.Sender) {
	if !e.item.Pending {
		return
	}
	if other, ok := v.byID[m.ID]; ok && other != e {
		// Already visible under its durable id.
		v.drop(e)
		return
	}
	v.remove(e)
	delete(v.byID, e.item.ID)
	e.item.ID = m.ID
	if !m.CreatedAt.IsZero() {
		e.item.CreatedAt = m.CreatedAt
		e.order = m.CreatedAt
	}
	if sender != nil && sender.Name != "" {
		e.item.Sender = *sender
	}
	e.item.Pending = false
	v.byID[m.ID] = e
	v.insert(e)
}

func (v *View) drop(e *entry) {
	v.remove(e)
	if v.byID[e.item.ID] == e {
		delete(v.byID, e.item.ID)
	}
	if v.byToken[e.item.ClientToken] == e {
		delete(v.byToken, e.item.ClientToken)
	}
}

func before(a, b *entry) bool {
	if !a.order.Equal(b.order) {
		return a.order.Before(b.order)
	}
	return a.seq < b.seq
}

func (v *View) insert(e *entry) {
	i := sort.Search(len(v.entries), func(i int) bool { return before(e, v.entries[i]) })
	v.entries = append(v.entries, nil)
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = e
}

func (v *View) remove(e *entry) {
	for i, x := range v.entries {
		if x == e {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
			return
		}
	}
}
