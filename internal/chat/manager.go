package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/proto"
	"github.com/petervdpas/duocall/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the number of messages kept for the current call.
const DefaultBufferSize = 200

var (
	ErrEmpty     = errors.New("message is empty")
	ErrNoSession = errors.New("no active chat session")
)

type Signaler interface {
	Send(event string, payload any) error
	Subscribe(events ...string) (<-chan proto.Event, func())
}

// Sender is the local author attached to outgoing messages.
type Sender struct {
	UserID string
	Name   string
}

// Manager keeps the chat log of the current call: capped, ordered by
// arrival and free of duplicates.
type Manager struct {
	sig   Signaler
	self  Sender
	nowFn func() time.Time

	mu        sync.RWMutex
	roomID    string
	messages  *util.RingBuffer[*Message]
	seen      map[string]struct{}
	seenOrder []string
	unread    int
	panelOpen bool
	readAt    int64
	listeners []chan *Message

	done chan struct{}
	once sync.Once
}

func New(sig Signaler, self Sender, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Manager{
		sig:      sig,
		self:     self,
		nowFn:    time.Now,
		messages: util.NewRingBuffer[*Message](bufferSize),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start consumes chat:message events until Close.
func (m *Manager) Start() {
	ch, cancel := m.sig.Subscribe(proto.EventChatMessage)
	go func() {
		defer cancel()
		for {
			select {
			case <-m.done:
				return
			case ev := <-ch:
				if msg, ok := ev.(proto.ChatMessage); ok {
					m.receive(fromPayload(msg.ChatPayload))
				}
			}
		}
	}()
}

// Begin scopes the log to roomID, discarding whatever the previous call left.
func (m *Manager) Begin(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.roomID = roomID
	log.Debugf("[%s] chat session started", roomID)
}

// End clears the log, the unread count and the dedup keys.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roomID != "" {
		log.Debugf("[%s] chat session ended", m.roomID)
	}
	m.resetLocked()
	m.roomID = ""
}

func (m *Manager) resetLocked() {
	m.messages.Reset()
	m.seen = make(map[string]struct{})
	m.seenOrder = nil
	m.unread = 0
	m.readAt = 0
}

func (m *Manager) RoomID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomID
}

// Send appends text to the local log and publishes it to the room.
func (m *Manager) Send(text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}

	m.mu.Lock()
	if m.roomID == "" {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	msg := newMessage(m.roomID, text, m.self, m.nowFn())
	m.appendLocked(msg, msg.key())
	m.mu.Unlock()

	if err := m.sig.Send(proto.EventChatMessage, msg.payload()); err != nil {
		log.Warnf("[%s] send chat message: %v", msg.RoomID, err)
		return msg, err
	}
	return msg, nil
}

func (m *Manager) receive(msg *Message) {
	m.mu.Lock()
	if m.roomID == "" {
		m.mu.Unlock()
		log.Debugf("dropping chat message outside a session")
		return
	}
	if msg.RoomID != "" && msg.RoomID != m.roomID {
		m.mu.Unlock()
		log.Debugf("[%s] dropping chat message for room %s", m.roomID, msg.RoomID)
		return
	}
	// The key comes from the fields as received; a filled-in timestamp
	// would make every id-less copy unique.
	key := msg.key()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		return
	}
	if msg.RoomID == "" {
		msg.RoomID = m.roomID
	}
	if msg.TS == 0 {
		msg.TS = m.nowFn().UnixMilli()
	}
	msg.Mine = !m.isRemote(msg)
	m.appendLocked(msg, key)
	if !msg.Mine && !m.panelOpen {
		m.unread++
	}
	m.mu.Unlock()
}

// isRemote reports whether msg was written by the other participant. The
// user id decides when the message carries one.
func (m *Manager) isRemote(msg *Message) bool {
	if msg.FromUserID != "" && m.self.UserID != "" {
		return msg.FromUserID != m.self.UserID
	}
	return msg.FromName != m.self.Name
}

func (m *Manager) appendLocked(msg *Message, key string) {
	m.remember(key)
	m.messages.Push(msg)
	for _, ch := range m.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
}

// remember records a dedup key, forgetting the oldest once the set holds
// twice the log capacity.
func (m *Manager) remember(key string) {
	m.seen[key] = struct{}{}
	m.seenOrder = append(m.seenOrder, key)
	if limit := 2 * m.messages.Cap(); len(m.seenOrder) > limit {
		drop := len(m.seenOrder) - limit
		for _, k := range m.seenOrder[:drop] {
			delete(m.seen, k)
		}
		m.seenOrder = append([]string(nil), m.seenOrder[drop:]...)
	}
}

// Messages returns the log oldest first.
func (m *Manager) Messages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages.Snapshot()
}

func (m *Manager) Unread() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unread
}

// OpenPanel marks everything read up to now.
func (m *Manager) OpenPanel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panelOpen = true
	m.unread = 0
	m.readAt = m.nowFn().UnixMilli()
}

func (m *Manager) ClosePanel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panelOpen = false
}

// ReadAt is the time the panel was last opened, in unix milliseconds.
func (m *Manager) ReadAt() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readAt
}

func (m *Manager) PanelOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.panelOpen
}

// Subscribe returns a channel that receives every accepted message.
func (m *Manager) Subscribe() chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close stops event processing and closes all listener channels.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, listener := range m.listeners {
		close(listener)
	}
	m.listeners = nil
	return nil
}
