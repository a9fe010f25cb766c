package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ragpile/ragpile/pkg/ragpile/bus"
	"github.com/ragpile/ragpile/pkg/ragpile/channels"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
)

type fakeChannel struct {
	name   string
	limit  int
	markup channels.Markup

	mu   sync.Mutex
	sent []sentMsg
	done chan struct{}
}

type sentMsg struct {
	to      string
	content string
}

func (f *fakeChannel) Name() string                  { return f.name }
func (f *fakeChannel) Connect(context.Context) error { return nil }
func (f *fakeChannel) Disconnect() error             { return nil }
func (f *fakeChannel) IsConnected() bool             { return true }
func (f *fakeChannel) MaxMessageLen() int            { return f.limit }
func (f *fakeChannel) Markup() channels.Markup       { return f.markup }
func (f *fakeChannel) Receive() <-chan *channels.IncomingMessage {
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{to: to, content: msg.Content})
	f.mu.Unlock()
	if f.done != nil {
		select {
		case f.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeChannel) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type userStore struct {
	store.Store
	users map[string]*store.User
}

func (s *userStore) GetUser(_ context.Context, id string) (*store.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func telegramUser(chatID string) *store.User {
	return &store.User{
		ID:           "u1",
		Integrations: store.Integrations{"tg": {"chat_id": chatID}},
	}
}

// newTestWorker creates a worker, registering ch's queue on the bus.
func newTestWorker(t *testing.T, b *bus.Bus, st store.Store, ch channels.Channel) *Worker {
	t.Helper()
	w, err := NewWorker(b, st, ch, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

// runWorker starts w and returns after the bus drains.
func runWorker(t *testing.T, b *bus.Bus, w *Worker) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	b.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after shutdown")
	}
}

func put(t *testing.T, b *bus.Bus, env bus.Envelope) {
	t.Helper()
	if err := b.Put(env); err != nil {
		t.Fatal(err)
	}
}

func TestDeliver_MarkdownPassthrough(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 2000, markup: channels.MarkupMarkdown}
	st := &userStore{users: map[string]*store.User{"u1": telegramUser("chat9")}}
	w := newTestWorker(t, b, st, ch)
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "hello **world**"}})

	runWorker(t, b, w)

	sent := ch.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].to != "chat9" || sent[0].content != "hello **world**" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestDeliver_HTMLConversionAndBalance(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 4096, markup: channels.MarkupHTML}
	st := &userStore{users: map[string]*store.User{"u1": telegramUser("c1")}}
	w := newTestWorker(t, b, st, ch)
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "say **hi** to a<b"}})

	runWorker(t, b, w)

	sent := ch.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	want := "say <b>hi</b> to a&lt;b"
	if sent[0].content != want {
		t.Errorf("content = %q, want %q", sent[0].content, want)
	}
}

func TestDeliver_ChunksLongMessages(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 10, markup: channels.MarkupMarkdown}
	st := &userStore{users: map[string]*store.User{"u1": telegramUser("c1")}}
	w := newTestWorker(t, b, st, ch)
	long := strings.Repeat("abcde", 5) // 25 chars over a 10 char limit
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: long}})

	runWorker(t, b, w)

	sent := ch.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("sent %d chunks, want 3", len(sent))
	}
	var joined string
	for _, m := range sent {
		if len(m.content) > 10 {
			t.Errorf("chunk %q exceeds the limit", m.content)
		}
		joined += m.content
	}
	if joined != long {
		t.Error("chunks do not reassemble the original text")
	}
}

func TestDeliver_SkipsToolAndEmpty(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 4096, markup: channels.MarkupMarkdown}
	st := &userStore{users: map[string]*store.User{"u1": telegramUser("c1")}}
	w := newTestWorker(t, b, st, ch)
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleTool, Kind: bus.KindTool, Content: "tool call result"}})
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "   \n  "}})
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "real answer"}})

	runWorker(t, b, w)

	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0].content != "real answer" {
		t.Errorf("sent = %+v, want only the real answer", sent)
	}
}

func TestDeliver_SkipsUsersWithoutChatHandle(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 4096, markup: channels.MarkupMarkdown}
	st := &userStore{users: map[string]*store.User{
		"u1": {ID: "u1", Integrations: store.Integrations{}},
	}}
	w := newTestWorker(t, b, st, ch)
	put(t, b, bus.Envelope{UserID: "u1", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "hi"}})

	runWorker(t, b, w)

	if sent := ch.sentMessages(); len(sent) != 0 {
		t.Errorf("sent = %+v, want nothing", sent)
	}
}

func TestDeliver_BadSendDoesNotWedgeQueue(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 4096, markup: channels.MarkupMarkdown}
	// First envelope references a missing user, second a real one.
	st := &userStore{users: map[string]*store.User{"u2": {
		ID:           "u2",
		Integrations: store.Integrations{"tg": {"chat_id": "c2"}},
	}}}
	w := newTestWorker(t, b, st, ch)
	put(t, b, bus.Envelope{UserID: "missing", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "lost"}})
	put(t, b, bus.Envelope{UserID: "u2", Payload: bus.Payload{Role: bus.RoleAssistant, Kind: bus.KindText, Content: "delivered"}})

	runWorker(t, b, w)

	sent := ch.sentMessages()
	if len(sent) != 1 || sent[0].content != "delivered" {
		t.Errorf("sent = %+v, want the second envelope only", sent)
	}
}

func TestNewWorker_RejectsSecondWorkerForChannel(t *testing.T) {
	t.Parallel()

	b := bus.New()
	ch := &fakeChannel{name: "tg", limit: 4096, markup: channels.MarkupMarkdown}
	st := &userStore{users: map[string]*store.User{}}

	if _, err := NewWorker(b, st, ch, nil); err != nil {
		t.Fatalf("first worker: %v", err)
	}
	// Each queue has exactly one owner; a duplicate is a wiring bug.
	if _, err := NewWorker(b, st, ch, nil); !errors.Is(err, bus.ErrAlreadyRegistered) {
		t.Fatalf("second worker = %v, want ErrAlreadyRegistered", err)
	}
}
