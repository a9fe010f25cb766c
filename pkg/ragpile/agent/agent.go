// Package agent routes incoming channel messages through the LLM and
// puts the replies on the bus. The agent never talks to a platform
// directly; delivery workers own that side.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ragpile/ragpile/pkg/ragpile/bus"
	"github.com/ragpile/ragpile/pkg/ragpile/channels"
	"github.com/ragpile/ragpile/pkg/ragpile/llm"
	"github.com/ragpile/ragpile/pkg/ragpile/session"
	"github.com/ragpile/ragpile/pkg/ragpile/store"
	"github.com/ragpile/ragpile/pkg/ragpile/tools"
)

const (
	// maxToolRounds bounds the tool-call loop within one turn.
	maxToolRounds = 8

	// maxHistoryMessages caps the per-session context window.
	maxHistoryMessages = 40

	welcomeText = "Hi! I'm your assistant. Ask me anything, or use /clear to start a fresh conversation."
	clearedText = "Conversation cleared. The next message starts fresh."
	failureText = "Sorry, something went wrong while answering. Please try again."
)

// Completer is the slice of the LLM client the agent needs.
type Completer interface {
	CompleteWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Response, error)
}

// Agent turns incoming messages into bus envelopes.
type Agent struct {
	llm      Completer
	store    store.Store
	sessions *session.Manager
	bus      *bus.Bus
	registry *tools.Registry
	log      *slog.Logger

	systemPrompt string

	// history holds the conversation context per session id. When a
	// user's session rotates, the old session's entry is evicted, so
	// the map holds at most one entry per active user.
	mu          sync.Mutex
	history     map[string][]llm.Message
	lastSession map[string]string // user id -> most recent session id
}

// New creates an Agent.
func New(c Completer, st store.Store, sm *session.Manager, b *bus.Bus, reg *tools.Registry, systemPrompt string, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		llm:          c,
		store:        st,
		sessions:     sm,
		bus:          b,
		registry:     reg,
		log:          log.With("component", "agent"),
		systemPrompt: systemPrompt,
		history:      make(map[string][]llm.Message),
		lastSession:  make(map[string]string),
	}
}

// Run consumes messages from ch until the context is cancelled.
func (a *Agent) Run(ctx context.Context, ch channels.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			if err := a.HandleIncoming(ctx, msg); err != nil {
				a.log.Error("message handling failed",
					"channel", msg.Channel, "from", msg.From, "error", err)
			}
		}
	}
}

// HandleIncoming processes one message from a channel: it resolves the
// sending user (creating one on first contact), handles the command
// verbs, and otherwise runs an agent turn.
func (a *Agent) HandleIncoming(ctx context.Context, msg *channels.IncomingMessage) error {
	user, err := a.resolveUser(ctx, msg)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	switch strings.TrimSpace(msg.Content) {
	case "/start":
		// The chat handle was recorded by resolveUser; just greet.
		return a.put(user.ID, bus.RoleAssistant, bus.KindText, welcomeText)
	case "/clear":
		if err := a.sessions.Clear(ctx, user); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		return a.put(user.ID, bus.RoleAssistant, bus.KindText, clearedText)
	}

	return a.respond(ctx, user, msg.Content)
}

// resolveUser finds the user behind a platform account, creating one on
// first contact and keeping the chat handle current so delivery knows
// where to send replies.
func (a *Agent) resolveUser(ctx context.Context, msg *channels.IncomingMessage) (*store.User, error) {
	user, err := a.store.FindUserByIntegration(ctx, msg.Channel, "account_id", msg.From)
	switch {
	case err == nil:
		if user.Integrations.Get(msg.Channel, "chat_id") != msg.ChatID {
			user.Integrations.Set(msg.Channel, "chat_id", msg.ChatID)
			if err := a.store.UpdateUserIntegrations(ctx, user); err != nil {
				return nil, err
			}
		}
		return user, nil
	case errors.Is(err, store.ErrNotFound):
		user = &store.User{
			ID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
			Name: msg.FromName,
			Integrations: store.Integrations{
				msg.Channel: {
					"account_id": msg.From,
					"chat_id":    msg.ChatID,
				},
			},
		}
		if err := a.store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		a.log.Info("new user registered", "user", user.ID, "channel", msg.Channel)
		return user, nil
	default:
		return nil, err
	}
}

// respond runs one agent turn: resolve the session, call the LLM with
// the user's tool bindings, execute requested tools, and put the final
// reply on the bus. A failed turn still produces a message so the user
// is never left waiting on silence.
func (a *Agent) respond(ctx context.Context, user *store.User, text string) error {
	sessionID, err := a.sessions.GetOrCreate(ctx, user)
	if err != nil {
		a.putFailure(user.ID)
		return fmt.Errorf("resolve session: %w", err)
	}
	a.evictRotated(user.ID, sessionID)

	bound := a.registry.Bind(user.ID)
	defs := toolDefinitions(bound)

	messages := a.contextFor(sessionID, text)

	var reply string
	for round := 0; ; round++ {
		resp, err := a.llm.CompleteWithTools(ctx, messages, defs)
		if err != nil {
			a.putFailure(user.ID)
			return fmt.Errorf("llm turn: %w", err)
		}
		if len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			reply = resp.Content
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    a.runTool(ctx, bound, call),
			})
		}
	}

	a.remember(sessionID, text, reply)
	return a.put(user.ID, bus.RoleAssistant, bus.KindText, reply)
}

// runTool executes one requested tool call. Errors are reported back
// to the model as the tool result, not surfaced to the user.
func (a *Agent) runTool(ctx context.Context, bound map[string]tools.Bound, call llm.ToolCall) string {
	tool, ok := bound[call.Function.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid arguments: %v", err)
		}
	}

	out, err := tool.Run(ctx, args)
	if err != nil {
		a.log.Warn("tool call failed", "tool", call.Function.Name, "error", err)
		return "error: " + err.Error()
	}
	return out
}

// evictRotated drops the history of the user's previous session once a
// new one replaces it. Without this, histories of expired sessions pile
// up for as long as the process runs.
func (a *Agent) evictRotated(userID, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.lastSession[userID]; ok && prev != sessionID {
		delete(a.history, prev)
	}
	a.lastSession[userID] = sessionID
}

// contextFor builds the message list for one turn.
func (a *Agent) contextFor(sessionID, text string) []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := make([]llm.Message, 0, len(a.history[sessionID])+2)
	if a.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: a.systemPrompt})
	}
	messages = append(messages, a.history[sessionID]...)
	return append(messages, llm.Message{Role: "user", Content: text})
}

// remember appends the exchange to the session's history, dropping the
// oldest entries past the cap.
func (a *Agent) remember(sessionID, userText, reply string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.history[sessionID],
		llm.Message{Role: "user", Content: userText},
		llm.Message{Role: "assistant", Content: reply},
	)
	if len(h) > maxHistoryMessages {
		h = h[len(h)-maxHistoryMessages:]
	}
	a.history[sessionID] = h
}

func (a *Agent) put(userID, role string, kind bus.Kind, content string) error {
	return a.bus.Put(bus.Envelope{
		UserID:  userID,
		Payload: bus.Payload{Role: role, Kind: kind, Content: content},
	})
}

func (a *Agent) putFailure(userID string) {
	if err := a.put(userID, bus.RoleAssistant, bus.KindText, failureText); err != nil {
		a.log.Error("failed to enqueue failure notice", "user", userID, "error", err)
	}
}

// openArgsSchema accepts any JSON object; tools validate their own args.
var openArgsSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

// toolDefinitions converts bound tools to wire definitions in stable
// name order.
func toolDefinitions(bound map[string]tools.Bound) []llm.ToolDefinition {
	if len(bound) == 0 {
		return nil
	}
	names := make([]string, 0, len(bound))
	for name := range bound {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        name,
				Description: bound[name].Description,
				Parameters:  openArgsSchema,
			},
		})
	}
	return defs
}
