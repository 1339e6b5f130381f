package completion

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/verdalis-ai/verdalis/services/gateway/datatypes"
	"github.com/verdalis-ai/verdalis/services/gateway/store"
	"github.com/verdalis-ai/verdalis/services/llm"
)

// fakeClient is a scriptable llm.Client.
type fakeClient struct {
	kind         datatypes.ProviderKind
	defaultModel string
	models       []string
	listErr      error

	chatFn   func(model string, msgs []datatypes.Message) (string, error)
	streamFn func(model string, msgs []datatypes.Message, cb llm.StreamCallback) error

	mu         sync.Mutex
	triedChat  []string
	lastPrompt []datatypes.Message
}

func (f *fakeClient) Kind() datatypes.ProviderKind { return f.kind }
func (f *fakeClient) DefaultModel() string         { return f.defaultModel }

func (f *fakeClient) Chat(ctx context.Context, msgs []datatypes.Message,
	opts llm.ChatOptions) (string, error) {
	f.mu.Lock()
	f.triedChat = append(f.triedChat, opts.Model)
	f.lastPrompt = msgs
	f.mu.Unlock()
	if f.chatFn != nil {
		return f.chatFn(opts.Model, msgs)
	}
	return "stub answer", nil
}

func (f *fakeClient) ChatStream(ctx context.Context, msgs []datatypes.Message,
	opts llm.ChatOptions, cb llm.StreamCallback) error {
	f.mu.Lock()
	f.triedChat = append(f.triedChat, opts.Model)
	f.lastPrompt = msgs
	f.mu.Unlock()
	if f.streamFn != nil {
		return f.streamFn(opts.Model, msgs, cb)
	}
	if err := cb(llm.StreamEvent{Content: "stub"}); err != nil {
		return err
	}
	return cb(llm.StreamEvent{Done: true})
}

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeClient) chatModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triedChat...)
}

func (f *fakeClient) prompt() []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.Message(nil), f.lastPrompt...)
}

// memStore implements both store interfaces in memory.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]datatypes.Conversation
	messages []datatypes.StoredMessage
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[string]datatypes.Conversation)}
}

func (m *memStore) Create(ctx context.Context, conv *datatypes.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	m.convs[conv.ID] = *conv
	return nil
}

func (m *memStore) Get(ctx context.Context, ownerID, conversationID string) (*datatypes.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok || conv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	out := conv
	return &out, nil
}

func (m *memStore) SetTitle(ctx context.Context, ownerID, conversationID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok || conv.OwnerID != ownerID {
		return store.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	m.convs[conversationID] = conv
	return nil
}

func (m *memStore) Touch(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[conversationID]; ok {
		conv.UpdatedAt = time.Now()
		m.convs[conversationID] = conv
	}
	return nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) ([]datatypes.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datatypes.Conversation
	for _, conv := range m.convs {
		if conv.OwnerID == ownerID && conv.Provider == provider {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, ownerID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[conversationID]
	if !ok || conv.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(m.convs, conversationID)
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ConversationID != conversationID {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

func (m *memStore) DeleteAllByOwner(ctx context.Context, ownerID string,
	provider datatypes.ProviderKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, conv := range m.convs {
		if conv.OwnerID == ownerID && conv.Provider == provider {
			delete(m.convs, id)
			count++
		}
	}
	return count, nil
}

func (m *memStore) Append(ctx context.Context, msg *datatypes.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) ListOrdered(ctx context.Context, conversationID string) ([]datatypes.StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datatypes.StoredMessage
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) DeleteMostRecentAssistant(ctx context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.ConversationID == conversationID && msg.Role == datatypes.RoleAssistant {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ExistsWithText(ctx context.Context, conversationID, role, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.Role == role && msg.Text == text {
			return true, nil
		}
	}
	return false, nil
}

// fakeRetriever returns scripted chunks or an error.
type fakeRetriever struct {
	chunks []datatypes.RetrievalChunk
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(ctx context.Context,
	req datatypes.RetrievalRequest) (*datatypes.RetrievalResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.RetrievalResponse{Chunks: f.chunks}, nil
}

// collectSink records relayed events; failAfter > 0 makes Token fail
// after that many tokens, simulating a client disconnect.
type collectSink struct {
	statuses  []string
	tokens    []string
	doneHash  string
	doneModel string
	failAfter int
}

var errSinkClosed = errors.New("sink closed")

func (c *collectSink) Status(message string) error {
	c.statuses = append(c.statuses, message)
	return nil
}

func (c *collectSink) Token(content string) error {
	if c.failAfter > 0 && len(c.tokens) >= c.failAfter {
		return errSinkClosed
	}
	c.tokens = append(c.tokens, content)
	return nil
}

func (c *collectSink) Done(hash, model string) error {
	c.doneHash = hash
	c.doneModel = model
	return nil
}
