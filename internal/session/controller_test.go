package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/models"
	"jarvis/internal/service/completion"
	"jarvis/internal/storage"
)

type completeCall struct {
	systemPrompt string
	history      []models.Message
	newMessage   string
	temperature  float64
}

type fakeCompleter struct {
	mu      sync.Mutex
	replies []string
	calls   []completeCall

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	observe     func()
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt string, history []models.Message, newMessage string, temperature float64) string {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.observe != nil {
		f.observe()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, completeCall{
		systemPrompt: systemPrompt,
		history:      append([]models.Message(nil), history...),
		newMessage:   newMessage,
		temperature:  temperature,
	})
	if len(f.replies) == 0 {
		return "reply to " + newMessage
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply
}

type recordingNotifier struct {
	mu        sync.Mutex
	refreshes []string
	storeErrs []error
}

func (n *recordingNotifier) Refresh(reason string) {
	n.mu.Lock()
	n.refreshes = append(n.refreshes, reason)
	n.mu.Unlock()
}

func (n *recordingNotifier) ReportStorageError(_ context.Context, err error) {
	n.mu.Lock()
	n.storeErrs = append(n.storeErrs, err)
	n.mu.Unlock()
}

type failingStore struct {
	*storage.HistoryStore
	appendErr error
	clearErr  error
}

func (s *failingStore) Append(ctx context.Context, rec models.HistoryRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.HistoryStore.Append(ctx, rec)
}

func (s *failingStore) Clear(ctx context.Context) error {
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.HistoryStore.Clear(ctx)
}

func newStore(t *testing.T) *storage.HistoryStore {
	t.Helper()
	store := storage.NewHistoryStore("sqlite3", filepath.Join(t.TempDir(), "chat_history.db"))
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func newController(t *testing.T, client Completer, store Store, opts Options) (*Controller, *recordingNotifier) {
	t.Helper()
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are Jarvis."
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	notifier := &recordingNotifier{}
	c, err := New(context.Background(), client, store, notifier, opts)
	require.NoError(t, err)
	return c, notifier
}

func TestSubmitSingleExchange(t *testing.T) {
	client := &fakeCompleter{replies: []string{"Hi there"}}
	store := newStore(t)
	c, notifier := newController(t, client, store, Options{})
	ctx := context.Background()

	ex, err := c.Submit(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", ex.Reply)
	assert.Equal(t, Idle, c.State())

	assert.Equal(t, []models.Message{
		models.NewUserMessage("Hello"),
		models.NewAssistantMessage("Hi there"),
	}, c.Conversation())

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Hello", records[0].UserMessage)
	assert.Equal(t, "Hi there", records[0].BotResponse)
	assert.Equal(t, ex.Record, records[0])

	require.Len(t, client.calls, 1)
	assert.Equal(t, "You are Jarvis.", client.calls[0].systemPrompt)
	assert.Empty(t, client.calls[0].history)
	assert.Equal(t, "Hello", client.calls[0].newMessage)
	assert.InDelta(t, 0.7, client.calls[0].temperature, 1e-9)

	assert.Equal(t, []string{"exchange"}, notifier.refreshes)
}

func TestSubmitBlankInputIsNoop(t *testing.T) {
	client := &fakeCompleter{}
	store := newStore(t)
	c, notifier := newController(t, client, store, Options{})

	for _, input := range []string{"", "   ", "\n\t "} {
		_, err := c.Submit(context.Background(), input)
		assert.ErrorIs(t, err, ErrEmptyInput)
	}

	assert.Empty(t, c.Conversation())
	assert.Empty(t, client.calls)
	assert.Empty(t, notifier.refreshes)
	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, Idle, c.State())
}

func TestSubmitHistoryExcludesNewMessage(t *testing.T) {
	client := &fakeCompleter{}
	c, _ := newController(t, client, newStore(t), Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := c.Submit(ctx, fmt.Sprintf("q%d", i))
		require.NoError(t, err)
	}

	require.Len(t, client.calls, 3)
	third := client.calls[2]
	assert.Equal(t, "q3", third.newMessage)
	assert.Equal(t, []models.Message{
		models.NewUserMessage("q1"),
		models.NewAssistantMessage("reply to q1"),
		models.NewUserMessage("q2"),
		models.NewAssistantMessage("reply to q2"),
	}, third.history)
}

func TestSubmitAlternatesRoles(t *testing.T) {
	c, _ := newController(t, &fakeCompleter{}, newStore(t), Options{})
	for i := 0; i < 4; i++ {
		_, err := c.Submit(context.Background(), "msg")
		require.NoError(t, err)
	}

	conv := c.Conversation()
	require.Len(t, conv, 8)
	for i, m := range conv {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		assert.Equal(t, want, m.Role, "message %d", i)
	}
}

func TestSubmitRemoteFailureStoresFallback(t *testing.T) {
	client := &fakeCompleter{replies: []string{completion.FallbackResponse}}
	store := newStore(t)
	c, _ := newController(t, client, store, Options{})
	ctx := context.Background()

	ex, err := c.Submit(ctx, "Hello")
	require.NoError(t, err)
	assert.Equal(t, completion.FallbackResponse, ex.Reply)

	conv := c.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, completion.FallbackResponse, conv[1].Content)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Hello", records[0].UserMessage)
	assert.Equal(t, completion.FallbackResponse, records[0].BotResponse)
}

func TestSubmitStorageFailureKeepsConversation(t *testing.T) {
	boom := &storage.StorageError{Op: "append", Err: errors.New("database is locked")}
	store := &failingStore{HistoryStore: newStore(t), appendErr: boom}
	c, notifier := newController(t, &fakeCompleter{replies: []string{"Hi"}}, store, Options{})

	ex, err := c.Submit(context.Background(), "Hello")
	require.Error(t, err)
	var storageErr *storage.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "Hi", ex.Reply)

	assert.Len(t, c.Conversation(), 2, "conversation is not rolled back")
	require.Len(t, notifier.storeErrs, 1)
	assert.Equal(t, []string{"exchange"}, notifier.refreshes)
	assert.Equal(t, Idle, c.State())
}

func TestClearEmptiesBoth(t *testing.T) {
	store := newStore(t)
	c, notifier := newController(t, &fakeCompleter{}, store, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Submit(ctx, "hi")
		require.NoError(t, err)
	}

	require.NoError(t, c.Clear(ctx))

	assert.Empty(t, c.Conversation())
	records, err := c.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, "clear", notifier.refreshes[len(notifier.refreshes)-1])
}

func TestClearStorageFailureStillResetsConversation(t *testing.T) {
	store := &failingStore{HistoryStore: newStore(t), clearErr: errors.New("readonly database")}
	c, notifier := newController(t, &fakeCompleter{}, store, Options{})
	_, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)

	err = c.Clear(context.Background())
	require.Error(t, err)
	assert.Empty(t, c.Conversation())
	assert.Len(t, notifier.storeErrs, 1)
}

func TestResetConversationAfterRemoteClear(t *testing.T) {
	store := newStore(t)
	c, notifier := newController(t, &fakeCompleter{}, store, Options{})
	ctx := context.Background()

	_, err := c.Submit(ctx, "Hello")
	require.NoError(t, err)
	require.Len(t, c.Conversation(), 2)

	// another process empties the shared log
	require.NoError(t, store.Clear(ctx))
	c.ResetConversation()

	assert.Empty(t, c.Conversation())
	records, err := c.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, []string{"exchange"}, notifier.refreshes)

	_, err = c.Submit(ctx, "Again")
	require.NoError(t, err)
	assert.Len(t, c.Conversation(), 2)
}

func TestPromptChangesApplyToNextSubmission(t *testing.T) {
	client := &fakeCompleter{}
	c, _ := newController(t, client, newStore(t), Options{})

	c.SetSystemPrompt("Answer in French.")
	require.NoError(t, c.SetTemperature(0.1))
	_, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	assert.Equal(t, "Answer in French.", client.calls[0].systemPrompt)
	assert.InDelta(t, 0.1, client.calls[0].temperature, 1e-9)
	assert.Equal(t, models.SystemPromptConfig{PromptText: "Answer in French.", Temperature: 0.1}, c.PromptConfig())
}

func TestSetTemperatureRejectsOutOfRange(t *testing.T) {
	c, _ := newController(t, &fakeCompleter{}, newStore(t), Options{})

	assert.ErrorIs(t, c.SetTemperature(-0.1), ErrInvalidTemperature)
	assert.ErrorIs(t, c.SetTemperature(1.01), ErrInvalidTemperature)
	require.NoError(t, c.SetTemperature(0))
	require.NoError(t, c.SetTemperature(1))
	assert.InDelta(t, 1.0, c.PromptConfig().Temperature, 1e-9)

	_, err := New(context.Background(), &fakeCompleter{}, newStore(t), &recordingNotifier{}, Options{Temperature: 2})
	assert.ErrorIs(t, err, ErrInvalidTemperature)
}

func TestRehydrateSeedsConversation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, store.NewRecord("old question", "old answer")))

	fresh, _ := newController(t, &fakeCompleter{}, store, Options{})
	assert.Empty(t, fresh.Conversation())

	client := &fakeCompleter{}
	c, _ := newController(t, client, store, Options{Rehydrate: true})
	assert.Len(t, c.Conversation(), 2)

	_, err := c.Submit(ctx, "new question")
	require.NoError(t, err)
	assert.Equal(t, []models.Message{
		models.NewUserMessage("old question"),
		models.NewAssistantMessage("old answer"),
	}, client.calls[0].history)
}

func TestSubmissionsAreSerialized(t *testing.T) {
	client := &fakeCompleter{delay: 20 * time.Millisecond}
	store := newStore(t)
	c, _ := newController(t, client, store, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.maxInFlight.Load())
	assert.Len(t, c.Conversation(), 10)
	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestStateIsRequestInFlightDuringCompletion(t *testing.T) {
	client := &fakeCompleter{}
	c, _ := newController(t, client, newStore(t), Options{})
	var seen State
	client.observe = func() { seen = c.State() }

	_, err := c.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, RequestInFlight, seen)
	assert.Equal(t, Idle, c.State())
}

func TestSessionIDGenerated(t *testing.T) {
	c, _ := newController(t, &fakeCompleter{}, newStore(t), Options{})
	assert.Len(t, c.SessionID(), 36)

	named, _ := newController(t, &fakeCompleter{}, newStore(t), Options{SessionID: "fixed"})
	assert.Equal(t, "fixed", named.SessionID())
}
