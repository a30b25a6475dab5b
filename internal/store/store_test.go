package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/permissions"
	"messaging-service/internal/repositories"
)

// fakeRepo is an in-memory conversation + message repository that mirrors the
// transactional semantics of the sqlx implementation.
type fakeRepo struct {
	mu    sync.Mutex
	convs map[string]models.Conversation
	parts map[string][]models.Participant
	msgs  map[string][]*models.Message // per conversation, arrival order
	byID  map[string]*models.Message
	reads map[string]map[string]time.Time // message id -> reader -> at
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		convs: map[string]models.Conversation{},
		parts: map[string][]models.Participant{},
		msgs:  map[string][]*models.Message{},
		byID:  map[string]*models.Message{},
		reads: map[string]map[string]time.Time{},
	}
}

func (f *fakeRepo) CreateConversation(_ context.Context, conv models.Conversation, participantIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conv.ID] = conv
	for _, id := range participantIDs {
		f.parts[conv.ID] = append(f.parts[conv.ID], models.Participant{ConversationID: conv.ID, UserID: id, JoinedAt: time.Now()})
	}
	return nil
}

func (f *fakeRepo) GetConversation(_ context.Context, conversationID string) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeRepo) FindDirectConversation(_ context.Context, userA, userB string) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, conv := range f.convs {
		if conv.Type != models.ConversationDirect {
			continue
		}
		found := 0
		for _, p := range f.parts[id] {
			if p.UserID == userA || p.UserID == userB {
				found++
			}
		}
		if found == 2 {
			return conv, nil
		}
	}
	return models.Conversation{}, repositories.ErrConversationNotFound
}

func (f *fakeRepo) GetParticipants(_ context.Context, conversationID string) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Participant, len(f.parts[conversationID]))
	copy(out, f.parts[conversationID])
	return out, nil
}

func (f *fakeRepo) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) ListConversationsForUser(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	return nil, nil
}

func (f *fakeRepo) SetMuted(_ context.Context, conversationID, userID string, muted bool) error {
	return f.setFlag(conversationID, userID, func(p *models.Participant) { p.IsMuted = muted })
}

func (f *fakeRepo) SetArchived(_ context.Context, conversationID, userID string, archived bool) error {
	return f.setFlag(conversationID, userID, func(p *models.Participant) { p.IsArchived = archived })
}

func (f *fakeRepo) setFlag(conversationID, userID string, apply func(*models.Participant)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.parts[conversationID] {
		if f.parts[conversationID][i].UserID == userID {
			apply(&f.parts[conversationID][i])
			return nil
		}
	}
	return repositories.ErrConversationNotFound
}

func (f *fakeRepo) AppendMessage(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[msg.ConversationID]
	if !ok {
		return repositories.ErrConversationNotFound
	}

	stored := msg
	f.msgs[msg.ConversationID] = append(f.msgs[msg.ConversationID], &stored)
	f.byID[msg.ID] = &stored

	conv.TotalMessages++
	conv.LastMessageContent = &stored.Content
	conv.LastMessageAt = &stored.CreatedAt
	conv.LastMessageBy = &stored.SenderID
	f.convs[msg.ConversationID] = conv

	for i := range f.parts[msg.ConversationID] {
		if f.parts[msg.ConversationID][i].UserID != msg.SenderID {
			f.parts[msg.ConversationID][i].UnreadCount++
		}
	}
	return nil
}

func (f *fakeRepo) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return *msg, nil
}

func (f *fakeRepo) History(_ context.Context, conversationID, requesterID string, before time.Time, beforeID string, limit int, editGrace time.Duration) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[conversationID]
	var out []models.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if !m.CreatedAt.Before(before) {
			continue
		}
		if m.DeletedAt != nil && (m.SenderID != requesterID || m.DeletedAt.Before(time.Now().Add(-editGrace))) {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeRepo) MarkRead(_ context.Context, conversationID, userID string, upToMessageID string, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bound := at
	if upToMessageID != "" {
		msg, ok := f.byID[upToMessageID]
		if !ok || msg.ConversationID != conversationID {
			return nil, repositories.ErrMessageNotFound
		}
		bound = msg.CreatedAt
	}

	var readIDs []string
	for _, m := range f.msgs[conversationID] {
		if m.SenderID == userID || m.CreatedAt.After(bound) || m.DeletedAt != nil {
			continue
		}
		if f.reads[m.ID] == nil {
			f.reads[m.ID] = map[string]time.Time{}
		}
		if _, seen := f.reads[m.ID][userID]; seen {
			continue
		}
		f.reads[m.ID][userID] = at
		readIDs = append(readIDs, m.ID)

		if len(f.reads[m.ID]) >= len(f.parts[conversationID])-1 && m.Status != models.StatusFailed {
			m.Status = models.StatusRead
			m.IsRead = true
			readAt := at
			m.ReadAt = &readAt
		}
	}

	for i := range f.parts[conversationID] {
		if f.parts[conversationID][i].UserID == userID {
			f.parts[conversationID][i].UnreadCount = 0
		}
	}
	return readIDs, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, messageID string, status models.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.byID[messageID]
	if !ok {
		return repositories.ErrMessageNotFound
	}
	if msg.Status.CanTransitionTo(status) {
		msg.Status = status
	}
	return nil
}

func (f *fakeRepo) unread(conversationID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parts[conversationID] {
		if p.UserID == userID {
			return p.UnreadCount
		}
	}
	return -1
}

func newTestStore(repo *fakeRepo) *Store {
	return New(repo, repo, permissions.NewEngine(nil), nil, WithRetries(1), WithHistoryPageSize(10))
}

func seedDirect(t *testing.T, st *Store, repo *fakeRepo, a, b string) string {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(),
		User{ID: a, Name: a, Role: models.RoleTeacher},
		[]ParticipantInfo{{ID: b, Role: models.RoleStudent}},
		models.ConversationDirect)
	require.NoError(t, err)
	drainEvents(st)
	return conv.ID
}

func drainEvents(st *Store) {
	for {
		select {
		case <-st.Events():
		default:
			return
		}
	}
}

func TestSendMessageRejectsOversizedContent(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	_, err := st.SendMessage(context.Background(), convID,
		User{ID: "teacher-1", Role: models.RoleTeacher},
		strings.Repeat("a", models.MaxContentLength+1), models.MessageTypeText, nil)
	assert.ErrorIs(t, err, ErrContentTooLong)

	// Exactly at the bound is fine, counted in code points rather than bytes.
	_, err = st.SendMessage(context.Background(), convID,
		User{ID: "teacher-1", Role: models.RoleTeacher},
		strings.Repeat("ä", models.MaxContentLength), models.MessageTypeText, nil)
	assert.NoError(t, err)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	_, err := st.SendMessage(context.Background(), convID,
		User{ID: "intruder", Role: models.RoleAdmin}, "hello", models.MessageTypeText, nil)
	assert.ErrorIs(t, err, ErrNotAParticipant)
	assert.Equal(t, 0, repo.unread(convID, "student-1"))
}

func TestSendMessageSideEffectsAreAtomic(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	msg, err := st.SendMessage(context.Background(), convID,
		User{ID: "teacher-1", Name: "Ms. Adams", Role: models.RoleTeacher},
		"please submit the justification", models.MessageTypeText, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	require.NotNil(t, msg.RecipientID)
	assert.Equal(t, "student-1", *msg.RecipientID)

	conv, err := repo.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conv.TotalMessages)
	require.NotNil(t, conv.LastMessageContent)
	assert.Equal(t, "please submit the justification", *conv.LastMessageContent)
	assert.Equal(t, 1, repo.unread(convID, "student-1"))
	assert.Equal(t, 0, repo.unread(convID, "teacher-1"))

	ev := <-st.Events()
	assert.Equal(t, EventMessage, ev.Kind)
	assert.ElementsMatch(t, []string{"teacher-1", "student-1"}, ev.ParticipantIDs)
	assert.Equal(t, msg.ID, ev.Message.ID)
}

func TestSendMessageRechecksRecipientRole(t *testing.T) {
	repo := newFakeRepo()
	// Seeded directly: the pairing predates the current role policy.
	require.NoError(t, repo.CreateConversation(context.Background(),
		models.Conversation{ID: "legacy-1", Type: models.ConversationDirect, IsActive: true},
		[]string{"s1", "s2"}))

	roles := new(mocks.RoleLookupMock)
	roles.On("Role", mock.Anything, "s2").Return(models.RoleStudent, nil)
	st := New(repo, repo, permissions.NewEngine(nil), roles, WithRetries(1))

	_, err := st.SendMessage(context.Background(), "legacy-1",
		User{ID: "s1", Role: models.RoleStudent}, "hi", models.MessageTypeText, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	roles.AssertExpectations(t)
}

func TestSendMessageRejectsCrossConversationReply(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convA := seedDirect(t, st, repo, "teacher-1", "student-1")
	convB := seedDirect(t, st, repo, "teacher-1", "student-2")

	msg, err := st.SendMessage(context.Background(), convA,
		User{ID: "teacher-1", Role: models.RoleTeacher}, "hi", models.MessageTypeText, nil)
	require.NoError(t, err)
	drainEvents(st)

	_, err = st.SendMessage(context.Background(), convB,
		User{ID: "teacher-1", Role: models.RoleTeacher}, "reply", models.MessageTypeText, &msg.ID)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestConcurrentSendsNeverLoseCounterUpdates(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	done := make(chan struct{})
	go func() { // keep the event stream drained
		for {
			select {
			case <-st.Events():
			case <-done:
				return
			}
		}
	}()

	const sends = 50
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.SendMessage(context.Background(), convID,
				User{ID: "teacher-1", Role: models.RoleTeacher}, "msg", models.MessageTypeText, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(done)

	conv, err := repo.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, int64(sends), conv.TotalMessages)
	assert.Equal(t, sends, repo.unread(convID, "student-1"))
}

func TestMarkReadUpToMessage(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")
	sender := User{ID: "teacher-1", Role: models.RoleTeacher}

	m1, err := st.SendMessage(context.Background(), convID, sender, "one", models.MessageTypeText, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	m2, err := st.SendMessage(context.Background(), convID, sender, "two", models.MessageTypeText, nil)
	require.NoError(t, err)
	drainEvents(st)

	readIDs, err := st.MarkRead(context.Background(), convID, "student-1", m2.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, readIDs)
	assert.Equal(t, 0, repo.unread(convID, "student-1"))

	got, err := repo.GetMessage(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.True(t, got.IsRead)
	drainEvents(st)

	// Scenario: a third message after mark-read leaves exactly one unread.
	time.Sleep(time.Millisecond)
	_, err = st.SendMessage(context.Background(), convID, sender, "three", models.MessageTypeText, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.unread(convID, "student-1"))
}

func TestMarkReadRequiresMembership(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	_, err := st.MarkRead(context.Background(), convID, "intruder", "")
	assert.ErrorIs(t, err, ErrNotAParticipant)
}

func TestOfflineRecipientSeesUnreadUntilMarkRead(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "user-a", "user-b")

	_, err := st.SendMessage(context.Background(), convID,
		User{ID: "user-a", Role: models.RoleTeacher}, "hello", models.MessageTypeText, nil)
	require.NoError(t, err)
	drainEvents(st)

	// user-b connects later and loads history: the message is there, unread.
	msgs, _, err := st.GetHistory(context.Background(), convID, "user-b", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.NotEqual(t, models.StatusRead, msgs[0].Status)
	assert.Equal(t, 1, repo.unread(convID, "user-b"))

	_, err = st.MarkRead(context.Background(), convID, "user-b", "")
	require.NoError(t, err)
	assert.Equal(t, 0, repo.unread(convID, "user-b"))
}

func TestGetHistoryPaginates(t *testing.T) {
	repo := newFakeRepo()
	st := New(repo, repo, permissions.NewEngine(nil), nil, WithHistoryPageSize(2))
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")
	sender := User{ID: "teacher-1", Role: models.RoleTeacher}

	for _, content := range []string{"one", "two", "three"} {
		_, err := st.SendMessage(context.Background(), convID, sender, content, models.MessageTypeText, nil)
		require.NoError(t, err)
		drainEvents(st)
		time.Sleep(time.Millisecond)
	}

	page1, next, err := st.GetHistory(context.Background(), convID, "student-1", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "three", page1[0].Content)
	assert.Equal(t, "two", page1[1].Content)
	require.NotEmpty(t, next)

	page2, _, err := st.GetHistory(context.Background(), convID, "student-1", next, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "one", page2[0].Content)
}

func TestGetHistoryRejectsBadCursor(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	_, _, err := st.GetHistory(context.Background(), convID, "student-1", "not-a-cursor", 10)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestCreateConversationDirectNeedsExactlyTwo(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)

	_, err := st.CreateConversation(context.Background(),
		User{ID: "t1", Role: models.RoleTeacher},
		[]ParticipantInfo{{ID: "s1", Role: models.RoleStudent}, {ID: "s2", Role: models.RoleStudent}},
		models.ConversationDirect)
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestCreateConversationIgnoresDuplicateParticipants(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	creator := User{ID: "t1", Role: models.RoleTeacher}
	duplicated := []ParticipantInfo{{ID: "s1", Role: models.RoleStudent}, {ID: "s1", Role: models.RoleStudent}}

	// A repeated id must not produce a second membership row.
	conv, err := st.CreateConversation(context.Background(), creator, duplicated, models.ConversationGroup)
	require.NoError(t, err)
	drainEvents(st)
	parts, err := repo.GetParticipants(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.ElementsMatch(t, []string{"t1", "s1"},
		[]string{parts[0].UserID, parts[1].UserID})

	// The direct two-participant rule counts unique ids.
	direct, err := st.CreateConversation(context.Background(), creator, duplicated, models.ConversationDirect)
	require.NoError(t, err)
	drainEvents(st)
	parts, err = repo.GetParticipants(context.Background(), direct.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestCreateConversationEnforcesRolePolicy(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)

	_, err := st.CreateConversation(context.Background(),
		User{ID: "s1", Role: models.RoleStudent},
		[]ParticipantInfo{{ID: "s2", Role: models.RoleStudent}},
		models.ConversationDirect)
	assert.ErrorIs(t, err, ErrInvalidParticipants)
}

func TestCreateConversationAllowsLinkedFamily(t *testing.T) {
	links := new(mocks.FamilyLinkResolverMock)
	links.On("Linked", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	repo := newFakeRepo()
	st := New(repo, repo, permissions.NewEngine(links), nil)

	conv, err := st.CreateConversation(context.Background(),
		User{ID: "s1", Role: models.RoleStudent},
		[]ParticipantInfo{{ID: "p1", Role: models.RoleParent}},
		models.ConversationDirect)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDirect, conv.Type)
}

func TestCreateConversationDedupesDirect(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	creator := User{ID: "t1", Role: models.RoleTeacher}
	parts := []ParticipantInfo{{ID: "s1", Role: models.RoleStudent}}

	first, err := st.CreateConversation(context.Background(), creator, parts, models.ConversationDirect)
	require.NoError(t, err)
	drainEvents(st)

	second, err := st.CreateConversation(context.Background(), creator, parts, models.ConversationDirect)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestMuteAndArchiveArePerParticipant(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(repo)
	convID := seedDirect(t, st, repo, "teacher-1", "student-1")

	require.NoError(t, st.SetMuted(context.Background(), convID, "student-1", true))
	require.NoError(t, st.SetArchived(context.Background(), convID, "student-1", true))

	parts, err := repo.GetParticipants(context.Background(), convID)
	require.NoError(t, err)
	for _, p := range parts {
		if p.UserID == "student-1" {
			assert.True(t, p.IsMuted)
			assert.True(t, p.IsArchived)
		} else {
			assert.False(t, p.IsMuted)
			assert.False(t, p.IsArchived)
		}
	}

	err = st.SetMuted(context.Background(), convID, "intruder", true)
	assert.ErrorIs(t, err, ErrNotAParticipant)
}

func TestStorageRetryExhaustionSurfacesAsUnavailable(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	st := New(convRepo, msgRepo, permissions.NewEngine(nil), nil, WithRetries(2))

	convRepo.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{ID: "c1"}, nil)
	convRepo.On("GetParticipants", mock.Anything, "c1").Return([]models.Participant{
		{UserID: "u1"}, {UserID: "u2"},
	}, nil)
	msgRepo.On("AppendMessage", mock.Anything, mock.Anything).Return(assert.AnError).Times(3)

	_, err := st.SendMessage(context.Background(), "c1",
		User{ID: "u1", Role: models.RoleTeacher}, "hello", models.MessageTypeText, nil)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	msgRepo.AssertExpectations(t)
}

func TestDomainErrorsAreNotRetried(t *testing.T) {
	convRepo := new(mocks.ConversationRepositoryMock)
	msgRepo := new(mocks.MessageRepositoryMock)
	st := New(convRepo, msgRepo, permissions.NewEngine(nil), nil, WithRetries(5))

	convRepo.On("GetConversation", mock.Anything, "missing").Return(models.Conversation{}, repositories.ErrConversationNotFound).Once()

	_, err := st.SendMessage(context.Background(), "missing",
		User{ID: "u1", Role: models.RoleTeacher}, "hello", models.MessageTypeText, nil)
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
	convRepo.AssertExpectations(t)
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC)
	token := encodeCursor(at, "3f1d6f0a-0000-0000-0000-000000000001")

	gotAt, gotID, err := decodeCursor(token)
	require.NoError(t, err)
	assert.True(t, at.Equal(gotAt))
	assert.Equal(t, "3f1d6f0a-0000-0000-0000-000000000001", gotID)

	_, _, err = decodeCursor("%%%")
	assert.Error(t, err)
}
