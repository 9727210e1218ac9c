package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"companionchat/internal/models"
)

type memToken struct {
	userID  int64
	expires time.Time
}

// MemoryStore keeps all state in process behind a single mutex, which also
// makes CommitTurn atomic. Values are copied in and out.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[int64]*models.User
	conversations map[int64]*models.Conversation
	tokens        map[string]memToken
	nextUserID    int64
	nextConvID    int64
	nextMsgID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[int64]*models.User{},
		conversations: map[int64]*models.Conversation{},
		tokens:        map[string]memToken{},
	}
}

func copyUser(u *models.User) *models.User {
	cp := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

func copyConversation(c *models.Conversation, withMessages bool) *models.Conversation {
	cp := *c
	cp.Messages = nil
	cp.MessageCount = len(c.Messages)
	if withMessages {
		cp.Messages = make([]*models.Message, 0, len(c.Messages))
		for _, msg := range c.Messages {
			m := *msg
			cp.Messages = append(cp.Messages, &m)
		}
	}
	return &cp
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	if user == nil {
		return errors.New("user required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) || u.Username == user.Username {
			return ErrDuplicate
		}
	}
	s.nextUserID++
	now := time.Now().UTC()
	user.ID = s.nextUserID
	user.IsActive = true
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *MemoryStore) FindUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) FindUserByLogin(_ context.Context, login string) (*models.User, error) {
	login = strings.TrimSpace(login)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == strings.ToLower(login) || u.Username == login {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// debitLocked mirrors the conditional SQL update. Callers hold s.mu.
func (s *MemoryStore) debitLocked(userID, amount int64, now time.Time) (*models.User, error) {
	u, ok := s.users[userID]
	if !ok || !u.IsActive {
		return nil, ErrNotFound
	}
	if u.Credits < amount {
		return nil, ErrInsufficientCredits
	}
	u.Credits -= amount
	u.UpdatedAt = now
	return u, nil
}

func (s *MemoryStore) DebitCredits(_ context.Context, userID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, errors.New("debit amount cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.debitLocked(userID, amount, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

func (s *MemoryStore) CreditCredits(_ context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("credit amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.Credits += amount
	u.UpdatedAt = time.Now().UTC()
	return u.Credits, nil
}

func (s *MemoryStore) updateUser(userID int64, fn func(*models.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TouchLogin(_ context.Context, userID int64, at time.Time) error {
	return s.updateUser(userID, func(u *models.User) error {
		t := at.UTC()
		u.LastLoginAt = &t
		return nil
	})
}

func (s *MemoryStore) UpdateProfile(_ context.Context, userID int64, email, username string) error {
	return s.updateUser(userID, func(u *models.User) error {
		for id, other := range s.users {
			if id != userID && (strings.EqualFold(other.Email, email) || other.Username == username) {
				return ErrDuplicate
			}
		}
		u.Email = email
		u.Username = username
		return nil
	})
}

func (s *MemoryStore) UpdatePassword(_ context.Context, userID int64, passwordHash string) error {
	return s.updateUser(userID, func(u *models.User) error {
		u.PasswordHash = passwordHash
		return nil
	})
}

func (s *MemoryStore) DeactivateUser(_ context.Context, userID int64) error {
	return s.updateUser(userID, func(u *models.User) error {
		u.IsActive = false
		return nil
	})
}

func (s *MemoryStore) FindActiveConversation(_ context.Context, userID int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID && c.IsActive && (found == nil || c.ID > found.ID) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyConversation(found, true), nil
}

func (s *MemoryStore) createConversationLocked(userID int64, now time.Time) *models.Conversation {
	s.nextConvID++
	c := &models.Conversation{ID: s.nextConvID, UserID: userID, IsActive: true, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	return c
}

func (s *MemoryStore) CreateConversation(_ context.Context, userID int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyConversation(s.createConversationLocked(userID, time.Now().UTC()), false), nil
}

func (s *MemoryStore) appendLocked(c *models.Conversation, msgs []*models.Message, now time.Time) {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		s.nextMsgID++
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		stored := *msg
		stored.ID = s.nextMsgID
		c.Append(&stored)
		msg.ID = stored.ID
		msg.ConversationID = stored.ConversationID
		msg.Seq = stored.Seq
	}
	c.UpdatedAt = now
}

func (s *MemoryStore) AppendMessages(_ context.Context, conversationID int64, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.IsActive {
		return ErrNotFound
	}
	s.appendLocked(c, msgs, time.Now().UTC())
	return nil
}

func (s *MemoryStore) CommitTurn(_ context.Context, turn *Turn) (*TurnResult, error) {
	if turn == nil || turn.UserID <= 0 {
		return nil, errors.New("turn requires a user")
	}
	if turn.Cost < 0 {
		return nil, errors.New("turn cost cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var conv *models.Conversation
	if turn.ConversationID != 0 {
		c, ok := s.conversations[turn.ConversationID]
		if !ok || !c.IsActive || c.UserID != turn.UserID {
			return nil, ErrNotFound
		}
		conv = c
	}
	// Debit before any mutation so a failure leaves the store untouched.
	u, err := s.debitLocked(turn.UserID, turn.Cost, now)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv = s.createConversationLocked(turn.UserID, now)
	}
	s.appendLocked(conv, turn.Messages, now)
	return &TurnResult{ConversationID: conv.ID, RemainingCredits: u.Credits}, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, userID, conversationID int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.IsActive || c.UserID != userID {
		return nil, ErrNotFound
	}
	return copyConversation(c, true), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int64, page, limit int) ([]*models.Conversation, int, error) {
	page, limit = normalizePage(page, limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*models.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID && c.IsActive {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].UpdatedAt.Equal(active[j].UpdatedAt) {
			return active[i].ID > active[j].ID
		}
		return active[i].UpdatedAt.After(active[j].UpdatedAt)
	})
	total := len(active)
	start := (page - 1) * limit
	if start >= total {
		return []*models.Conversation{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	out := make([]*models.Conversation, 0, end-start)
	for _, c := range active[start:end] {
		out = append(out, copyConversation(c, true))
	}
	return out, total, nil
}

func (s *MemoryStore) DeactivateConversation(_ context.Context, userID, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.IsActive || c.UserID != userID {
		return ErrNotFound
	}
	c.IsActive = false
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ConversationStats(_ context.Context, userID int64) (*ConversationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats ConversationStats
	for _, c := range s.conversations {
		if c.UserID != userID || !c.IsActive {
			continue
		}
		stats.ActiveConversations++
		stats.TotalMessages += len(c.Messages)
		stats.TotalTokens += c.TotalTokens
	}
	return &stats, nil
}

func (s *MemoryStore) SaveToken(_ context.Context, jti string, userID int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[jti]; ok {
		return ErrDuplicate
	}
	s.tokens[jti] = memToken{userID: userID, expires: expiresAt.UTC()}
	return nil
}

func (s *MemoryStore) LookupToken(_ context.Context, jti string) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[jti]
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	return tok.userID, tok.expires, nil
}

func (s *MemoryStore) DeleteToken(_ context.Context, jti string) error {
	s.mu.Lock()
	delete(s.tokens, jti)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteUserTokens(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, tok := range s.tokens {
		if tok.userID == userID {
			delete(s.tokens, jti)
		}
	}
	return nil
}
