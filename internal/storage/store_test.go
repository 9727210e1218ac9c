package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"companionchat/internal/config"
	"companionchat/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sql", func(t *testing.T) {
		db := openTestDB(t)
		defer db.Close()
		fn(t, NewSQLStore(db))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func createUser(t *testing.T, s Store, name string, credits int64) *models.User {
	t.Helper()
	u := &models.User{
		Email:        name + "@example.com",
		Username:     name,
		PasswordHash: "hash",
		Credits:      credits,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	if u.ID == 0 {
		t.Fatalf("expected user id")
	}
	return u
}

func TestUserLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "alice", 1000)

		dup := &models.User{Email: "alice@example.com", Username: "other", PasswordHash: "x"}
		if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate email error, got %v", err)
		}

		byEmail, err := s.FindUserByLogin(ctx, "ALICE@example.com")
		if err != nil || byEmail.ID != u.ID {
			t.Fatalf("find by email: user=%v err=%v", byEmail, err)
		}
		byName, err := s.FindUserByLogin(ctx, "alice")
		if err != nil || byName.ID != u.ID {
			t.Fatalf("find by username: user=%v err=%v", byName, err)
		}
		if _, err := s.FindUserByLogin(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		at := time.Now().UTC().Truncate(time.Second)
		if err := s.TouchLogin(ctx, u.ID, at); err != nil {
			t.Fatalf("touch login: %v", err)
		}
		got, err := s.FindUserByID(ctx, u.ID)
		if err != nil {
			t.Fatalf("find by id: %v", err)
		}
		if got.LastLoginAt == nil || !got.LastLoginAt.Equal(at) {
			t.Fatalf("last login not stored: %v", got.LastLoginAt)
		}
		if !got.IsActive || got.Credits != 1000 {
			t.Fatalf("unexpected user state: %#v", got)
		}

		createUser(t, s, "bob", 0)
		if err := s.UpdateProfile(ctx, u.ID, "bob@example.com", "alice"); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate on profile update, got %v", err)
		}
		if err := s.UpdateProfile(ctx, u.ID, "alice2@example.com", "alice2"); err != nil {
			t.Fatalf("update profile: %v", err)
		}
		if err := s.UpdatePassword(ctx, u.ID, "newhash"); err != nil {
			t.Fatalf("update password: %v", err)
		}
		got, _ = s.FindUserByID(ctx, u.ID)
		if got.Email != "alice2@example.com" || got.Username != "alice2" || got.PasswordHash != "newhash" {
			t.Fatalf("profile not updated: %#v", got)
		}

		if err := s.DeactivateUser(ctx, u.ID); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		got, _ = s.FindUserByID(ctx, u.ID)
		if got.IsActive {
			t.Fatalf("expected user inactive")
		}
		if _, err := s.DebitCredits(ctx, u.ID, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("inactive user must not be debited, got %v", err)
		}
	})
}

func TestDebitFailsClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "carol", 15)

		remaining, err := s.DebitCredits(ctx, u.ID, 10)
		if err != nil || remaining != 5 {
			t.Fatalf("debit: remaining=%d err=%v", remaining, err)
		}
		if _, err := s.DebitCredits(ctx, u.ID, 6); !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("expected insufficient credits, got %v", err)
		}
		got, _ := s.FindUserByID(ctx, u.ID)
		if got.Credits != 5 {
			t.Fatalf("failed debit changed balance to %d", got.Credits)
		}
		remaining, err = s.CreditCredits(ctx, u.ID, 20)
		if err != nil || remaining != 25 {
			t.Fatalf("credit: remaining=%d err=%v", remaining, err)
		}
		if _, err := s.DebitCredits(ctx, 9999, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found for unknown user, got %v", err)
		}
	})
}

func turnMessages(text string, tokens int64) []*models.Message {
	return []*models.Message{
		{Role: models.RoleUser, Content: text},
		{Role: models.RoleAssistant, Content: "reply to " + text, TokensUsed: tokens},
	}
}

func TestCommitTurnCreatesAndAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "dave", 1000)

		if _, err := s.FindActiveConversation(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected no active conversation, got %v", err)
		}
		res, err := s.CommitTurn(ctx, &Turn{UserID: u.ID, Messages: turnMessages("hi", 50), Cost: 60})
		if err != nil {
			t.Fatalf("commit first turn: %v", err)
		}
		if res.ConversationID == 0 || res.RemainingCredits != 940 {
			t.Fatalf("unexpected turn result: %#v", res)
		}
		res2, err := s.CommitTurn(ctx, &Turn{UserID: u.ID, ConversationID: res.ConversationID, Messages: turnMessages("again", 30), Cost: 40})
		if err != nil {
			t.Fatalf("commit second turn: %v", err)
		}
		if res2.ConversationID != res.ConversationID || res2.RemainingCredits != 900 {
			t.Fatalf("unexpected second result: %#v", res2)
		}

		conv, err := s.FindActiveConversation(ctx, u.ID)
		if err != nil {
			t.Fatalf("find active: %v", err)
		}
		if len(conv.Messages) != 4 {
			t.Fatalf("expected 4 messages, got %d", len(conv.Messages))
		}
		var sum int64
		for i, msg := range conv.Messages {
			if msg.Seq != i+1 {
				t.Fatalf("message %d has seq %d", i, msg.Seq)
			}
			sum += msg.TokensUsed
		}
		if conv.TotalTokens != 80 || sum != conv.TotalTokens {
			t.Fatalf("token counter %d does not match sum %d", conv.TotalTokens, sum)
		}
		if conv.Messages[0].Content != "hi" || conv.Messages[3].Content != "reply to again" {
			t.Fatalf("messages out of order: %q ... %q", conv.Messages[0].Content, conv.Messages[3].Content)
		}
	})
}

func TestCommitTurnIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "erin", 30)

		if _, err := s.CommitTurn(ctx, &Turn{UserID: u.ID, Messages: turnMessages("hi", 50), Cost: 60}); !errors.Is(err, ErrInsufficientCredits) {
			t.Fatalf("expected insufficient credits, got %v", err)
		}
		if _, err := s.FindActiveConversation(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("failed commit must not create a conversation, got %v", err)
		}
		got, _ := s.FindUserByID(ctx, u.ID)
		if got.Credits != 30 {
			t.Fatalf("failed commit changed balance to %d", got.Credits)
		}

		other := createUser(t, s, "frank", 100)
		res, err := s.CommitTurn(ctx, &Turn{UserID: other.ID, Messages: turnMessages("x", 1), Cost: 1})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		// Appending into someone else's conversation must fail without charging.
		if _, err := s.CommitTurn(ctx, &Turn{UserID: u.ID, ConversationID: res.ConversationID, Messages: turnMessages("y", 1), Cost: 5}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found for foreign conversation, got %v", err)
		}
		got, _ = s.FindUserByID(ctx, u.ID)
		if got.Credits != 30 {
			t.Fatalf("rejected commit changed balance to %d", got.Credits)
		}
	})
}

func TestConcurrentCommitsNeverOverdraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "gina", 100)

		const attempts = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.CommitTurn(ctx, &Turn{UserID: u.ID, Messages: turnMessages(fmt.Sprintf("m%d", i), 20), Cost: 30})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else if !errors.Is(err, ErrInsufficientCredits) {
					t.Errorf("unexpected commit error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if succeeded != 3 {
			t.Fatalf("expected 3 successful commits, got %d", succeeded)
		}
		got, _ := s.FindUserByID(ctx, u.ID)
		if got.Credits != 10 {
			t.Fatalf("expected remaining balance 10, got %d", got.Credits)
		}
	})
}

func TestListAndDeactivateConversations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "hank", 1000)

		var ids []int64
		for i := 0; i < 3; i++ {
			conv, err := s.CreateConversation(ctx, u.ID)
			if err != nil {
				t.Fatalf("create conversation: %v", err)
			}
			time.Sleep(2 * time.Millisecond)
			if err := s.AppendMessages(ctx, conv.ID, turnMessages(fmt.Sprintf("c%d", i), 10)...); err != nil {
				t.Fatalf("append: %v", err)
			}
			ids = append(ids, conv.ID)
		}

		page, total, err := s.ListConversations(ctx, u.ID, 1, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 3 || len(page) != 2 {
			t.Fatalf("expected 2 of 3, got %d of %d", len(page), total)
		}
		if page[0].ID != ids[2] || page[1].ID != ids[1] {
			t.Fatalf("expected most recent first, got %d,%d", page[0].ID, page[1].ID)
		}
		if len(page[0].Messages) != 2 || page[0].MessageCount != 2 {
			t.Fatalf("expected messages loaded, got %d", len(page[0].Messages))
		}
		page2, _, err := s.ListConversations(ctx, u.ID, 2, 2)
		if err != nil || len(page2) != 1 || page2[0].ID != ids[0] {
			t.Fatalf("unexpected second page: %v err=%v", page2, err)
		}

		if err := s.DeactivateConversation(ctx, u.ID, ids[1]); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		if err := s.DeactivateConversation(ctx, u.ID, ids[1]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second deactivate should be not found, got %v", err)
		}
		if _, err := s.GetConversation(ctx, u.ID, ids[1]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("inactive conversation must not be returned, got %v", err)
		}
		if _, err := s.GetConversation(ctx, u.ID+100, ids[0]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign conversation must not be returned, got %v", err)
		}

		stats, err := s.ConversationStats(ctx, u.ID)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.ActiveConversations != 2 || stats.TotalMessages != 4 || stats.TotalTokens != 20 {
			t.Fatalf("unexpected stats: %#v", stats)
		}
	})
}

func TestTokenStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		u := createUser(t, s, "ivy", 0)
		exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

		if err := s.SaveToken(ctx, "jti-1", u.ID, exp); err != nil {
			t.Fatalf("save token: %v", err)
		}
		if err := s.SaveToken(ctx, "jti-1", u.ID, exp); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate jti, got %v", err)
		}
		userID, expires, err := s.LookupToken(ctx, "jti-1")
		if err != nil || userID != u.ID || !expires.Equal(exp) {
			t.Fatalf("lookup: id=%d exp=%v err=%v", userID, expires, err)
		}
		if err := s.SaveToken(ctx, "jti-2", u.ID, exp); err != nil {
			t.Fatalf("save token: %v", err)
		}
		if err := s.DeleteToken(ctx, "jti-1"); err != nil {
			t.Fatalf("delete token: %v", err)
		}
		if _, _, err := s.LookupToken(ctx, "jti-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected deleted token, got %v", err)
		}
		if err := s.DeleteUserTokens(ctx, u.ID); err != nil {
			t.Fatalf("delete user tokens: %v", err)
		}
		if _, _, err := s.LookupToken(ctx, "jti-2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected all user tokens deleted, got %v", err)
		}
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	if err := Migrate(db, "sqlite"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := Migrate(db, "postgres"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
