package account

import (
	"context"
	"strings"
	"testing"
	"time"

	"companionchat/internal/apperr"
	"companionchat/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Alice@Example.com ", "alice", "secret1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "alice@example.com" || user.Credits != 1000 || !user.IsActive {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.LastLoginAt == nil {
		t.Fatalf("registration should record a login")
	}

	if _, err := svc.Register(ctx, "alice@example.com", "other", "secret1"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob@example.com", "bob", "123"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for short password, got %v", err)
	}
	if _, err := svc.Register(ctx, "bob@example.com", "bob", strings.Repeat("p", 73)); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for overlong password, got %v", err)
	}
	if _, err := svc.Register(ctx, "not-an-email", "bob", "secret1"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for bad email, got %v", err)
	}

	for _, login := range []string{"alice", "ALICE@example.com"} {
		got, err := svc.Login(ctx, login, "secret1")
		if err != nil {
			t.Fatalf("Login(%q): %v", login, err)
		}
		if got.ID != user.ID {
			t.Fatalf("Login(%q) returned user %d", login, got.ID)
		}
	}
	if _, err := svc.Login(ctx, "alice", "wrong-pass"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected unauthenticated for wrong password, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret1"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected unauthenticated for unknown user, got %v", err)
	}
}

func TestProfileUpdateAndPassword(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	alice, _ := svc.Register(ctx, "alice@example.com", "alice", "secret1")
	if _, err := svc.Register(ctx, "bob@example.com", "bob", "secret1"); err != nil {
		t.Fatalf("Register bob: %v", err)
	}

	updated, err := svc.UpdateProfile(ctx, alice.ID, "", "alice2")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Username != "alice2" || updated.Email != "alice@example.com" {
		t.Fatalf("unexpected profile %+v", updated)
	}
	if _, err := svc.UpdateProfile(ctx, alice.ID, "bob@example.com", ""); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := svc.ChangePassword(ctx, alice.ID, "bad", "newsecret"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("expected wrong current password to fail, got %v", err)
	}
	if err := svc.ChangePassword(ctx, alice.ID, "secret1", "newsecret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.Login(ctx, "alice2", "newsecret"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestStatsAndCredits(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	user, _ := svc.Register(ctx, "carol@example.com", "carol", "secret1")

	svc.now = func() time.Time { return user.CreatedAt.Add(72 * time.Hour) }
	stats, err := svc.Stats(ctx, user.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DaysSinceRegistration != 3 || stats.Credits != 1000 || stats.TotalChats != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	balance, err := svc.GrantCredits(ctx, user.ID, 250)
	if err != nil || balance != 1250 {
		t.Fatalf("GrantCredits = %d, %v", balance, err)
	}
	if _, err := svc.GrantCredits(ctx, user.ID, 0); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.GrantCredits(ctx, 999, 10); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	svc, revoker, jobs := newTestService()
	ctx := context.Background()
	user, _ := svc.Register(ctx, "dave@example.com", "dave", "secret1")

	if err := svc.Deactivate(ctx, user.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if len(revoker.revoked) != 1 || revoker.revoked[0] != user.ID {
		t.Fatalf("tokens not revoked: %v", revoker.revoked)
	}
	if len(jobs.cancelled) != 1 || jobs.cancelled[0] != user.ID {
		t.Fatalf("jobs not cancelled: %v", jobs.cancelled)
	}
	if _, err := svc.Login(ctx, "dave", "secret1"); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("deactivated user logged in: %v", err)
	}
	if _, err := svc.Profile(ctx, user.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found for deactivated profile, got %v", err)
	}
	if err := svc.Deactivate(ctx, user.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("second deactivate should report not found, got %v", err)
	}
}

type recordingRevoker struct{ revoked []int64 }

func (r *recordingRevoker) RevokeUserTokens(_ context.Context, userID int64) error {
	r.revoked = append(r.revoked, userID)
	return nil
}

type recordingJobs struct{ cancelled []int64 }

func (r *recordingJobs) CancelUser(userID int64, _ string) int {
	r.cancelled = append(r.cancelled, userID)
	return 0
}

func newTestService() (*Service, *recordingRevoker, *recordingJobs) {
	revoker := &recordingRevoker{}
	jobs := &recordingJobs{}
	return NewService(storage.NewMemoryStore(), revoker, jobs, 1000), revoker, jobs
}
