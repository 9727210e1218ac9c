package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"companionchat/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on top of database/sql. The queries are portable
// between sqlite3 and mysql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, username, password_hash, credits, is_active, last_login_at, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user      models.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Credits,
		&user.IsActive, &lastLogin, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return &user, nil
}

func isDuplicate(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("user required")
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, password_hash, credits, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.Email, user.Username, user.PasswordHash, user.Credits, true, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	user.ID = id
	user.IsActive = true
	return nil
}

func (s *SQLStore) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, err
}

func (s *SQLStore) FindUserByLogin(ctx context.Context, login string) (*models.User, error) {
	login = strings.TrimSpace(login)
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? OR username = ? LIMIT 1`,
		strings.ToLower(login), login))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, err
}

func (s *SQLStore) DebitCredits(ctx context.Context, userID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, errors.New("debit amount cannot be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	if err := debitTx(ctx, tx, userID, amount, time.Now().UTC()); err != nil {
		return 0, err
	}
	remaining, err := creditsTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return remaining, nil
}

// debitTx applies a conditional debit; the WHERE clause is what prevents overdraft.
func debitTx(ctx context.Context, tx *sql.Tx, userID, amount int64, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits - ?, updated_at = ?
		 WHERE id = ? AND is_active = ? AND credits >= ?`,
		amount, now, userID, true, amount,
	)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var active bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM users WHERE id = ?`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query user: %w", err)
	}
	return ErrInsufficientCredits
}

func creditsTx(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	var credits int64
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query credits: %w", err)
	}
	return credits, nil
}

func (s *SQLStore) CreditCredits(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("credit amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?`,
		amount, time.Now().UTC(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("credit credits: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}
	remaining, err := creditsTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return remaining, nil
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) TouchLogin(ctx context.Context, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) UpdateProfile(ctx context.Context, userID int64, email, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, username = ?, updated_at = ? WHERE id = ?`,
		email, username, time.Now().UTC(), userID,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update profile: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) DeactivateUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`,
		false, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return expectOneRow(res)
}

const conversationColumns = `c.id, c.user_id, c.total_tokens, c.is_active, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.TotalTokens, &conv.IsActive,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (s *SQLStore) loadMessages(ctx context.Context, conv *models.Conversation) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, seq, role, content, tokens_used, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conv.ID)
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = make([]*models.Message, 0, conv.MessageCount)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content,
			&msg.TokensUsed, &msg.CreatedAt); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	conv.MessageCount = len(conv.Messages)
	return nil
}

func (s *SQLStore) FindActiveConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.user_id = ? AND c.is_active = ? ORDER BY c.id DESC LIMIT 1`,
		userID, true))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("query active conversation: %w", err)
	}
	if err := s.loadMessages(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, total_tokens, is_active, created_at, updated_at) VALUES (?, 0, ?, ?, ?)`,
		userID, true, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, IsActive: true, CreatedAt: now, UpdatedAt: now}, nil
}

// insertMessagesTx appends msgs after the current last seq and returns their token sum.
func insertMessagesTx(ctx context.Context, tx *sql.Tx, conversationID int64, msgs []*models.Message, now time.Time) (int64, error) {
	var lastSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&lastSeq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	var tokens int64
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		lastSeq++
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, tokens_used, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, lastSeq, msg.Role, msg.Content, msg.TokensUsed, msg.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("message id: %w", err)
		}
		msg.ID = id
		msg.ConversationID = conversationID
		msg.Seq = lastSeq
		tokens += msg.TokensUsed
	}
	return tokens, nil
}

func bumpConversationTx(ctx context.Context, tx *sql.Tx, userID, conversationID, tokens int64, now time.Time) error {
	query := `UPDATE conversations SET total_tokens = total_tokens + ?, updated_at = ? WHERE id = ? AND is_active = ?`
	args := []any{tokens, now, conversationID, true}
	if userID > 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) AppendMessages(ctx context.Context, conversationID int64, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	tokens, err := insertMessagesTx(ctx, tx, conversationID, msgs, now)
	if err != nil {
		return err
	}
	if err := bumpConversationTx(ctx, tx, 0, conversationID, tokens, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLStore) CommitTurn(ctx context.Context, turn *Turn) (*TurnResult, error) {
	if turn == nil || turn.UserID <= 0 {
		return nil, errors.New("turn requires a user")
	}
	if turn.Cost < 0 {
		return nil, errors.New("turn cost cannot be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := debitTx(ctx, tx, turn.UserID, turn.Cost, now); err != nil {
		return nil, err
	}

	convID := turn.ConversationID
	if convID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (user_id, total_tokens, is_active, created_at, updated_at) VALUES (?, 0, ?, ?, ?)`,
			turn.UserID, true, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		if convID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("conversation id: %w", err)
		}
	}

	tokens, err := insertMessagesTx(ctx, tx, convID, turn.Messages, now)
	if err != nil {
		return nil, err
	}
	if err := bumpConversationTx(ctx, tx, turn.UserID, convID, tokens, now); err != nil {
		return nil, err
	}
	remaining, err := creditsTx(ctx, tx, turn.UserID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	return &TurnResult{ConversationID: convID, RemainingCredits: remaining}, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.id = ? AND c.user_id = ? AND c.is_active = ?`,
		conversationID, userID, true))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if err := s.loadMessages(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID int64, page, limit int) ([]*models.Conversation, int, error) {
	page, limit = normalizePage(page, limit)
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND is_active = ?`, userID, true,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 WHERE c.user_id = ? AND c.is_active = ?
		 ORDER BY c.updated_at DESC, c.id DESC LIMIT ? OFFSET ?`,
		userID, true, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	convs := make([]*models.Conversation, 0, limit)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	// sqlite runs on a single connection, so the cursor must be released before loading messages.
	rows.Close()

	for _, conv := range convs {
		if err := s.loadMessages(ctx, conv); err != nil {
			return nil, 0, err
		}
	}
	return convs, total, nil
}

func (s *SQLStore) DeactivateConversation(ctx context.Context, userID, conversationID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ? AND user_id = ? AND is_active = ?`,
		false, time.Now().UTC(), conversationID, userID, true,
	)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	return expectOneRow(res)
}

func (s *SQLStore) ConversationStats(ctx context.Context, userID int64) (*ConversationStats, error) {
	var stats ConversationStats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0) FROM conversations WHERE user_id = ? AND is_active = ?`,
		userID, true,
	).Scan(&stats.ActiveConversations, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id = ? AND c.is_active = ?`,
		userID, true,
	).Scan(&stats.TotalMessages); err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	return &stats, nil
}

func (s *SQLStore) SaveToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (jti, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		jti, userID, time.Now().UTC(), expiresAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *SQLStore) LookupToken(ctx context.Context, jti string) (int64, time.Time, error) {
	var (
		userID  int64
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM auth_tokens WHERE jti = ?`, jti,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, time.Time{}, ErrNotFound
		}
		return 0, time.Time{}, fmt.Errorf("lookup token: %w", err)
	}
	return userID, expires, nil
}

func (s *SQLStore) DeleteToken(ctx context.Context, jti string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE jti = ?`, jti); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUserTokens(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user tokens: %w", err)
	}
	return nil
}
