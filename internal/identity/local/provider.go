// Package local implements a development identity provider backed by SQLite.
// Verification and reset links are handed to a Mailer instead of being emailed.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"lingogate/internal/identity"
	"lingogate/pkg/text"
)

const (
	providerPassword = "password"

	tokenKindID     = "id"
	tokenKindVerify = "verify"
	tokenKindReset  = "reset"

	idTokenTTL     = time.Hour
	verifyTokenTTL = 24 * time.Hour
	resetTokenTTL  = time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	uid            TEXT PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE,
	pass_hash      BLOB NOT NULL,
	email_verified INTEGER NOT NULL DEFAULT 0,
	locale         TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
	token      TEXT PRIMARY KEY,
	uid        TEXT NOT NULL REFERENCES users(uid) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tokens_uid_kind ON tokens(uid, kind);
`

// dummyHash is compared against when no account matches, so that sign-in takes
// as long for unknown addresses as for wrong passwords.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("lingogate-no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// Mail is a message the provider wants delivered.
type Mail struct {
	To     string
	Kind   string
	Locale string
	Link   string
}

// Mailer delivers verification and password reset links.
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// LogMailer writes links to the log, which is enough for local development.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a mailer logging through logger.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, mail Mail) error {
	m.logger.Info("Outgoing email",
		zap.String("to", mail.To),
		zap.String("kind", mail.Kind),
		zap.String("locale", mail.Locale),
		zap.String("link", mail.Link))
	return nil
}

// Provider stores accounts in SQLite with bcrypt password hashes.
type Provider struct {
	db      *sql.DB
	mailer  Mailer
	linkURL string
	logger  *zap.Logger
	now     func() time.Time
	idGen   func() string
	compare func(hash, password []byte) error
}

// Open opens (creating if needed) the database at path. Links in outgoing mail
// point at publicURL.
func Open(path, publicURL string, mailer Mailer, logger *zap.Logger) (*Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}

	dsn := filepath.Clean(path) + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Provider{
		db:      db,
		mailer:  mailer,
		linkURL: strings.TrimSuffix(publicURL, "/"),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		idGen:   uuid.NewString,
		compare: bcrypt.CompareHashAndPassword,
	}, nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}

type user struct {
	uid           string
	email         string
	passHash      []byte
	emailVerified bool
	locale        string
}

func (u *user) account() identity.Account {
	return identity.Account{
		UID:           u.uid,
		Email:         u.email,
		EmailVerified: u.emailVerified,
		Locale:        u.locale,
		Provider:      providerPassword,
	}
}

func (p *Provider) SignUp(ctx context.Context, email, password, locale string) (*identity.Session, error) {
	const op = "signUp"

	email = text.NormalizeEmail(email)
	if !text.ValidEmail(email) {
		return nil, identity.NewError(op, identity.CodeInvalidEmail, nil)
	}
	if len([]rune(password)) < text.MinPasswordLength {
		return nil, identity.NewError(op, identity.CodeWeakPassword, nil)
	}

	existing, err := p.findByEmail(ctx, email)
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	if existing != nil {
		return nil, identity.NewError(op, identity.CodeEmailAlreadyInUse, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}

	u := &user{uid: p.idGen(), email: email, passHash: hash, locale: locale}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users (uid, email, pass_hash, email_verified, locale, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		u.uid, u.email, u.passHash, u.locale, p.now().UnixMilli())
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, fmt.Errorf("insert user: %w", err))
	}

	session, err := p.newSession(ctx, op, u)
	if err != nil {
		return nil, err
	}

	if err := p.sendVerification(ctx, u, locale); err != nil {
		p.logger.Warn("Failed to send verification email after sign-up",
			zap.String("uid", u.uid),
			zap.Error(err))
	}

	p.logger.Info("Account created", zap.String("uid", u.uid))
	return session, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	const op = "signIn"

	u, err := p.findByEmail(ctx, text.NormalizeEmail(email))
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		_ = p.compare(dummyHash(), []byte(password))
		return nil, identity.NewError(op, identity.CodeInvalidCredential, nil)
	}
	if err := p.compare(u.passHash, []byte(password)); err != nil {
		return nil, identity.NewError(op, identity.CodeInvalidCredential, nil)
	}

	session, err := p.newSession(ctx, op, u)
	if err != nil {
		return nil, err
	}

	if !u.emailVerified {
		return nil, &identity.Error{Op: op, Code: identity.CodeEmailNotVerified, Session: session}
	}
	return session, nil
}

// SignInWithIDP is not available without a federated backend.
func (p *Provider) SignInWithIDP(_ context.Context, _ identity.FederatedCredential) (*identity.Session, error) {
	return nil, identity.NewError("signInWithIdp", identity.CodeOperationNotAllowed, nil)
}

func (p *Provider) SignOut(ctx context.Context, session *identity.Session) error {
	if session == nil || session.IDToken == "" {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ? AND kind = ?`, session.IDToken, tokenKindID)
	if err != nil {
		return identity.NewError("signOut", identity.CodeInternal, err)
	}
	return nil
}

// SendPasswordReset succeeds silently for unknown addresses.
func (p *Provider) SendPasswordReset(ctx context.Context, email, locale string) error {
	const op = "sendPasswordReset"

	email = text.NormalizeEmail(email)
	if !text.ValidEmail(email) {
		return identity.NewError(op, identity.CodeInvalidEmail, nil)
	}

	u, err := p.findByEmail(ctx, email)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		p.logger.Debug("Password reset requested for unknown address")
		return nil
	}

	token, err := p.issueToken(ctx, u.uid, tokenKindReset, resetTokenTTL)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	return p.mailer.Send(ctx, Mail{
		To:     u.email,
		Kind:   tokenKindReset,
		Locale: locale,
		Link:   p.resetLink(token, locale),
	})
}

// VerifyPasswordResetCode returns the email of the account token may reset.
func (p *Provider) VerifyPasswordResetCode(ctx context.Context, token string) (string, error) {
	const op = "verifyPasswordResetCode"

	u, err := p.userForToken(ctx, token, tokenKindReset)
	if err != nil {
		return "", identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		return "", identity.NewError(op, identity.CodeExpiredActionCode, nil)
	}
	return u.email, nil
}

// ConfirmPasswordReset replaces the password of the account token belongs to.
// Every reset token and open session of the account is revoked.
func (p *Provider) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	const op = "resetPassword"

	if len([]rune(newPassword)) < text.MinPasswordLength {
		return identity.NewError(op, identity.CodeWeakPassword, nil)
	}

	u, err := p.userForToken(ctx, token, tokenKindReset)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		return identity.NewError(op, identity.CodeExpiredActionCode, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET pass_hash = ? WHERE uid = ?`, hash, u.uid); err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE uid = ? AND kind IN (?, ?)`, u.uid, tokenKindReset, tokenKindID); err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}

	p.logger.Info("Password reset", zap.String("uid", u.uid))
	return nil
}

func (p *Provider) SendVerificationEmail(ctx context.Context, session *identity.Session, locale string) error {
	const op = "sendEmailVerification"

	if session == nil || session.IDToken == "" {
		return identity.NewError(op, identity.CodeInvalidCredential, errors.New("missing ID token"))
	}

	u, err := p.userForToken(ctx, session.IDToken, tokenKindID)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		return identity.NewError(op, identity.CodeInvalidCredential, nil)
	}
	if u.emailVerified {
		return nil
	}

	if err := p.sendVerification(ctx, u, locale); err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	return nil
}

// ConfirmEmail consumes a verification token and marks its account verified.
func (p *Provider) ConfirmEmail(ctx context.Context, token string) (*identity.Account, error) {
	const op = "applyActionCode"

	u, err := p.userForToken(ctx, token, tokenKindVerify)
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	if u == nil {
		return nil, identity.NewError(op, identity.CodeExpiredActionCode, nil)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET email_verified = 1 WHERE uid = ?`, u.uid); err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE uid = ? AND kind = ?`, u.uid, tokenKindVerify); err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}

	u.emailVerified = true
	account := u.account()
	p.logger.Info("Email verified", zap.String("uid", u.uid))
	return &account, nil
}

func (p *Provider) newSession(ctx context.Context, op string, u *user) (*identity.Session, error) {
	token, err := p.issueToken(ctx, u.uid, tokenKindID, idTokenTTL)
	if err != nil {
		return nil, identity.NewError(op, identity.CodeInternal, err)
	}
	return &identity.Session{
		Account:   u.account(),
		IDToken:   token,
		ExpiresAt: p.now().Add(idTokenTTL),
	}, nil
}

func (p *Provider) sendVerification(ctx context.Context, u *user, locale string) error {
	token, err := p.issueToken(ctx, u.uid, tokenKindVerify, verifyTokenTTL)
	if err != nil {
		return err
	}
	return p.mailer.Send(ctx, Mail{
		To:     u.email,
		Kind:   tokenKindVerify,
		Locale: locale,
		Link:   p.link("/api/auth/verify", token, locale),
	})
}

// resetLink points at the localized reset page.
func (p *Provider) resetLink(token, locale string) string {
	path := "/reset-password"
	if locale != "" {
		path = "/" + locale + path
	}
	return p.link(path, token, "")
}

func (p *Provider) link(path, token, locale string) string {
	q := url.Values{}
	q.Set("token", token)
	if locale != "" {
		q.Set("locale", locale)
	}
	return p.linkURL + path + "?" + q.Encode()
}

func (p *Provider) issueToken(ctx context.Context, uid, kind string, ttl time.Duration) (string, error) {
	token := p.idGen()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tokens (token, uid, kind, expires_at) VALUES (?, ?, ?, ?)`,
		token, uid, kind, p.now().Add(ttl).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert %s token: %w", kind, err)
	}
	return token, nil
}

func (p *Provider) findByEmail(ctx context.Context, email string) (*user, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT uid, email, pass_hash, email_verified, locale FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (p *Provider) userForToken(ctx context.Context, token, kind string) (*user, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT u.uid, u.email, u.pass_hash, u.email_verified, u.locale
		 FROM tokens t JOIN users u ON u.uid = t.uid
		 WHERE t.token = ? AND t.kind = ? AND t.expires_at > ?`,
		token, kind, p.now().UnixMilli())
	return scanUser(row)
}

func scanUser(row *sql.Row) (*user, error) {
	var u user
	if err := row.Scan(&u.uid, &u.email, &u.passHash, &u.emailVerified, &u.locale); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
