// Package pg is the durable implementation of the challenge and credential
// stores. Both atomic gates are single conditional UPDATEs: the database
// decides the winner, never a read-modify-write in Go.
package pg

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"attestor.org/internal/ceremony"
	"attestor.org/internal/ids"
	"attestor.org/internal/protocol"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var (
	_ ceremony.ChallengeStore  = (*Store)(nil)
	_ ceremony.CredentialStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use it with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Issue(ctx context.Context, userAccountID, relyingPartyID string, op ceremony.Operation, ttl time.Duration) (ceremony.Challenge, error) {
	nonce := make([]byte, ceremony.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return ceremony.Challenge{}, err
	}

	ch := ceremony.Challenge{
		ID:             ids.New(),
		UserAccountID:  userAccountID,
		RelyingPartyID: relyingPartyID,
		Operation:      op,
		Nonce:          nonce,
	}
	err := s.db.QueryRowContext(ctx, `
		insert into challenges (id, user_account_id, relying_party_id, operation, nonce, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, now(), now() + make_interval(secs => $6))
		returning issued_at, expires_at
	`, ch.ID, userAccountID, relyingPartyID, string(op), nonce, ttl.Seconds()).Scan(&ch.IssuedAt, &ch.ExpiresAt)
	if err != nil {
		return ceremony.Challenge{}, err
	}
	return ch, nil
}

// Consume flips the consumed flag for at most one caller. The losing side
// gets a follow-up read purely to classify its failure; expiry wins over the
// consumed flag so a stale challenge reads the same to every caller.
func (s *Store) Consume(ctx context.Context, id string) (ceremony.Challenge, error) {
	ch := ceremony.Challenge{ID: id, Consumed: true}
	var op string
	err := s.db.QueryRowContext(ctx, `
		update challenges
		set consumed = true
		where id = $1 and consumed = false and expires_at > now()
		returning user_account_id, relying_party_id, operation, nonce, issued_at, expires_at
	`, id).Scan(&ch.UserAccountID, &ch.RelyingPartyID, &op, &ch.Nonce, &ch.IssuedAt, &ch.ExpiresAt)
	if err == nil {
		ch.Operation = ceremony.Operation(op)
		return ch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ceremony.Challenge{}, err
	}

	var consumed bool
	var expired bool
	err = s.db.QueryRowContext(ctx, `
		select consumed, expires_at <= now() from challenges where id = $1
	`, id).Scan(&consumed, &expired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ceremony.Challenge{}, ceremony.ErrChallengeNotFound
	case err != nil:
		return ceremony.Challenge{}, err
	case expired:
		return ceremony.Challenge{}, ceremony.ErrChallengeExpired
	case consumed:
		return ceremony.Challenge{}, ceremony.ErrChallengeConsumed
	default:
		// The gate refused a live, unconsumed row: someone else won the
		// race between the two statements.
		return ceremony.Challenge{}, ceremony.ErrChallengeConsumed
	}
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from challenges where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Insert(ctx context.Context, cred ceremony.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credentials (credential_id, user_account_id, relying_party_id, algorithm, public_key, sign_count, created_at, status)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cred.CredentialID, cred.UserAccountID, cred.RelyingPartyID, int64(cred.Algorithm),
		cred.PublicKey, int64(cred.SignCount), cred.CreatedAt, string(cred.Status))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ceremony.ErrDuplicateCredential
	}
	return err
}

func (s *Store) Find(ctx context.Context, relyingPartyID string, credentialID []byte) (ceremony.Credential, error) {
	cred := ceremony.Credential{
		CredentialID:   credentialID,
		RelyingPartyID: relyingPartyID,
	}
	var alg, signCount int64
	var status string
	err := s.db.QueryRowContext(ctx, `
		select user_account_id, algorithm, public_key, sign_count, created_at, status
		from credentials
		where relying_party_id = $1 and credential_id = $2
	`, relyingPartyID, credentialID).Scan(&cred.UserAccountID, &alg, &cred.PublicKey, &signCount, &cred.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Credential{}, ceremony.ErrUnknownCredential
	}
	if err != nil {
		return ceremony.Credential{}, err
	}
	cred.Algorithm = protocol.Algorithm(alg)
	cred.SignCount = uint32(signCount)
	cred.Status = ceremony.CredentialStatus(status)
	return cred, nil
}

// AdvanceSignCount moves the counter strictly forward. The WHERE clause is
// the replay gate: concurrent presentations of the same counter admit one
// winner and the rest classify as replays.
func (s *Store) AdvanceSignCount(ctx context.Context, relyingPartyID string, credentialID []byte, observed uint32) error {
	res, err := s.db.ExecContext(ctx, `
		update credentials
		set sign_count = $3
		where relying_party_id = $1 and credential_id = $2
		  and status = 'active' and sign_count < $3
	`, relyingPartyID, credentialID, int64(observed))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `
		select status from credentials where relying_party_id = $1 and credential_id = $2
	`, relyingPartyID, credentialID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ceremony.ErrUnknownCredential
	case err != nil:
		return err
	case status != string(ceremony.StatusActive):
		return ceremony.ErrUnknownCredential
	default:
		return ceremony.ErrReplayDetected
	}
}

func (s *Store) Revoke(ctx context.Context, relyingPartyID string, credentialID []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update credentials set status = 'revoked'
		where relying_party_id = $1 and credential_id = $2
	`, relyingPartyID, credentialID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ceremony.ErrUnknownCredential
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	if err == nil {
		return nil, false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
