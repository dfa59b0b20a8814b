package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/havenchat/haven-auth/internal/auth/domain"
	"github.com/havenchat/haven-auth/internal/auth/store"
	"github.com/havenchat/haven-auth/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(fmt.Sprintf("file:store_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())
	return st
}

func createUser(t *testing.T, st *Store, username string) domain.User {
	t.Helper()
	u := domain.User{
		ID:           idx.New().String(),
		Username:     username,
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g",
	}
	require.NoError(t, st.Users().CreateUser(context.Background(), u))
	return u
}

func createSession(t *testing.T, st *Store, userID, tokenHash string) domain.Session {
	t.Helper()
	now := time.Now().UTC()
	s := domain.Session{
		ID:        idx.New().String(),
		UserID:    userID,
		TokenHash: tokenHash,
		AMR:       []string{"pwd", "otp"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.Sessions().CreateSession(context.Background(), s))
	return s
}

func TestUsersRepo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u := createUser(t, st, "alice")

	t.Run("lookup by id and username", func(t *testing.T) {
		got, err := st.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Username)
		require.Nil(t, got.Email)
		require.False(t, got.MFAActive())

		got, err = st.Users().GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := st.Users().GetUserByID(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate username", func(t *testing.T) {
		err := st.Users().CreateUser(ctx, domain.User{
			ID: idx.New().String(), Username: "alice", PasswordHash: "h",
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("mfa lifecycle", func(t *testing.T) {
		require.NoError(t, st.Users().UpdateMFASecret(ctx, u.ID, "JBSWY3DPEHPK3PXP"))
		got, err := st.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MFASecret)
		require.False(t, got.MFAActive(), "pending secret is not active")

		require.NoError(t, st.Users().EnableMFA(ctx, u.ID))
		got, err = st.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, got.MFAActive())

		require.NoError(t, st.Users().DisableMFA(ctx, u.ID))
		got, err = st.Users().GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.False(t, got.MFAActive())
		require.Nil(t, got.MFASecret)
	})
}

func TestSessionRotation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u := createUser(t, st, "alice")
	sess := createSession(t, st, u.ID, "hash-one")

	rotated, err := st.Sessions().RotateSession(ctx, "hash-one", "hash-two", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, sess.ID, rotated.ID, "rotation keeps the same session row")
	require.Equal(t, "hash-two", rotated.TokenHash)
	require.Equal(t, []string{"pwd", "otp"}, rotated.AMR, "rotation keeps the opening methods")

	t.Run("old hash no longer rotates", func(t *testing.T) {
		_, err := st.Sessions().RotateSession(ctx, "hash-one", "hash-three", time.Now().Add(time.Hour))
		require.ErrorIs(t, err, store.ErrRotationConflict)
	})

	t.Run("revoked session refuses rotation", func(t *testing.T) {
		require.NoError(t, st.Sessions().RevokeSession(ctx, sess.ID))
		_, err := st.Sessions().RotateSession(ctx, "hash-two", "hash-four", time.Now().Add(time.Hour))
		require.ErrorIs(t, err, store.ErrRotationConflict)
	})
}

func TestSessionsRepo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u := createUser(t, st, "alice")
	a := createSession(t, st, u.ID, "hash-a")
	b := createSession(t, st, u.ID, "hash-b")

	t.Run("lookup by token hash", func(t *testing.T) {
		got, err := st.Sessions().GetSessionByTokenHash(ctx, "hash-a")
		require.NoError(t, err)
		require.Equal(t, a.ID, got.ID)

		_, err = st.Sessions().GetSessionByTokenHash(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate token hash", func(t *testing.T) {
		err := st.Sessions().CreateSession(ctx, domain.Session{
			ID: idx.New().String(), UserID: u.ID, TokenHash: "hash-a",
			IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("revoke all", func(t *testing.T) {
		require.NoError(t, st.Sessions().RevokeAllUserSessions(ctx, u.ID))
		for _, id := range []string{a.ID, b.ID} {
			got, err := st.Sessions().GetSessionByID(ctx, id)
			require.NoError(t, err)
			require.True(t, got.Revoked)
		}
		// Idempotent.
		require.NoError(t, st.Sessions().RevokeAllUserSessions(ctx, u.ID))
	})

	t.Run("delete expired", func(t *testing.T) {
		expired := domain.Session{
			ID: idx.New().String(), UserID: u.ID, TokenHash: "hash-old",
			IssuedAt:  time.Now().Add(-2 * time.Hour),
			ExpiresAt: time.Now().Add(-time.Hour),
		}
		require.NoError(t, st.Sessions().CreateSession(ctx, expired))

		require.NoError(t, st.Sessions().DeleteExpiredSessions(ctx))

		_, err := st.Sessions().GetSessionByID(ctx, expired.ID)
		require.ErrorIs(t, err, store.ErrNotFound)

		// Unexpired rows survive, revoked or not.
		_, err = st.Sessions().GetSessionByID(ctx, a.ID)
		require.NoError(t, err)
	})
}

func TestFederatedIdentitiesRepo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u := createUser(t, st, "alice")
	fi := domain.FederatedIdentity{
		ID:       idx.New().String(),
		UserID:   u.ID,
		Provider: "acme",
		Subject:  "sub-1",
		Email:    "alice@example.com",
	}
	require.NoError(t, st.FederatedIdentities().CreateFederatedIdentity(ctx, fi))

	got, err := st.FederatedIdentities().GetByProviderSubject(ctx, "acme", "sub-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.UserID)

	t.Run("unknown link", func(t *testing.T) {
		_, err := st.FederatedIdentities().GetByProviderSubject(ctx, "acme", "sub-2")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate provider subject", func(t *testing.T) {
		dup := fi
		dup.ID = idx.New().String()
		err := st.FederatedIdentities().CreateFederatedIdentity(ctx, dup)
		require.ErrorIs(t, err, store.ErrAlreadyExists)
	})
}

func TestWithTxRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sentinel := fmt.Errorf("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Users().CreateUser(ctx, domain.User{
			ID: idx.New().String(), Username: "ghost", PasswordHash: "h",
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = st.Users().GetUserByUsername(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}
