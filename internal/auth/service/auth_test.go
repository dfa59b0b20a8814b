package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/havenchat/haven-auth/internal/auth/ratelimit"
	"github.com/havenchat/haven-auth/internal/auth/store/drivers/sqlite"
	"github.com/havenchat/haven-auth/pkg/cryptox"
	"github.com/havenchat/haven-auth/pkg/hashpool"
	"github.com/havenchat/haven-auth/pkg/jwtx"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "haven-auth-test")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)
	cryptox.SetPepperPath(filepath.Join(dir, "pepper"))

	// Light argon2 cost so the suite stays fast; correctness does not
	// depend on the work factor.
	cryptox.SetParams(cryptox.Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	m.Run()
}

type testEnv struct {
	svc      *AuthService
	store    *sqlite.Store
	verifier jwtx.Verifier
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlite.NewStore(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := ratelimit.DefaultConfig()
	cfg.Policies[ratelimit.CategoryLogin] = ratelimit.Policy{MaxRequests: 100, Window: time.Minute}
	limiter := ratelimit.New(client, cfg)

	signer, pub, err := jwtx.NewEphemeralSignerEdDSA()
	require.NoError(t, err)

	mfa := &MFAService{Store: st, Issuer: "Haven"}
	svc := &AuthService{
		Store:   st,
		Hashes:  hashpool.New(2),
		Limiter: limiter,
		MFA:     mfa,
		Signer:  signer,
		Issuer:  "haven-auth-test",
	}

	return &testEnv{
		svc:      svc,
		store:    st,
		verifier: jwtx.NewVerifierEdDSA(pub, jwtx.VerifyOptions{Issuer: "haven-auth-test"}),
		redis:    mr,
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)

	claims, err := env.verifier.Verify(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Username)
	require.NotEmpty(t, claims.Subject)
	require.NotEmpty(t, claims.SID)
	require.Equal(t, []string{AMRPassword}, claims.AMR)

	t.Run("duplicate username rejected", func(t *testing.T) {
		_, err := env.svc.Register(ctx, "10.0.0.1", "alice", "other")
		require.ErrorIs(t, err, ErrUsernameTaken)
	})

	t.Run("correct password logs in", func(t *testing.T) {
		pair, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		require.NoError(t, err)
		_, err = env.verifier.Verify(pair.AccessToken)
		require.NoError(t, err)
	})

	t.Run("surrounding whitespace in the username is ignored", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "10.0.0.1", " alice ", "Secr3t!pass", "")
		require.NoError(t, err)
	})

	t.Run("wrong password and unknown user are indistinguishable", func(t *testing.T) {
		_, err1 := env.svc.Login(ctx, "10.0.0.1", "alice", "wrong", "")
		_, err2 := env.svc.Login(ctx, "10.0.0.1", "nobody", "whatever", "")
		require.ErrorIs(t, err1, ErrInvalidCredentials)
		require.ErrorIs(t, err2, ErrInvalidCredentials)
		require.Equal(t, err1.Error(), err2.Error())
	})
}

func TestLoginWithMFA(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)
	claims, err := env.verifier.Verify(pair.AccessToken)
	require.NoError(t, err)
	userID := claims.Subject

	enroll, err := env.svc.MFA.Enroll(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, enroll.Secret)
	require.True(t, strings.HasPrefix(enroll.ProvisioningURI, "otpauth://totp/"))

	// Not confirmed yet: logins do not require a code.
	_, err = env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
	require.NoError(t, err)

	code, err := totp.GenerateCode(enroll.Secret, time.Now())
	require.NoError(t, err)

	t.Run("confirm with bad code keeps secret pending", func(t *testing.T) {
		require.ErrorIs(t, env.svc.MFA.ConfirmEnroll(ctx, userID, "000000"), ErrMFAInvalid)
		_, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		require.NoError(t, err)
	})

	require.NoError(t, env.svc.MFA.ConfirmEnroll(ctx, userID, code))

	t.Run("login without code reports mfa required", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		var mfaErr *MFARequiredError
		require.ErrorAs(t, err, &mfaErr)
		require.Equal(t, userID, mfaErr.UserID)
	})

	t.Run("login with wrong code fails", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "000000")
		require.ErrorIs(t, err, ErrMFAInvalid)
	})

	t.Run("login with current code succeeds and records otp", func(t *testing.T) {
		code, err := totp.GenerateCode(enroll.Secret, time.Now())
		require.NoError(t, err)
		pair, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", code)
		require.NoError(t, err)
		claims, err := env.verifier.Verify(pair.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{AMRPassword, AMROTP}, claims.AMR)

		// Refreshing reports how the session was opened, not a plain pwd.
		next, err := env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
		require.NoError(t, err)
		claims, err = env.verifier.Verify(next.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{AMRPassword, AMROTP}, claims.AMR)
	})

	t.Run("adjacent step codes accepted, two steps rejected", func(t *testing.T) {
		for _, offset := range []time.Duration{-30 * time.Second, 30 * time.Second} {
			code, err := totp.GenerateCode(enroll.Secret, time.Now().Add(offset))
			require.NoError(t, err)
			_, err = env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", code)
			require.NoError(t, err, "offset %s", offset)
		}
		for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second} {
			code, err := totp.GenerateCode(enroll.Secret, time.Now().Add(offset))
			require.NoError(t, err)
			_, err = env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", code)
			require.ErrorIs(t, err, ErrMFAInvalid, "offset %s", offset)
		}
	})
}

func TestMFADisable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)
	claims, err := env.verifier.Verify(pair.AccessToken)
	require.NoError(t, err)
	userID := claims.Subject

	t.Run("verify before enrollment reports not enabled", func(t *testing.T) {
		require.ErrorIs(t, env.svc.MFA.VerifyLogin(ctx, userID, "000000"), ErrMFANotEnabled)
	})

	enroll, err := env.svc.MFA.Enroll(ctx, userID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enroll.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.MFA.ConfirmEnroll(ctx, userID, code))

	t.Run("verify login accepts current code", func(t *testing.T) {
		code, err := totp.GenerateCode(enroll.Secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, env.svc.MFA.VerifyLogin(ctx, userID, code))
		require.ErrorIs(t, env.svc.MFA.VerifyLogin(ctx, userID, "000000"), ErrMFAInvalid)
	})

	t.Run("verify login for unknown user is indistinguishable", func(t *testing.T) {
		require.ErrorIs(t, env.svc.MFA.VerifyLogin(ctx, "no-such-user", "000000"), ErrMFAInvalid)
	})

	t.Run("disable with wrong code keeps MFA active", func(t *testing.T) {
		require.ErrorIs(t, env.svc.MFA.Disable(ctx, userID, "000000"), ErrMFAInvalid)
		_, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		var mfaErr *MFARequiredError
		require.ErrorAs(t, err, &mfaErr)
	})

	t.Run("disable with current code turns MFA off", func(t *testing.T) {
		code, err := totp.GenerateCode(enroll.Secret, time.Now())
		require.NoError(t, err)
		require.NoError(t, env.svc.MFA.Disable(ctx, userID, code))

		_, err = env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		require.NoError(t, err)

		require.ErrorIs(t, env.svc.MFA.Disable(ctx, userID, code), ErrMFANotEnabled)
	})
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)

	next, err := env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	t.Run("replaying the rotated token fails", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("the new token redeems", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", next.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("garbage token is unknown", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", "not-a-token")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one racer may redeem the token")
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))

	t.Run("revoked token cannot refresh", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
		require.ErrorIs(t, err, ErrSessionRevoked)
	})

	t.Run("logout is idempotent", func(t *testing.T) {
		require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken))
		require.NoError(t, env.svc.Logout(ctx, "never-issued"))
	})
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)
	claims, err := env.verifier.Verify(pair.AccessToken)
	require.NoError(t, err)
	userID, sid := claims.Subject, claims.SID

	other, err := env.svc.Login(ctx, "10.0.0.2", "alice", "Secr3t!pass", "")
	require.NoError(t, err)

	t.Run("wrong current password is rejected", func(t *testing.T) {
		_, err := env.svc.ChangePassword(ctx, userID, sid, "wrong", "N3w!pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("empty new password is rejected", func(t *testing.T) {
		_, err := env.svc.ChangePassword(ctx, userID, sid, "Secr3t!pass", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	fresh, err := env.svc.ChangePassword(ctx, userID, sid, "Secr3t!pass", "N3w!pass")
	require.NoError(t, err)

	t.Run("every prior session is cut", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
		require.ErrorIs(t, err, ErrSessionRevoked)
		_, err = env.svc.Refresh(ctx, "10.0.0.2", other.RefreshToken)
		require.ErrorIs(t, err, ErrSessionRevoked)
	})

	t.Run("the returned pair stays usable", func(t *testing.T) {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", fresh.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("only the new password logs in", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "10.0.0.1", "alice", "Secr3t!pass", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = env.svc.Login(ctx, "10.0.0.1", "alice", "N3w!pass", "")
		require.NoError(t, err)
	})

	t.Run("a revoked session cannot change the password again", func(t *testing.T) {
		_, err := env.svc.ChangePassword(ctx, userID, sid, "N3w!pass", "Another!pass")
		require.ErrorIs(t, err, ErrSessionRevoked)
	})
}

func TestRevokeAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)
	second, err := env.svc.Login(ctx, "10.0.0.2", "alice", "Secr3t!pass", "")
	require.NoError(t, err)

	claims, err := env.verifier.Verify(first.AccessToken)
	require.NoError(t, err)

	require.NoError(t, env.svc.RevokeAll(ctx, claims.Subject))

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := env.svc.Refresh(ctx, "10.0.0.1", token)
		require.ErrorIs(t, err, ErrSessionRevoked)
	}

	// Access tokens remain valid until they expire on their own.
	_, err = env.verifier.Verify(first.AccessToken)
	require.NoError(t, err)
}

func TestLoginBlockedAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, "10.9.9.9", "alice", "Secr3t!pass")
	require.NoError(t, err)

	ip := "203.0.113.5"
	for i := 0; i < 9; i++ {
		_, err := env.svc.Login(ctx, ip, "alice", "wrong", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The tenth failure is still reported as a credential problem.
	_, err = env.svc.Login(ctx, ip, "alice", "wrong", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// The eleventh attempt is rejected before credentials are looked at,
	// even with the right password.
	_, err = env.svc.Login(ctx, ip, "alice", "Secr3t!pass", "")
	var blocked *ratelimit.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Greater(t, blocked.RetryAfter, time.Duration(0))

	// Other IPs are untouched.
	_, err = env.svc.Login(ctx, "198.51.100.1", "alice", "Secr3t!pass", "")
	require.NoError(t, err)
}

func TestRefreshExpiredSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.svc.RefreshTTL = 50 * time.Millisecond
	pair, err := env.svc.Register(ctx, "10.0.0.1", "alice", "Secr3t!pass")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionExpired)

	// The expired session was revoked in passing.
	_, err = env.svc.Refresh(ctx, "10.0.0.1", pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
}
