package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/najdeno/internal/identity"
	"github.com/erazemk/najdeno/internal/identity/identitytest"
	"github.com/erazemk/najdeno/internal/model"
)

func TestClient_Verify(t *testing.T) {
	authority := identitytest.NewAuthority(t)
	authority.AddUser(model.Reporter{ID: "u1", Name: "Ana", Email: "ana@example.com"})
	client := identity.NewClient(authority.URL())

	t.Run("user token", func(t *testing.T) {
		claim, err := client.Verify(context.Background(), authority.Issue(t, "u1", model.RoleUser))
		require.NoError(t, err)
		assert.Equal(t, "u1", claim.Subject)
		assert.Equal(t, model.RoleUser, claim.Role)
		assert.Equal(t, "Ana", claim.Name)
		assert.False(t, claim.IsAdmin())
	})

	t.Run("admin token", func(t *testing.T) {
		claim, err := client.Verify(context.Background(), authority.Issue(t, "a1", model.RoleAdmin))
		require.NoError(t, err)
		assert.Equal(t, "a1", claim.Subject)
		assert.True(t, claim.IsAdmin())
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := client.Verify(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("unknown role fails closed", func(t *testing.T) {
		_, err := client.Verify(context.Background(), authority.Issue(t, "u2", model.Role("superuser")))
		assert.ErrorIs(t, err, identity.ErrUnavailable)
	})
}

func TestClient_VerifyUnavailable(t *testing.T) {
	authority := identitytest.NewAuthority(t)
	client := identity.NewClient(authority.URL())
	token := authority.Issue(t, "u1", model.RoleUser)

	t.Run("authority down", func(t *testing.T) {
		authority.SetMode(identitytest.ModeDown)
		defer authority.SetMode(identitytest.ModeNormal)

		_, err := client.Verify(context.Background(), token)
		assert.ErrorIs(t, err, identity.ErrUnavailable)
		assert.NotErrorIs(t, err, identity.ErrInvalidToken)
	})

	t.Run("malformed response", func(t *testing.T) {
		authority.SetMode(identitytest.ModeMalformed)
		defer authority.SetMode(identitytest.ModeNormal)

		_, err := client.Verify(context.Background(), token)
		assert.ErrorIs(t, err, identity.ErrUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := identity.NewClient(url).Verify(context.Background(), token)
		assert.ErrorIs(t, err, identity.ErrUnavailable)
	})

	t.Run("timeout is bounded", func(t *testing.T) {
		authority.SetDelay(2 * time.Second)
		defer authority.SetDelay(0)

		slow := identity.NewClient(authority.URL(), identity.WithTimeout(50*time.Millisecond))
		start := time.Now()
		_, err := slow.Verify(context.Background(), token)
		assert.ErrorIs(t, err, identity.ErrUnavailable)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestClient_VerifyRetries(t *testing.T) {
	authority := identitytest.NewAuthority(t)
	client := identity.NewClient(authority.URL(), identity.WithRetries(2, time.Millisecond))

	t.Run("retries unavailability", func(t *testing.T) {
		authority.SetMode(identitytest.ModeDown)
		defer authority.SetMode(identitytest.ModeNormal)

		before := authority.VerifyCalls()
		_, err := client.Verify(context.Background(), authority.Issue(t, "u1", model.RoleUser))
		assert.ErrorIs(t, err, identity.ErrUnavailable)
		assert.Equal(t, int64(3), authority.VerifyCalls()-before)
	})

	t.Run("never retries rejection", func(t *testing.T) {
		before := authority.VerifyCalls()
		_, err := client.Verify(context.Background(), "forged")
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
		assert.Equal(t, int64(1), authority.VerifyCalls()-before)
	})

	t.Run("default makes a single call", func(t *testing.T) {
		authority.SetMode(identitytest.ModeDown)
		defer authority.SetMode(identitytest.ModeNormal)

		before := authority.VerifyCalls()
		_, err := identity.NewClient(authority.URL()).Verify(context.Background(), "whatever")
		assert.ErrorIs(t, err, identity.ErrUnavailable)
		assert.Equal(t, int64(1), authority.VerifyCalls()-before)
	})
}

func TestClient_VerifyNumericSubject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get(identity.TokenHeader))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 42, "role": "admin"}`))
	}))
	defer server.Close()

	claim, err := identity.NewClient(server.URL).Verify(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "42", claim.Subject)
	assert.Equal(t, model.RoleAdmin, claim.Role)
}

func TestClient_VerifyMissingSubject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"role": "user"}`))
	}))
	defer server.Close()

	_, err := identity.NewClient(server.URL).Verify(context.Background(), "tok")
	assert.ErrorIs(t, err, identity.ErrUnavailable)
}

func TestClient_Lookup(t *testing.T) {
	authority := identitytest.NewAuthority(t)
	authority.AddUser(model.Reporter{ID: "u1", Name: "Ana", Email: "ana@example.com"})
	authority.AddUser(model.Reporter{ID: "u2", Name: "Bor", Email: "bor@example.com"})
	client := identity.NewClient(authority.URL())

	ctx := identity.ContextWithToken(context.Background(), authority.Issue(t, "a1", model.RoleAdmin))
	reporters, err := client.Lookup(ctx, []string{"u1", "u2", "ghost"})
	require.NoError(t, err)
	assert.Len(t, reporters, 2)
	assert.Equal(t, "Ana", reporters["u1"].Name)
	assert.Equal(t, "bor@example.com", reporters["u2"].Email)

	empty, err := client.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = client.Lookup(context.Background(), []string{"u1"})
	assert.Error(t, err, "lookup without a caller token must fail")
}
