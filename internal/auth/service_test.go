package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// In-memory member store
// ---------------------------------------------------------------------------

type memStore struct {
	mu      sync.Mutex
	members map[string]*Member
	hashes  map[string]string
}

func newMemStore() *memStore {
	return &memStore{members: make(map[string]*Member), hashes: make(map[string]string)}
}

func (s *memStore) Create(_ context.Context, m *Member, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.Email]; ok {
		return &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	}
	cp := *m
	s.members[m.Email] = &cp
	s.hashes[m.Email] = hash
	return nil
}

func (s *memStore) GetByEmail(_ context.Context, email string) (*Member, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[email]
	if !ok {
		return nil, "", nil
	}
	cp := *m
	return &cp, s.hashes[email], nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRegisterLoginValidate(t *testing.T) {
	svc := NewService(newMemStore(), "test-secret")
	ctx := context.Background()

	m, err := svc.Register(ctx, "a@example.com", "password1", "Ann")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, m.TeamID)

	token, err := svc.Login(ctx, "a@example.com", "password1")
	require.NoError(t, err)

	id, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id.UserID)
	assert.Equal(t, m.TeamID, id.TeamID)
}

func TestRegister_AlwaysCreatesOwnTeam(t *testing.T) {
	svc := NewService(newMemStore(), "s")
	a, err := svc.Register(context.Background(), "a@example.com", "password1", "Ann")
	require.NoError(t, err)
	b, err := svc.Register(context.Background(), "b@example.com", "password1", "Bo")
	require.NoError(t, err)
	assert.NotEqual(t, a.TeamID, b.TeamID)
}

// A team id in the public register body is ignored.
func TestHandler_RegisterIgnoresTeamID(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), "s"), zerolog.Nop())
	victim := uuid.New()
	body := fmt.Sprintf(`{"email":"c@example.com","password":"password1","display_name":"Cy","team_id":%q}`, victim)

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var m Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	assert.NotEqual(t, victim, m.TeamID)
	assert.NotEqual(t, uuid.Nil, m.TeamID)
}

func TestRegister_Duplicate(t *testing.T) {
	svc := NewService(newMemStore(), "s")
	_, err := svc.Register(context.Background(), "a@example.com", "password1", "Ann")
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), "a@example.com", "password2", "Ann")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := NewService(newMemStore(), "s")
	_, err := svc.Register(context.Background(), "a@example.com", "password1", "Ann")
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "a@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(context.Background(), "nobody@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_Rejects(t *testing.T) {
	store := newMemStore()
	issuer := NewService(store, "one")
	_, err := issuer.Register(context.Background(), "a@example.com", "password1", "Ann")
	require.NoError(t, err)
	token, err := issuer.Login(context.Background(), "a@example.com", "password1")
	require.NoError(t, err)

	_, err = NewService(store, "other").ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewService(store, "one")
	expired.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = expired.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHandler_LoginFlow(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), "s"), zerolog.Nop())

	body, _ := json.Marshal(RegisterRequest{Email: "a@example.com", Password: "password1", DisplayName: "Ann"})
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	body, _ = json.Marshal(LoginRequest{Email: "a@example.com", Password: "password1"})
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)

	body, _ = json.Marshal(LoginRequest{Email: "a@example.com", Password: "nope"})
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RegisterValidation(t *testing.T) {
	h := NewHandler(NewService(newMemStore(), "s"), zerolog.Nop())
	body, _ := json.Marshal(RegisterRequest{Email: "not-an-email", Password: "short"})
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
