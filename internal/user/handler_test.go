package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/info-rubbish/meichu2025/internal/auth"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/internal/tools"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

type configurableTool struct{}

func (configurableTool) Name() string                { return "mailbox" }
func (configurableTool) Description() string         { return "reads mail" }
func (configurableTool) ArgsSchema() json.RawMessage { return nil }
func (configurableTool) ConfigSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"host":{"type":"string"}},"required":["host"]}`)
}
func (configurableTool) Execute(context.Context, json.RawMessage, tools.UserContext) (string, error) {
	return "", nil
}

type plainTool struct{}

func (plainTool) Name() string                  { return "weather" }
func (plainTool) Description() string           { return "weather lookup" }
func (plainTool) ArgsSchema() json.RawMessage   { return nil }
func (plainTool) ConfigSchema() json.RawMessage { return nil }
func (plainTool) Execute(context.Context, json.RawMessage, tools.UserContext) (string, error) {
	return "", nil
}

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(time.Second)
	registry.MustRegister(plainTool{})
	registry.MustRegister(configurableTool{})

	tokens := auth.NewTokens([]byte("test-signing-key"))
	return NewHandler(st, tokens, registry, logging.New("error")), st
}

func TestRegisterAndLogin(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"email":"Ada@Example.com","password":"hunter2hunter2","display_name":"Ada"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var session sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.Token)
	require.Equal(t, "ada@example.com", session.User.Email)

	// Login with the same credentials, any casing.
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"ADA@example.com","password":"hunter2hunter2"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"email":"a@example.com","password":"short"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"email":"a@example.com","password":"hunter2hunter2"}`
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginWrongPassword(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"email":"a@example.com","password":"hunter2hunter2"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, body := range []string{
		`{"email":"a@example.com","password":"wrong-password"}`,
		`{"email":"nobody@example.com","password":"hunter2hunter2"}`,
	} {
		rec = httptest.NewRecorder()
		h.Login(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func registerUser(t *testing.T, h *Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"email":"a@example.com","password":"hunter2hunter2","display_name":"Ada"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var session sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session.User.ID
}

func TestProfileRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	userID := registerUser(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	h.Profile(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPatch, "/api/user", strings.NewReader(`{"display_name":"Ada L."}`))
	req = req.WithContext(auth.WithUserID(req.Context(), userID))
	rec = httptest.NewRecorder()
	h.UpdateProfile(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated store.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, "Ada L.", updated.DisplayName)
}

func TestToolConfigLifecycle(t *testing.T) {
	h, st := newTestHandler(t)
	userID := registerUser(t, h)

	put := func(name, body string) *httptest.ResponseRecorder {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("name", name)
		req := httptest.NewRequest(http.MethodPut, "/api/user/tools/"+name, strings.NewReader(body))
		req = req.WithContext(auth.WithUserID(
			context.WithValue(req.Context(), chi.RouteCtxKey, rctx), userID))
		rec := httptest.NewRecorder()
		h.PutToolConfig(rec, req)
		return rec
	}

	// Schema violations and unknown tools are rejected.
	require.Equal(t, http.StatusBadRequest, put("mailbox", `{}`).Code)
	require.Equal(t, http.StatusNotFound, put("nope", `{"host":"x"}`).Code)
	require.Equal(t, http.StatusBadRequest, put("weather", `{}`).Code)

	require.Equal(t, http.StatusNoContent, put("mailbox", `{"host":"imap.example.com"}`).Code)

	saved, err := st.GetToolConfig(context.Background(), userID, "mailbox")
	require.NoError(t, err)
	require.JSONEq(t, `{"host":"imap.example.com"}`, saved)

	// The listing reflects the stored config.
	req := httptest.NewRequest(http.MethodGet, "/api/user/tools", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	h.ListTools(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []toolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 2)
	byName := map[string]toolStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	require.True(t, byName["mailbox"].Configurable)
	require.True(t, byName["mailbox"].Configured)
	require.False(t, byName["weather"].Configurable)
	require.False(t, byName["weather"].Configured)
}
