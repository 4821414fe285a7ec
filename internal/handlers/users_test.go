package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usersapi/apiserver/internal/auth"
	"github.com/usersapi/apiserver/internal/avatar"
	"github.com/usersapi/apiserver/internal/mail"
	"github.com/usersapi/apiserver/internal/services"
	"github.com/usersapi/apiserver/internal/storage"
	"github.com/usersapi/apiserver/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	_, token, ok := strings.Cut(m.sent[len(m.sent)-1].Text, "/users/verify/")
	require.True(t, ok)
	return strings.TrimSpace(token)
}

type testAPI struct {
	server *httptest.Server
	mailer *captureMailer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	local, err := storage.NewLocalClient(t.TempDir())
	require.NoError(t, err)
	avatars := storage.NewStorage(local, "")

	mailer := &captureMailer{}
	accounts := services.NewAccountService(services.AccountDeps{
		Repo:          store.NewMemoryAccountRepository(),
		Hasher:        auth.NewBcryptHasher(bcrypt.MinCost),
		Tokens:        auth.NewJWTIssuer("handler-secret"),
		Mailer:        mailer,
		Resizer:       avatar.NewResizer(),
		Avatars:       avatars,
		DefaultAvatar: avatar.NewGravatar(),
	}, services.AccountOptions{BaseURL: "http://api.test", TokenTTL: time.Hour})

	router := chi.NewRouter()
	router.Get("/healthz", Healthz)
	router.Route("/users", func(r chi.Router) {
		UserRouter(r, NewUserHandler(accounts, nil, 1<<20))
	})
	router.Route("/avatars", func(r chi.Router) {
		AvatarRouter(r, avatars, nil)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, mailer: mailer}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return a.send(t, req)
}

func (a *testAPI) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	}
	return resp, payload
}

func (a *testAPI) register(t *testing.T, email, password string) {
	t.Helper()
	resp, _ := a.do(t, http.MethodPost, "/users/register", "", RegisterRequest{Email: email, Password: password})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (a *testAPI) login(t *testing.T, email, password string) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/users/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (a *testAPI) uploadAvatar(t *testing.T, token, filename string, data []byte) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if data != nil {
		part, err := form.CreateFormFile(formFieldAvatar, filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPatch, a.server.URL+"/users/avatars", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return a.send(t, req)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	resp, body := api.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterEndpoint(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodPost, "/users/register", "", RegisterRequest{Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["verificationSent"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", user["email"])
	assert.Equal(t, "starter", user["subscription"])
	assert.NotEmpty(t, user["avatarURL"])
	assert.NotContains(t, user, "password")

	resp, body = api.do(t, http.MethodPost, "/users/register", "", RegisterRequest{Email: "a@x.com", Password: "secret1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Email in use", body["error"])
}

func TestRegisterEndpoint_Validation(t *testing.T) {
	api := newTestAPI(t)

	cases := []RegisterRequest{
		{Email: "", Password: "secret1"},
		{Email: "not-an-email", Password: "secret1"},
		{Email: "a@x.com", Password: ""},
		{Email: "a@x.com", Password: "123"},
	}
	for _, tc := range cases {
		resp, body := api.do(t, http.MethodPost, "/users/register", "", tc)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%+v", tc)
		assert.NotEmpty(t, body["error"])
	}

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/users/register", strings.NewReader("{"))
	require.NoError(t, err)
	resp, _ := api.send(t, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterEndpoint_DispatchFailure(t *testing.T) {
	api := newTestAPI(t)
	api.mailer.err = errors.New("down")

	resp, body := api.do(t, http.MethodPost, "/users/register", "", RegisterRequest{Email: "a@x.com", Password: "secret1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, false, body["verificationSent"])
}

func TestLoginEndpoint_SameErrorForBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")

	wrongResp, wrongBody := api.do(t, http.MethodPost, "/users/login", "", LoginRequest{Email: "a@x.com", Password: "nope"})
	unknownResp, unknownBody := api.do(t, http.MethodPost, "/users/login", "", LoginRequest{Email: "b@x.com", Password: "secret1"})

	assert.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)
	assert.Equal(t, wrongResp.StatusCode, unknownResp.StatusCode)
	assert.Equal(t, wrongBody, unknownBody)
	assert.Equal(t, "Email or password is wrong", wrongBody["error"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	for _, tc := range []struct{ method, path, token string }{
		{http.MethodGet, "/users/current", ""},
		{http.MethodGet, "/users/logout", ""},
		{http.MethodGet, "/users/current", "garbage"},
		{http.MethodPatch, "/users", "garbage"},
		{http.MethodPatch, "/users/avatars", ""},
	} {
		resp, body := api.do(t, tc.method, tc.path, tc.token, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Not authorized", body["error"])
	}
}

func TestSessionFlow(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")
	token := api.login(t, "a@x.com", "secret1")

	resp, body := api.do(t, http.MethodGet, "/users/current", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@x.com", body["email"])
	assert.Equal(t, "starter", body["subscription"])

	resp, body = api.do(t, http.MethodPatch, "/users", token, SubscriptionRequest{Subscription: "business"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "business", body["subscription"])

	resp, _ = api.do(t, http.MethodPatch, "/users", token, SubscriptionRequest{Subscription: "gold"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/users/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Logout success", body["message"])

	resp, _ = api.do(t, http.MethodGet, "/users/current", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutEndpoint_Idempotent(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")
	token := api.login(t, "a@x.com", "secret1")

	for i := 0; i < 2; i++ {
		resp, body := api.do(t, http.MethodGet, "/users/logout", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "logout #%d", i+1)
		assert.Equal(t, "Logout success", body["message"])
	}

	resp, _ := api.do(t, http.MethodGet, "/users/current", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/users/logout", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyEndpoints(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")
	token := api.mailer.lastToken(t)

	resp, body := api.do(t, http.MethodPost, "/users/verify", "", ResendVerificationRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "missing required field email")

	resp, _ = api.do(t, http.MethodPost, "/users/verify", "", ResendVerificationRequest{Email: "ghost@x.com"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodPost, "/users/verify", "", ResendVerificationRequest{Email: "a@x.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Verification email sent", body["message"])

	resp, body = api.do(t, http.MethodGet, "/users/verify/"+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Verification successful", body["message"])

	resp, body = api.do(t, http.MethodGet, "/users/verify/"+token, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "User not found", body["error"])

	resp, body = api.do(t, http.MethodPost, "/users/verify", "", ResendVerificationRequest{Email: "a@x.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Verification has already been passed", body["error"])
}

func TestAvatarUploadAndServe(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")
	token := api.login(t, "a@x.com", "secret1")

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 400, 300))))

	resp, body := api.uploadAvatar(t, token, "me.png", img.Bytes())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	avatarURL, _ := body["avatarURL"].(string)
	require.True(t, strings.HasPrefix(avatarURL, "/avatars/"), avatarURL)

	served, err := http.Get(api.server.URL + avatarURL)
	require.NoError(t, err)
	defer served.Body.Close()
	require.Equal(t, http.StatusOK, served.StatusCode)
	assert.Equal(t, "image/png", served.Header.Get("Content-Type"))
	cfg, _, err := image.DecodeConfig(served.Body)
	require.NoError(t, err)
	assert.Equal(t, avatar.DefaultSize, cfg.Width)
	assert.Equal(t, avatar.DefaultSize, cfg.Height)

	resp, body = api.do(t, http.MethodGet, "/users/current", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, avatarURL, body["avatarURL"])
}

func TestAvatarUpload_Failures(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "a@x.com", "secret1")
	token := api.login(t, "a@x.com", "secret1")

	resp, body := api.uploadAvatar(t, token, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file provided", body["error"])

	resp, body = api.uploadAvatar(t, token, "notes.txt", []byte("not an image"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal Server Error", body["error"])

	resp, _ = api.uploadAvatar(t, token, "huge.png", bytes.Repeat([]byte{1}, 2<<20))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvatarServe_NotFound(t *testing.T) {
	api := newTestAPI(t)

	resp, err := http.Get(api.server.URL + "/avatars/missing.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := bearerToken(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "Basic abc")
	_, err = bearerToken(req)
	require.Error(t, err)

	req.Header.Set("Authorization", "bearer  tok ")
	token, err := bearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}
