package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/medrecords-api/config"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository/memory"
	"github.com/jwalitptl/medrecords-api/pkg/metrics"
	"github.com/jwalitptl/medrecords-api/pkg/security"
	"github.com/jwalitptl/medrecords-api/pkg/storage"
)

const password = "secret123"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      int    `json:"code"`
		Message   string `json:"message"`
		Field     string `json:"field"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
}

func testConfig() *config.Config {
	return &config.Config{
		Server:      config.ServerConfig{Mode: gin.TestMode, RequestTimeout: 5 * time.Second},
		Store:       config.StoreConfig{Driver: "memory"},
		JWT:         config.JWTConfig{Secret: "test-secret", Issuer: "medrecords-test", Expiry: time.Hour, CookieName: "token"},
		QR:          config.QRConfig{Size: 128},
		Security:    config.SecurityConfig{BcryptCost: 4, EncryptionKey: "0123456789abcdef0123456789abcdef"},
		CORS:        config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		Attachments: config.AttachmentsConfig{Driver: "memory", MaxFiles: 5, MaxFileSize: storage.DefaultMaxFileSize},
		Redis:       config.RedisConfig{Channel: "medrec.events"},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	store := memory.NewStore()

	hasher := security.NewBcryptHasher(cfg.Security.BcryptCost)
	for _, staff := range []struct {
		name  string
		email string
		role  model.Role
	}{
		{"Admin", "admin@h.com", model.RoleAdmin},
		{"Dr House", "doc@h.com", model.RoleDoctor},
		{"Dr Grey", "doc2@h.com", model.RoleDoctor},
		{"Nurse Joy", "nurse@h.com", model.RoleNurse},
	} {
		hash, err := hasher.Hash(password)
		require.NoError(t, err)
		require.NoError(t, store.Accounts.Create(context.Background(), &model.Account{
			Name: staff.name, Email: staff.email, Role: staff.role,
			Status: model.AccountStatusActive, PasswordHash: hash,
		}))
	}

	a, err := New(Options{
		Config:  cfg,
		Store:   store,
		Files:   storage.NewMemory(cfg.Attachments.MaxFileSize),
		Metrics: metrics.New("test"),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return &testServer{t: t, engine: a.Router.Engine()}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func (s *testServer) login(email string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": email, "password": password})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Token string `json:"token"`
	}
	decode(s.t, w, &res)
	require.NotEmpty(s.t, res.Token)
	return res.Token
}

func (s *testServer) createPatient(token, first, nic string) model.CreatedPatient {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/patients", token, gin.H{
		"firstName": first, "lastName": "Doe", "gender": "Female",
		"dob": "1985-05-05", "nic": nic, "allergies": "penicillin, latex",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var created model.CreatedPatient
	decode(s.t, w, &created)
	return created
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "", nil).Code)

	s.login("admin@h.com")
	w := s.do(http.MethodGet, "/health/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_login_attempts_total")
}

func TestProtectedRoutesNeedASession(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/patients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/patients", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// me is public and answers with a null user
	w = s.do(http.MethodGet, "/api/v1/auth/me", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		User *model.SessionUser `json:"user"`
	}
	decode(t, w, &me)
	assert.Nil(t, me.User)
}

func TestLoginSetsCookie(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "ADMIN@h.com", "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		User model.SessionUser `json:"user"`
	}
	decode(t, rec, &me)
	assert.Equal(t, model.RoleAdmin, me.User.Role)
	assert.Equal(t, "admin@h.com", me.User.Email)

	w = s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "admin@h.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	env := decode(t, w, nil)
	assert.Equal(t, "invalid credentials", env.Error.Message)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"name": "Pat", "email": "nope", "password": password})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w, nil)
	assert.Equal(t, "email", env.Error.Field)

	w = s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"name": "Pat", "email": "pat@h.com", "password": password})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"name": "Pat", "email": "pat@h.com", "password": password})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// A clinician resolves a freshly registered patient's token and sees only
// the triage view.
func TestCreateAndResolve(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")
	doctor := s.login("doc@h.com")

	jane := s.createPatient(admin, "Jane", "NIC123")
	assert.Equal(t, "PT000001", jane.PatientID)
	assert.NotEmpty(t, jane.QR.Token)
	assert.NotEmpty(t, jane.QR.Image)
	assert.Equal(t, "PT000002", s.createPatient(admin, "Joan", "NIC456").PatientID)

	w := s.do(http.MethodGet, "/api/v1/patients/resolve?t="+jane.QR.Token, doctor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), jane.QR.Token)
	var identity model.IdentityView
	decode(t, w, &identity)
	assert.Equal(t, jane.ID, identity.ID)
	assert.Equal(t, []string{"penicillin", "latex"}, identity.Allergies)
	assert.Equal(t, "1985-05-05", identity.DOB)

	w = s.do(http.MethodGet, "/api/v1/patients/resolve?t=unknown", doctor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/patients/resolve", doctor, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStaffCannotRegisterPatients(t *testing.T) {
	s := newTestServer(t)
	nurse := s.login("nurse@h.com")
	doctor := s.login("doc@h.com")

	for _, token := range []string{nurse, doctor} {
		w := s.do(http.MethodPost, "/api/v1/patients", token, gin.H{
			"firstName": "Jane", "lastName": "Doe", "gender": "Female", "dob": "1985-05-05", "nic": "NIC1",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/patients", token, nil).Code)
	}
}

func TestCreatePatientValidation(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")

	w := s.do(http.MethodPost, "/api/v1/patients", admin, gin.H{
		"firstName": "Jane", "lastName": "Doe", "gender": "Unknown", "dob": "1985-05-05", "nic": "NIC1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "gender", decode(t, w, nil).Error.Field)

	w = s.do(http.MethodPost, "/api/v1/patients", admin, gin.H{
		"firstName": "Jane", "lastName": "Doe", "gender": "Female", "dob": "05/05/1985", "nic": "NIC1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "dob", decode(t, w, nil).Error.Field)
}

func TestRotateRevokesOldToken(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")
	nurse := s.login("nurse@h.com")
	jane := s.createPatient(admin, "Jane", "NIC123")

	w := s.do(http.MethodPost, "/api/v1/patients/"+jane.ID.String()+"/rotate-token", nurse, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/v1/patients/"+jane.ID.String()+"/rotate-token", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var qr model.QRView
	decode(t, w, &qr)
	require.NotEqual(t, jane.QR.Token, qr.Token)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/patients/resolve?t="+jane.QR.Token, nurse, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/patients/resolve?t="+qr.Token, nurse, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/patients/"+jane.ID.String()+"/qr.png", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestQRDownloadFilenameIsEscaped(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")

	for i, first := range []string{`Ja"ne`, "Jane\r\nX-Injected: 1", "Zoë; x=y"} {
		w := s.do(http.MethodPost, "/api/v1/patients", admin, gin.H{
			"firstName": first, "lastName": "Doe", "gender": "Female",
			"dob": "1985-05-05", "nic": "NIC" + string(rune('A'+i)),
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var created model.CreatedPatient
		decode(t, w, &created)

		w = s.do(http.MethodGet, "/api/v1/patients/"+created.ID.String()+"/qr.png", admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Injected"))
		disposition := w.Header().Get("Content-Disposition")
		assert.NotContains(t, disposition, "\r")
		assert.NotContains(t, disposition, "\n")
		kind, params, err := mime.ParseMediaType(disposition)
		require.NoError(t, err, disposition)
		assert.Equal(t, "attachment", kind)
		assert.Contains(t, params["filename"], "-Doe-qr.png")
	}
}

func TestOnlyAuthorEditsEntry(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")
	doctor := s.login("doc@h.com")
	doctor2 := s.login("doc2@h.com")
	nurse := s.login("nurse@h.com")
	jane := s.createPatient(admin, "Jane", "NIC123")
	base := "/api/v1/records/" + jane.ID.String()

	w := s.do(http.MethodPost, base+"/entries", nurse, gin.H{"type": "NOTE", "text": "obs"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, base+"/entries", doctor, gin.H{"type": "BOGUS", "text": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, base+"/entries", doctor, gin.H{"type": "DIAGNOSIS", "text": "Flu"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec model.RecordView
	decode(t, w, &rec)
	require.Len(t, rec.Entries, 1)
	entry := rec.Entries[0]
	assert.Equal(t, "Dr House", entry.Author.Name)

	path := base + "/entries/" + entry.ID.String()
	for _, token := range []string{doctor2, admin} {
		w = s.do(http.MethodPatch, path, token, gin.H{"text": "Cold"})
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "You can only edit your own entries", decode(t, w, nil).Error.Message)
	}

	w = s.do(http.MethodPatch, path, doctor, gin.H{"text": "Influenza A"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, base, nurse, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rec)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, "Influenza A", rec.Entries[0].Text)
	assert.Equal(t, model.EntryEdited, rec.Entries[0].State)

	w = s.do(http.MethodGet, "/api/v1/records/not-a-uuid", nurse, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// A patient signs in with their patient id and NIC and sees only their own
// record.
func TestPatientSeesOwnRecordOnly(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")
	doctor := s.login("doc@h.com")
	jane := s.createPatient(admin, "Jane", "NIC123")
	john := s.createPatient(admin, "John", "NIC456")

	w := s.do(http.MethodPost, "/api/v1/records/"+jane.ID.String()+"/entries", doctor, gin.H{"type": "PRESCRIPTION", "text": "Rest"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auth/login/patient", "", gin.H{"patientId": jane.PatientID, "nic": "WRONG"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/v1/auth/login/patient", "", gin.H{"patientId": jane.PatientID, "nic": "NIC123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Token string            `json:"token"`
		User  model.SessionUser `json:"user"`
	}
	decode(t, w, &res)
	assert.Equal(t, model.RolePatient, res.User.Role)
	patient := res.Token

	w = s.do(http.MethodGet, "/api/v1/me/records", patient, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec model.RecordView
	decode(t, w, &rec)
	assert.Equal(t, jane.ID, rec.PatientID)
	require.Len(t, rec.Entries, 1)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/records/"+jane.ID.String(), patient, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/records/"+john.ID.String(), patient, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/patients/"+john.ID.String(), patient, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/patients/resolve?t="+john.QR.Token, patient, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/patients/"+jane.ID.String(), patient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), jane.QR.Token)
}

func TestLinkedAccountSeesPatient(t *testing.T) {
	s := newTestServer(t)
	admin := s.login("admin@h.com")
	jane := s.createPatient(admin, "Jane", "NIC123")
	john := s.createPatient(admin, "John", "NIC456")

	w := s.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"name": "Jane Doe", "email": "jane@h.com", "password": password})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var reg struct {
		Token string            `json:"token"`
		User  model.SessionUser `json:"user"`
	}
	decode(t, w, &reg)

	// not linked yet
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/me/patient", reg.Token, nil).Code)

	w = s.do(http.MethodPost, "/api/v1/users/"+reg.User.ID+"/link-patient", admin, gin.H{"patientId": jane.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/me/patient", reg.Token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view model.PatientView
	decode(t, w, &view)
	assert.Equal(t, jane.ID, view.ID)
	assert.Nil(t, view.QR)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/records/"+jane.ID.String(), reg.Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/records/"+john.ID.String(), reg.Token, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/dashboard/stats", reg.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
