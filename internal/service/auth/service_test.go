package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/repository/memory"
	"github.com/jwalitptl/medrecords-api/pkg/auth"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/security"
)

type fixture struct {
	svc    *Service
	store  *repository.Store
	hasher security.PasswordHasher
	enc    security.Encryptor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	jwtSvc, err := auth.NewJWTService("test-secret", "medrec", time.Hour)
	require.NoError(t, err)
	enc, err := security.NewAESEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	store := memory.NewStore()
	hasher := security.NewBcryptHasher(bcrypt.MinCost)
	return &fixture{
		svc:    NewService(store.Accounts, store.Patients, hasher, enc, jwtSvc, event.Nop{}, nil, zerolog.Nop()),
		store:  store,
		hasher: hasher,
		enc:    enc,
	}
}

func (f *fixture) account(t *testing.T, email string, role model.Role, status model.AccountStatus) *model.Account {
	t.Helper()
	hash, err := f.hasher.Hash("secret1")
	require.NoError(t, err)
	acc := &model.Account{Name: "User " + string(role), Email: email, Role: role, Status: status, PasswordHash: hash}
	require.NoError(t, f.store.Accounts.Create(context.Background(), acc))
	return acc
}

func (f *fixture) patient(t *testing.T, code, nic string) *model.Patient {
	t.Helper()
	sealed, err := security.SealString(f.enc, nic)
	require.NoError(t, err)
	p := &model.Patient{FirstName: "Jane", LastName: "Doe", PatientID: code, NIC: sealed, QRToken: uuid.NewString()}
	require.NoError(t, f.store.Patients.Create(context.Background(), p))
	return p
}

func TestRegisterAlwaysCreatesPatient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, model.RegisterRequest{Name: "Jane", Email: "Jane@H.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, model.RolePatient, res.User.Role)
	assert.Equal(t, "jane@h.com", res.User.Email)
	assert.Empty(t, res.User.PatientID)

	session, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	linked, ok := session.(model.LinkedPatientSession)
	require.True(t, ok)
	assert.Equal(t, uuid.Nil, linked.PatientID)

	_, err = f.svc.Register(ctx, model.RegisterRequest{Name: "Jane", Email: "jane@h.com", Password: "secret1"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrConflict))
}

func TestLogin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	doc := f.account(t, "doc@h.com", model.RoleDoctor, model.AccountStatusActive)
	f.account(t, "gone@h.com", model.RoleNurse, model.AccountStatusSuspended)

	res, err := f.svc.Login(ctx, model.LoginRequest{Email: " DOC@h.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, doc.ID.String(), res.User.ID)

	session, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, model.StaffSession{AccountID: doc.ID, Role: model.RoleDoctor, Name: doc.Name, Email: doc.Email}, session)

	for _, req := range []model.LoginRequest{
		{Email: "doc@h.com", Password: "wrong"},
		{Email: "nobody@h.com", Password: "secret1"},
		{Email: "gone@h.com", Password: "secret1"},
	} {
		_, err := f.svc.Login(ctx, req)
		appErr, ok := apperrors.As(err)
		require.True(t, ok, req.Email)
		assert.Equal(t, apperrors.ErrUnauthorized, appErr.Code)
		assert.Equal(t, "invalid credentials", appErr.Message)
	}
}

func TestLoginLinkedPatientAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	acc := f.account(t, "jane@h.com", model.RolePatient, model.AccountStatusActive)
	p := f.patient(t, "PT000001", "NIC123")
	require.NoError(t, f.store.Patients.Link(ctx, p.ID, acc.ID))

	res, err := f.svc.Login(ctx, model.LoginRequest{Email: "jane@h.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, p.ID.String(), res.User.PatientID)

	session, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, model.LinkedPatientSession{AccountID: acc.ID, PatientID: p.ID, Name: acc.Name, Email: acc.Email}, session)
}

func TestLoginPatient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	bare := f.patient(t, "PT000001", "NIC123")

	res, err := f.svc.LoginPatient(ctx, model.PatientLoginRequest{PatientID: "PT000001", NIC: "NIC123"})
	require.NoError(t, err)
	session, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	assert.Equal(t, model.BarePatientSession{PatientID: bare.ID, Name: "Jane Doe"}, session)

	_, err = f.svc.LoginPatient(ctx, model.PatientLoginRequest{PatientID: "PT000001", NIC: "NIC999"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrUnauthorized))
	_, err = f.svc.LoginPatient(ctx, model.PatientLoginRequest{PatientID: "PT000404", NIC: "NIC123"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrUnauthorized))

	acc := f.account(t, "jane@h.com", model.RolePatient, model.AccountStatusActive)
	require.NoError(t, f.store.Patients.Link(ctx, bare.ID, acc.ID))

	res, err = f.svc.LoginPatient(ctx, model.PatientLoginRequest{PatientID: "PT000001", NIC: "NIC123"})
	require.NoError(t, err)
	session, err = f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	_, linked := session.(model.LinkedPatientSession)
	assert.True(t, linked)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Authenticate("not-a-token")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrUnauthorized))
}

func TestSessionFromClaims(t *testing.T) {
	id := uuid.New()

	_, err := SessionFromClaims(&auth.Claims{Kind: auth.KindStaff, Role: string(model.RolePatient)})
	assert.Error(t, err, "staff kind needs a staff role and subject")

	_, err = SessionFromClaims(&auth.Claims{Kind: auth.KindPatient})
	assert.Error(t, err)

	_, err = SessionFromClaims(&auth.Claims{Kind: "root"})
	assert.Error(t, err)

	s, err := SessionFromClaims(&auth.Claims{Kind: auth.KindPatient, PatientID: id.String()})
	require.NoError(t, err)
	assert.Equal(t, model.BarePatientSession{PatientID: id}, s)
}

func TestMeFillsEmailFromStore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	doc := f.account(t, "doc@h.com", model.RoleDoctor, model.AccountStatusActive)
	user := f.svc.Me(ctx, model.StaffSession{AccountID: doc.ID, Role: model.RoleDoctor})
	assert.Equal(t, "doc@h.com", user.Email)
	assert.Equal(t, doc.Name, user.Name)
}
