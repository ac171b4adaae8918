package patient

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/internal/repository/memory"
	"github.com/jwalitptl/medrecords-api/internal/service/rbac"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
	"github.com/jwalitptl/medrecords-api/pkg/event"
	"github.com/jwalitptl/medrecords-api/pkg/qrcode"
	"github.com/jwalitptl/medrecords-api/pkg/security"
	"github.com/jwalitptl/medrecords-api/pkg/storage"
)

var (
	admin  = model.StaffSession{AccountID: uuid.New(), Role: model.RoleAdmin, Name: "Admin"}
	doctor = model.StaffSession{AccountID: uuid.New(), Role: model.RoleDoctor, Name: "Dr. Who"}
	nurse  = model.StaffSession{AccountID: uuid.New(), Role: model.RoleNurse, Name: "Nurse"}
)

func newTestService(t *testing.T) (*Service, *repository.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store.Patients, store.Accounts, storage.NewMemory(0), qrcode.NewCodec(256), security.NopEncryptor{},
		rbac.NewService(nil), event.Nop{}, nil, zerolog.Nop())
	return svc, store
}

func createRequest(first string) model.CreatePatientRequest {
	return model.CreatePatientRequest{
		FirstName:      first,
		LastName:       "Doe",
		Gender:         model.GenderFemale,
		DOB:            "1990-04-12",
		NIC:            "NIC-" + first,
		Allergies:      model.Allergies{"penicillin"},
		MedicalHistory: "asthma",
	}
}

func TestCreateMintsSequentialCodes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		created, err := svc.Create(ctx, admin, createRequest(fmt.Sprintf("P%d", i)))
		require.NoError(t, err)
		assert.Equal(t, model.FormatPatientCode(i), created.PatientID)
		assert.NotEmpty(t, created.QR.Token)
		assert.Contains(t, created.QR.Image, "data:image/png;base64,")
	}
}

func TestCreateRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	for _, s := range []model.Session{doctor, nurse, model.LinkedPatientSession{AccountID: uuid.New()}} {
		_, err := svc.Create(context.Background(), s, createRequest("Jane"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden), "%s", s.SessionRole())
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)

	req := createRequest("Jane")
	req.DOB = "12/04/1990"
	_, err := svc.Create(context.Background(), admin, req)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrBadRequest, appErr.Code)
	assert.Equal(t, "dob", appErr.Field)

	req = createRequest("Jane")
	req.Gender = "Unknown"
	_, err = svc.Create(context.Background(), admin, req)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrBadRequest))
}

func TestCreateCodeCollisionIsRetryableConflict(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// PT000002 exists but PT000001 was created after it, so the next code collides.
	require.NoError(t, store.Patients.Create(ctx, &model.Patient{PatientID: "PT000002", QRToken: "a"}))
	require.NoError(t, store.Patients.Create(ctx, &model.Patient{PatientID: "PT000001", QRToken: "b"}))

	_, err := svc.Create(ctx, admin, createRequest("Jane"))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrConflict, appErr.Code)
	assert.True(t, appErr.Retryable)
}

func TestResolveAndRotate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin, createRequest("Jane"))
	require.NoError(t, err)

	for _, s := range []model.Session{admin, doctor, nurse} {
		view, err := svc.Resolve(ctx, s, created.QR.Token)
		require.NoError(t, err)
		assert.Equal(t, created.ID, view.ID)
		assert.Equal(t, []string{"penicillin"}, view.Allergies)
	}

	_, err = svc.Resolve(ctx, model.LinkedPatientSession{AccountID: uuid.New()}, created.QR.Token)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))

	rotated, err := svc.RotateToken(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.QR.Token, rotated.Token)

	_, err = svc.Resolve(ctx, doctor, created.QR.Token)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))

	view, err := svc.Resolve(ctx, doctor, rotated.Token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, view.ID)

	_, err = svc.RotateToken(ctx, doctor, created.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))
}

func TestResolveEmptyToken(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), doctor, "  ")
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "t", appErr.Field)
}

func TestScanTextAndImage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin, createRequest("Jane"))
	require.NoError(t, err)

	view, err := svc.Scan(ctx, nurse, "https://clinic.example/scan?t="+created.QR.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, created.ID, view.ID)

	png, _, err := svc.QRImage(ctx, admin, created.ID)
	require.NoError(t, err)
	view, err = svc.Scan(ctx, nurse, "", bytes.NewReader(png))
	require.NoError(t, err)
	assert.Equal(t, created.ID, view.ID)

	_, err = svc.Scan(ctx, nurse, "short", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrBadRequest))
}

func TestGetHidesQRFromNonAdmins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin, createRequest("Jane"))
	require.NoError(t, err)

	view, err := svc.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	require.NotNil(t, view.QR)
	assert.Equal(t, created.QR.Token, view.QR.Token)

	view, err = svc.Get(ctx, doctor, created.ID)
	require.NoError(t, err)
	assert.Nil(t, view.QR)

	_, err = svc.Get(ctx, doctor, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))
}

func TestLinkAndOwnership(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin, createRequest("Jane"))
	require.NoError(t, err)
	other, err := svc.Create(ctx, admin, createRequest("Ann"))
	require.NoError(t, err)

	account := &model.Account{Name: "Jane", Email: "jane@h.com", Role: model.RolePatient, Status: model.AccountStatusActive}
	require.NoError(t, store.Accounts.Create(ctx, account))
	staff := &model.Account{Name: "Doc", Email: "doc@h.com", Role: model.RoleDoctor, Status: model.AccountStatusActive}
	require.NoError(t, store.Accounts.Create(ctx, staff))

	_, err = svc.Link(ctx, admin, staff.ID, created.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrBadRequest))

	linked, err := svc.Link(ctx, admin, account.ID, created.ID)
	require.NoError(t, err)
	assert.True(t, linked.Linked)

	_, err = svc.Link(ctx, admin, account.ID, other.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrConflict))

	// an account linked after login still finds its patient
	session := model.LinkedPatientSession{AccountID: account.ID}
	mine, err := svc.Mine(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, created.ID, mine.ID)
	assert.Nil(t, mine.QR)

	_, err = svc.Get(ctx, session, created.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, session, other.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))

	_, err = svc.Mine(ctx, model.LinkedPatientSession{AccountID: uuid.New()})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))
	_, err = svc.Mine(ctx, doctor)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))
}

func TestRelinkRevokesPreviousAccount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin, createRequest("Jane"))
	require.NoError(t, err)
	first := &model.Account{Name: "Jane", Email: "jane@h.com", Role: model.RolePatient, Status: model.AccountStatusActive}
	require.NoError(t, store.Accounts.Create(ctx, first))
	second := &model.Account{Name: "Jane D", Email: "jane.d@h.com", Role: model.RolePatient, Status: model.AccountStatusActive}
	require.NoError(t, store.Accounts.Create(ctx, second))

	_, err = svc.Link(ctx, admin, first.ID, created.ID)
	require.NoError(t, err)

	// the session login issued while the first account was linked
	stale := model.LinkedPatientSession{AccountID: first.ID, PatientID: created.ID}
	_, err = svc.Get(ctx, stale, created.ID)
	require.NoError(t, err)

	_, err = svc.Link(ctx, admin, second.ID, created.ID)
	require.NoError(t, err)

	_, err = svc.Get(ctx, stale, created.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))
	_, err = svc.Mine(ctx, stale)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))

	mine, err := svc.Mine(ctx, model.LinkedPatientSession{AccountID: second.ID})
	require.NoError(t, err)
	assert.Equal(t, created.ID, mine.ID)
}

func TestListAndDelete(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"Jane", "Janet", "Mary"} {
		_, err := svc.Create(ctx, admin, createRequest(name))
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, admin, model.PatientFilter{Query: "jan", Pagination: model.Pagination{Limit: 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Equal(t, 1, page.Page)
	require.Len(t, page.Patients, 1)

	_, err = svc.List(ctx, doctor, model.PatientFilter{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrForbidden))

	id := page.Patients[0].ID
	mary, err := svc.List(ctx, admin, model.PatientFilter{Query: "mary"})
	require.NoError(t, err)
	require.Len(t, mary.Patients, 1)
	scan, err := svc.files.Save(ctx, id.String(), storage.Object{Name: "scan.png", ContentType: "image/png"}, bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	kept, err := svc.files.Save(ctx, mary.Patients[0].ID.String(), storage.Object{Name: "note.txt", ContentType: "text/plain"}, bytes.NewReader([]byte("ok")))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, admin, id))
	_, err = store.Patients.Get(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = svc.files.Open(ctx, id.String(), scan.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rc, err := svc.files.Open(ctx, mary.Patients[0].ID.String(), kept.Key)
	require.NoError(t, err)
	rc.Close()
	assert.True(t, apperrors.HasCode(svc.Delete(ctx, admin, id), apperrors.ErrNotFound))
}
