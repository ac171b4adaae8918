package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
)

// testStore connects to MEDREC_TEST_DSN and migrates a throwaway schema
// that is dropped when the test ends.
func testStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := os.Getenv("MEDREC_TEST_DSN")
	if dsn == "" {
		t.Skip("MEDREC_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	// one connection so the search_path below applies to every statement
	db.SetMaxOpenConns(1)

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", name))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", name))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", name))
		db.Close()
	})

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db), "migrate is repeatable")
	return NewStore(db, nil)
}

func seedPatient(t *testing.T, store *repository.Store, code string) *model.Patient {
	t.Helper()
	p := &model.Patient{
		CreatedBy: uuid.New(),
		FirstName: "Jane",
		LastName:  "Doe",
		Gender:    model.GenderFemale,
		DOB:       time.Date(1985, 5, 5, 0, 0, 0, 0, time.UTC),
		NIC:       "NIC-" + code,
		PatientID: code,
		Allergies: model.StringList{"latex"},
		QRToken:   uuid.NewString(),
	}
	require.NoError(t, store.Patients.Create(context.Background(), p))
	return p
}

func TestPostgresRecordLog(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	p := seedPatient(t, store, "PT000001")

	author, other := uuid.New(), uuid.New()
	first, err := model.NewEntry(model.EntryDiagnosis, "Flu", author, nil, time.Now().UTC())
	require.NoError(t, err)
	second, err := model.NewEntry(model.EntryPrescription, "Rest", other, []model.Attachment{
		{Name: "rx.pdf", ContentType: "application/pdf", Size: 3, URL: "/x"},
	}, time.Now().UTC())
	require.NoError(t, err)

	rec, err := store.Records.AppendEntry(ctx, p.ID, first)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Len())
	rec, err = store.Records.AppendEntry(ctx, p.ID, second)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Len(), "second append extends the existing log")
	assert.Equal(t, first.ID, rec.Entries()[0].ID)
	assert.Equal(t, second.ID, rec.Entries()[1].ID)
	assert.Len(t, rec.Entries()[1].Attachments, 1)

	_, err = store.Records.AppendEntry(ctx, uuid.New(), first)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.Records.Modify(ctx, p.ID, func(r *model.Record) error {
		_, err := r.Edit(first.ID, other, "changed", time.Now().UTC())
		return err
	})
	assert.ErrorIs(t, err, model.ErrNotEntryAuthor)
	stored, err := store.Records.GetByPatient(ctx, p.ID)
	require.NoError(t, err)
	got, _ := stored.Entry(first.ID)
	assert.Equal(t, "Flu", got.Text, "failed edit must not persist")

	rec, err = store.Records.Modify(ctx, p.ID, func(r *model.Record) error {
		_, err := r.Edit(first.ID, author, "Influenza A", time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	stored, err = store.Records.GetByPatient(ctx, p.ID)
	require.NoError(t, err)
	got, _ = stored.Entry(first.ID)
	assert.Equal(t, "Influenza A", got.Text)
	assert.Equal(t, model.EntryEdited, got.State)

	_, err = store.Records.Modify(ctx, uuid.New(), func(*model.Record) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := store.Records.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	since := time.Now().Add(-time.Hour)
	n, err = store.Records.CountEntriesUpdatedBy(ctx, author, since)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Records.CountEntriesUpdatedBy(ctx, author, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPostgresPatientLinkAndDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	p := seedPatient(t, store, "PT000001")
	assert.ErrorIs(t, store.Patients.Create(ctx, &model.Patient{
		CreatedBy: uuid.New(), FirstName: "J", LastName: "D", Gender: model.GenderMale,
		DOB: time.Now().UTC(), PatientID: "PT000001", QRToken: uuid.NewString(), Allergies: model.StringList{},
	}), repository.ErrDuplicate)

	acc := &model.Account{Name: "Jane", Email: "jane@h.com", Role: model.RolePatient, Status: model.AccountStatusActive, PasswordHash: "x"}
	require.NoError(t, store.Accounts.Create(ctx, acc))
	require.NoError(t, store.Patients.Link(ctx, p.ID, acc.ID))

	linked, err := store.Patients.GetByLinkedAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, linked.ID)
	assert.Equal(t, model.StringList{"latex"}, linked.Allergies)

	e, err := model.NewEntry(model.EntryNote, "note", uuid.New(), nil, time.Now().UTC())
	require.NoError(t, err)
	_, err = store.Records.AppendEntry(ctx, p.ID, e)
	require.NoError(t, err)

	require.NoError(t, store.Patients.Delete(ctx, p.ID))
	_, err = store.Accounts.Get(ctx, acc.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.Records.GetByPatient(ctx, p.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, store.Patients.Delete(ctx, p.ID), repository.ErrNotFound)
}
