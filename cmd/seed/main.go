// Command seed loads demo accounts and one linked patient into the configured
// store. Existing accounts are left alone so it can be run repeatedly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jwalitptl/medrecords-api/config"
	"github.com/jwalitptl/medrecords-api/internal/app"
	"github.com/jwalitptl/medrecords-api/internal/model"
	"github.com/jwalitptl/medrecords-api/internal/repository"
	"github.com/jwalitptl/medrecords-api/pkg/logger"
	"github.com/jwalitptl/medrecords-api/pkg/security"
)

const demoPassword = "password123"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger(&logger.Config{Level: logger.InfoLevel, Format: cfg.Log.Format}).WithComponent("seed")
	if cfg.Store.Driver == "memory" {
		log.Warn("memory store selected, seeded data is lost when this process exits")
	}

	ctx := context.Background()
	store, err := app.OpenStore(ctx, cfg, nil)
	if err != nil {
		log.Fatal(err, "failed to open store")
	}
	defer store.Close()

	if err := seed(ctx, cfg, store, log); err != nil {
		log.Fatal(err, "seed failed")
	}
	log.Info("seed complete", "password", demoPassword)
}

func seed(ctx context.Context, cfg *config.Config, store *repository.Store, log *logger.Logger) error {
	files, err := app.OpenFiles(cfg.Attachments)
	if err != nil {
		return err
	}
	a, err := app.New(app.Options{Config: cfg, Store: store, Files: files, Logger: *log.Zerolog()})
	if err != nil {
		return err
	}

	admin, created, err := ensureAdmin(ctx, cfg, store)
	if err != nil {
		return err
	}
	if !created {
		log.Info("demo data already present, nothing to do")
		return nil
	}
	session := model.StaffSession{AccountID: admin.ID, Role: admin.Role, Name: admin.Name, Email: admin.Email}

	if _, err := a.Accounts.Create(ctx, session, model.CreateAccountRequest{
		Name: "Dr. Demo", Email: "doc@h.com", Password: demoPassword, Role: model.RoleDoctor,
	}); err != nil {
		return fmt.Errorf("doctor: %w", err)
	}
	patientAccount, err := a.Accounts.Create(ctx, session, model.CreateAccountRequest{
		Name: "Pat Demo", Email: "patient@h.com", Password: demoPassword, Role: model.RolePatient,
	})
	if err != nil {
		return fmt.Errorf("patient account: %w", err)
	}

	p, err := a.Patients.Create(ctx, session, model.CreatePatientRequest{
		FirstName: "Pat", LastName: "Demo", Gender: model.GenderOther, DOB: "1990-01-01",
		Phone: "0771234567", Email: "patient@h.com", NIC: "199000000000",
		Allergies: model.Allergies{"Penicillin"}, MedicalHistory: "Asthma",
	})
	if err != nil {
		return fmt.Errorf("patient: %w", err)
	}
	if _, err := a.Patients.Link(ctx, session, patientAccount.ID, p.ID); err != nil {
		return fmt.Errorf("link: %w", err)
	}

	log.Info("demo patient created", "patient_id", p.PatientID, "nic", "199000000000")
	return nil
}

// ensureAdmin creates the first administrator directly in the store, since
// every other account is created by an administrator.
func ensureAdmin(ctx context.Context, cfg *config.Config, store *repository.Store) (*model.Account, bool, error) {
	existing, err := store.Accounts.GetByEmail(ctx, "admin@h.com")
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	hash, err := security.NewBcryptHasher(cfg.Security.BcryptCost).Hash(demoPassword)
	if err != nil {
		return nil, false, err
	}
	admin := &model.Account{
		Name:         "Admin",
		Email:        "admin@h.com",
		Role:         model.RoleAdmin,
		Status:       model.AccountStatusActive,
		PasswordHash: hash,
	}
	if err := store.Accounts.Create(ctx, admin); err != nil {
		return nil, false, err
	}
	return admin, true, nil
}
