package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medidesk/clinic-queue/internal/appointment"
	"github.com/medidesk/clinic-queue/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	patients, err := seedPatients(context.Background(), pool, 200)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, patients, 3); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	ids := make([]uuid.UUID, 0, count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		firstName := gofakeit.FirstName()
		lastName := gofakeit.LastName()
		email := gofakeit.Email()

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, first_name, last_name, email, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, firstName, lastName, email)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("patients seeded")
	return ids, nil
}

// seedAppointments books a spread of pending appointments over the next few
// days so the accept/serve flow has something to chew on.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, patients []uuid.UUID, days int) error {
	log.Printf("seeding appointments over %d days", days)

	reasons := []string{
		"routine check-up",
		"follow-up consultation",
		"prenatal visit",
		"blood pressure review",
		"medication refill",
		"lab results discussion",
		"vaccination",
		"persistent cough",
	}
	types := []appointment.AppointmentType{
		appointment.TypeTelemedicine,
		appointment.TypeInPerson,
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	for day := 0; day < days; day++ {
		count := gofakeit.Number(10, 25)
		for i := 0; i < count; i++ {
			patientID := patients[gofakeit.Number(0, len(patients)-1)]
			date := time.Now().AddDate(0, 0, day).
				Truncate(24 * time.Hour).
				Add(time.Duration(gofakeit.Number(8, 16)) * time.Hour)
			typ := types[gofakeit.Number(0, len(types)-1)]
			reason := reasons[gofakeit.Number(0, len(reasons)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, patient_id, date, type, status, reason, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 'pending', $5, now(), now())
			`, uuid.New(), patientID, date, typ, reason)
			if err != nil {
				return err
			}
			total++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("appointments seeded: %d", total)
	return nil
}
