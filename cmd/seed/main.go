package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opclinic/surgical-scheduling/internal/db"
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

	doctors, err := seedUsers(context.Background(), pool, 20)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	patients, err := seedPatients(context.Background(), pool, 500)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(context.Background(), pool, doctors, patients, 200); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, doctorCount int) ([]uuid.UUID, error) {
	log.Printf("seeding %d doctors and 2 admins", doctorCount)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var doctors []uuid.UUID
	for i := 0; i < doctorCount; i++ {
		id := uuid.New()
		license := fmt.Sprintf("CRM-%d/%s", gofakeit.Number(10000, 99999), gofakeit.RandomString([]string{"SP", "RJ", "RS", "MG"}))

		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, name, email, role, medical_license, created_at, updated_at)
			VALUES ($1, $2, $3, 'DOCTOR', $4, now(), now())
		`, id, gofakeit.Name(), gofakeit.Email(), license)
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, id)
	}

	for i := 0; i < 2; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, name, email, role, medical_license, created_at, updated_at)
			VALUES ($1, $2, $3, 'ADMIN', NULL, now(), now())
		`, uuid.New(), gofakeit.Name(), gofakeit.Email())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("users seeded")
	return doctors, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 100

	var patients []uuid.UUID
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			birth := gofakeit.DateRange(
				time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2010, 12, 31, 0, 0, 0, 0, time.UTC),
			)
			// i keeps phones unique across the run
			phone := fmt.Sprintf("(%02d) 9%04d-%04d", gofakeit.Number(11, 99), i, gofakeit.Number(0, 9999))

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, birth_date, phone, cpf, created_at, updated_at)
				VALUES ($1, $2, $3, $4, NULL, now(), now())
			`, id, gofakeit.Name(), birth, phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			patients = append(patients, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return patients, nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, doctors, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d appointments", count)

	procedures := []string{
		"Colecistectomia videolaparoscópica",
		"Herniorrafia inguinal",
		"Artroscopia de joelho",
		"Facectomia com implante de lente",
		"Septoplastia",
		"Safenectomia bilateral",
	}
	insurances := []string{
		"BRADESCO_SAUDE", "MEDSENIOR", "CABERGS_SAUDE",
		"POSTAL_SAUDE", "UNIMED", "DANAMED", "SUL_AMERICA",
	}

	inserted := 0
	for day := 1; inserted < count; day++ {
		date := time.Now().AddDate(0, 0, day)
		for _, doctor := range doctors {
			if inserted >= count {
				break
			}

			// One morning block per doctor per day keeps the exclusion
			// constraint quiet during seeding.
			hour := 7 + gofakeit.Number(0, 5)
			start := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.Local)
			end := start.Add(time.Duration(gofakeit.Number(1, 4)) * 30 * time.Minute)

			_, err := pool.Exec(ctx, `
				INSERT INTO appointments (id, doctor_id, patient_id, procedure, start_date_time, end_date_time,
					status, insurance, special_needs, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, NULL, now(), now())
			`, uuid.New(), doctor, patients[gofakeit.Number(0, len(patients)-1)],
				procedures[gofakeit.Number(0, len(procedures)-1)], start, end,
				insurances[gofakeit.Number(0, len(insurances)-1)])
			if err != nil {
				return err
			}
			inserted++
		}
	}

	log.Println("appointments seeded")
	return nil
}
