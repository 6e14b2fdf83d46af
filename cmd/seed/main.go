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

	"github.com/chipatara/clinic-scheduling/internal/db"
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

	if err := seedProviders(context.Background(), pool, 40); err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 5000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

// seedProviders inserts providers with dev credentials and a standard weekday
// schedule of 08:00-12:00 and 14:00-17:00.
func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d providers", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr " + gofakeit.Name()

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, appointments_calendar_id, availability_calendar_id,
				access_token, refresh_token, token_expiry, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now() + interval '1 hour', now(), now())
		`, id, name,
			fmt.Sprintf("appts-%s@calendar.local", id),
			fmt.Sprintf("avail-%s@calendar.local", id),
			gofakeit.UUID(),
			gofakeit.UUID(),
		)
		if err != nil {
			return err
		}

		// Monday through Friday, morning and afternoon blocks.
		for weekday := 1; weekday <= 5; weekday++ {
			for _, block := range [][2]int{{8 * 60, 12 * 60}, {14 * 60, 17 * 60}} {
				_, err := tx.Exec(ctx, `
					INSERT INTO availability_windows (id, provider_id, weekday, start_minute, end_minute, external_event_id, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, now())
				`, uuid.New(), id, weekday, block[0], block[1], "evt-"+gofakeit.UUID())
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("providers seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			phone := fmt.Sprintf("+2637%08d", gofakeit.Number(0, 99999999))

			// Roughly half the patients have completed the dialogue before.
			if gofakeit.Bool() {
				_, err = tx.Exec(ctx, `
					INSERT INTO patients (id, phone_number, name, gender, date_of_birth, national_id_number, conversation_state, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, 'conversation_closed', now(), now())
					ON CONFLICT (phone_number) DO NOTHING
				`, id, phone, gofakeit.Name(),
					gofakeit.RandomString([]string{"male", "female"}),
					gofakeit.DateRange(time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)),
					fmt.Sprintf("%02d-%06d%s%02d", gofakeit.Number(10, 99), gofakeit.Number(100000, 999999), gofakeit.LetterN(1), gofakeit.Number(10, 99)),
				)
			} else {
				_, err = tx.Exec(ctx, `
					INSERT INTO patients (id, phone_number, created_at, updated_at)
					VALUES ($1, $2, now(), now())
					ON CONFLICT (phone_number) DO NOTHING
				`, id, phone)
			}
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
