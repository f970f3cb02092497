package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

// Applies the schema and seeds a few demo users with credit balances.
// Intended for local development only.
func main() {
	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		// Fallback to reading .env manually since godotenv isn't here
		data, _ := os.ReadFile(".env")
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "POSTGRES_URL=") {
				postgresURL = strings.TrimPrefix(line, "POSTGRES_URL=")
				break
			}
		}
	}

	if postgresURL == "" {
		log.Fatal("POSTGRES_URL not found")
	}

	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("Ping failed:", err)
	}

	fmt.Println("Connected to DB")

	fmt.Println("Running migrations...")
	migrationFile, err := os.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		// Try relative path when running from cmd/seeder
		migrationFile, err = os.ReadFile("../../migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("Could not find migration file:", err)
		}
	}

	// Exec the whole migration file at once. lib/pq supports multiple statements in Exec
	if _, err := db.Exec(string(migrationFile)); err != nil {
		log.Printf("Migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	fmt.Println("Seeding demo balances...")
	seeds := []struct {
		userID  string
		balance string
		tier    string
	}{
		{"user_demo_1", "50.0000", "free"},
		{"user_demo_2", "500.0000", "pro"},
		{"user_demo_3", "0.0000", "free"},
	}

	for _, s := range seeds {
		_, err := db.Exec(`
			INSERT INTO balances (user_id, amount, tier)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE SET amount = EXCLUDED.amount, tier = EXCLUDED.tier
		`, s.userID, s.balance, s.tier)
		if err != nil {
			fmt.Printf("Error seeding %s: %v\n", s.userID, err)
			continue
		}
		fmt.Printf("Seeded %s with %s credits (%s)\n", s.userID, s.balance, s.tier)
	}

	fmt.Println("Seeding complete")
}
