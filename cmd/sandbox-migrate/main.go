// sandbox-migrate applies the sandbox registry schema to postgres.
// The daemon ensures the schema itself at startup; this tool exists for
// operators who want to review or apply the DDL ahead of a rollout.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/armanisadeghi/matrx-sandbox/pkg/storage"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("MATRX_DATABASE_URL"), "Postgres connection string (defaults to MATRX_DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Print the DDL without applying it")
	timeout     = flag.Duration("timeout", 30*time.Second, "Overall operation timeout")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if *dryRun {
		fmt.Println("-- sandbox registry schema")
		fmt.Print(storage.Schema)
		return
	}

	if *databaseURL == "" {
		log.Fatal("--database-url or MATRX_DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	sdb := sqlx.NewDb(db, "pgx")
	if _, err := sdb.ExecContext(ctx, storage.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	log.Println("✓ Schema applied")

	var total int
	if err := sdb.GetContext(ctx, &total, "SELECT COUNT(*) FROM sandbox_instances"); err != nil {
		log.Fatalf("Failed to query registry: %v", err)
	}
	log.Printf("✓ Registry holds %d sandbox records", total)
}
