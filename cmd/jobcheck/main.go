// Command jobcheck inspects and repairs the jobs table.
//
//	jobcheck                      counts by status
//	jobcheck stale [age]          list non-terminal jobs idle longer than age (default 1h)
//	jobcheck fail-stale [age] [apply]
//	jobcheck purge [age] [apply]  delete finished jobs older than age (default 720h)
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/saga"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	db, err := database.Connect(ctx, os.Getenv("DATABASE_URL"), 2, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "":
		counts(ctx, db)
	case "stale":
		listStale(ctx, db, ageArg(1*time.Hour))
	case "fail-stale":
		failStale(ctx, db, ageArg(1*time.Hour), applyArg())
	case "purge":
		purge(ctx, db, ageArg(720*time.Hour), applyArg())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
}

func ageArg(def time.Duration) time.Duration {
	if len(os.Args) < 3 || os.Args[2] == "apply" {
		return def
	}
	d, err := time.ParseDuration(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad age %q: %v\n", os.Args[2], err)
		os.Exit(2)
	}
	return d
}

func applyArg() bool {
	return os.Args[len(os.Args)-1] == "apply"
}

func counts(ctx context.Context, db *database.DB) {
	c, err := db.CountJobsByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Status        Count")
	fmt.Println("───────────────────")
	for _, s := range []database.JobStatus{database.JobPending, database.JobProcessing, database.JobCompleted, database.JobFailed} {
		fmt.Printf("%-13s %d\n", s, c[s])
	}
}

func listStale(ctx context.Context, db *database.DB, age time.Duration) []database.Job {
	jobs, err := db.ListStaleJobs(ctx, age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list stale: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("── Jobs idle longer than %s: %d ──\n", age, len(jobs))
	for _, j := range jobs {
		fmt.Printf("  %-36s %-10s updated=%s  %s\n", j.JobID, j.Status, j.UpdatedAt.Format(time.RFC3339), j.SourceURL)
	}
	return jobs
}

func failStale(ctx context.Context, db *database.DB, age time.Duration, apply bool) {
	jobs := listStale(ctx, db, age)
	if !apply {
		fmt.Println("\nDry run. Re-run with 'apply' to mark these FAILED.")
		return
	}
	failed := 0
	msg := fmt.Sprintf("no progress for %s", age)
	for _, j := range jobs {
		if err := db.MarkFailed(ctx, j.JobID, string(saga.ErrTimeout), msg); err != nil {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", j.JobID, err)
			continue
		}
		failed++
	}
	fmt.Printf("\nMarked %d job(s) FAILED\n", failed)
}

func purge(ctx context.Context, db *database.DB, age time.Duration, apply bool) {
	if !apply {
		fmt.Printf("Dry run. Re-run with 'apply' to delete finished jobs older than %s.\n", age)
		return
	}
	n, err := db.PurgeFinishedJobs(ctx, age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d finished job(s)\n", n)
}
