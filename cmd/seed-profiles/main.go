// seed-profiles upserts evidence profiles and their checklists.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-profiles
//	go run ./cmd/seed-profiles -file ./profiles.yaml
//	go run ./cmd/seed-profiles -file ./profiles.yaml -dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/models"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"bitbucket.org/mmdatafocus/repogen/workflow"
	"gorm.io/gorm"
)

func main() {
	file := flag.String("file", "", "Optional: YAML file of profiles. Defaults to the embedded seed.")
	dryRun := flag.Bool("dry-run", false, "Parse and print the profiles without writing them")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before seeding")
	flag.Parse()

	data := models.DefaultProfileSeed()
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
			os.Exit(1)
		}
		data = b
	}

	profiles, err := models.ParseProfileSeed(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid profile seed: %v\n", err)
		os.Exit(2)
	}
	if *dryRun {
		for _, p := range profiles {
			fmt.Printf("%s/%s %q min_completeness=%s items=%d\n", p.ReportType, p.BankType, p.Name, p.MinCompleteness.String(), len(p.Items))
		}
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	ctx := utils.SystemContext(context.Background())
	var n int
	err = workflow.WithAdvisoryLock(ctx, db, "repogen:migrate", 2*time.Minute, func(conn *gorm.DB) error {
		if *migrate {
			models.MigrateTable()
		}
		var seedErr error
		n, seedErr = models.SeedEvidenceProfiles(ctx, conn, data)
		return seedErr
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d evidence profiles\n", n)
}
