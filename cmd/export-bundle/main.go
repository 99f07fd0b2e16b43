// export-bundle prints a work order's canonical export bundle, or writes its
// annexure workbook.
//
// Usage:
//
//	go run ./cmd/export-bundle -tenant-id acme -work-order-id <uuid>
//	go run ./cmd/export-bundle -tenant-id acme -work-order-id <uuid> -annexure out.xlsx
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/repogen/config"
	"bitbucket.org/mmdatafocus/repogen/utils"
	"bitbucket.org/mmdatafocus/repogen/workflow"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Required: tenant id")
	workOrderID := flag.String("work-order-id", "", "Required: work order id (uuid)")
	annexure := flag.String("annexure", "", "Optional: write the annexure workbook to this path instead of printing the bundle")
	flag.Parse()

	if *tenantID == "" || *workOrderID == "" {
		flag.Usage()
		os.Exit(2)
	}
	id, err := utils.ParseId("work-order-id", *workOrderID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetTenantIdInContext(context.Background(), *tenantID)
	ctx = utils.SetActorInContext(ctx, utils.Actor{Id: "ops", Name: "export-bundle"})
	engine := workflow.NewEngine(db, config.GetLogger())

	if *annexure != "" {
		var buf bytes.Buffer
		digest, err := engine.ExportAnnexure(ctx, id, &buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export annexure: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*annexure, buf.Bytes(), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", *annexure, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "wrote %s (bundle sha256 %s)\n", *annexure, digest)
		return
	}

	bundle, err := engine.ExportBundle(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export bundle: %v\n", err)
		os.Exit(1)
	}
	raw, digest, err := bundle.Canonical()
	if err != nil {
		fmt.Fprintf(os.Stderr, "canonicalize: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(raw)
	fmt.Println()
	fmt.Fprintf(os.Stderr, "sha256 %s\n", digest)
}
