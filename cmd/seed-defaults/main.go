// seed-defaults seeds an organization's field definitions, default evidence
// profiles, and a default operator account. Safe to rerun: existing rows are
// looked up first and never overwritten.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-defaults -org-id=<org>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/propfocus/appraisal_backend/config"
	"bitbucket.org/propfocus/appraisal_backend/models"
	"bitbucket.org/propfocus/appraisal_backend/utils"
	"gorm.io/gorm"
)

func main() {
	orgId := flag.String("org-id", "", "Organization to seed (required)")
	operator := flag.String("operator", "", "Optional: also create a default operator with this username")
	operatorName := flag.String("operator-name", "Default Operator", "Display name for the default operator")
	flag.Parse()

	if strings.TrimSpace(*orgId) == "" {
		fmt.Fprintln(os.Stderr, "-org-id is required")
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx = utils.SetOrgIdInContext(ctx, *orgId)
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "Seed")

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.SeedFieldDefinitions(tx, ctx, *orgId); err != nil {
			return fmt.Errorf("seed field definitions: %w", err)
		}
		if err := models.SeedDefaultEvidenceProfiles(tx, ctx, *orgId); err != nil {
			return fmt.Errorf("seed evidence profiles: %w", err)
		}
		if strings.TrimSpace(*operator) != "" {
			if _, err := models.CreateDefaultOperator(tx, ctx, *orgId, *operator, *operatorName); err != nil {
				return fmt.Errorf("create default operator: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeded defaults for org %s\n", *orgId)
}
