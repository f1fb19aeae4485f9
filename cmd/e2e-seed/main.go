// Thin wrapper around the client facade that loads fixture records into a
// test backend before an E2E run.
//
// Usage: go run ./cmd/e2e-seed --server http://localhost:5000 --email qa@example.com
//
// The password is read from RXSYNC_PASSWORD.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/rxsync/internal/client"
	"github.com/tonimelisma/rxsync/internal/config"
	"github.com/tonimelisma/rxsync/internal/mutation"
)

// fixtures are created in order; ids are fixed so reseeding is idempotent
// on backends that upsert by id.
var fixtures = []struct {
	entityType string
	id         string
	payload    string
}{
	{mutation.EntityPatient, "e2e-patient-1", `{"name": "E2E Patient One"}`},
	{mutation.EntityInventoryItem, "e2e-sku-1", `{"sku": "AMOX-500", "quantity": 100}`},
	{mutation.EntityPrescription, "e2e-rx-1", `{"patient_id": "e2e-patient-1", "medication": "amoxicillin", "quantity": 30}`},
}

func main() {
	server := flag.String("server", "", "backend base URL (required)")
	email := flag.String("email", "", "account email (required)")
	flag.Parse()

	password := os.Getenv(config.EnvPassword)
	if *server == "" || *email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: e2e-seed --server URL --email EMAIL (password in "+config.EnvPassword+")")
		os.Exit(2)
	}

	if err := run(context.Background(), *server, *email, password); err != nil {
		fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Fixtures seeded.")
}

func run(ctx context.Context, server, email, password string) error {
	dir, err := os.MkdirTemp("", "rxsync-seed-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	c, err := client.New(ctx, &client.Options{
		ServerURL: server,
		StorePath: filepath.Join(dir, "rxsync.db"),
		TokenPath: filepath.Join(dir, "token.json"),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.Online() {
		return fmt.Errorf("%s is not reachable", server)
	}

	if _, err := c.Login(ctx, email, password); err != nil {
		return err
	}

	for _, f := range fixtures {
		if _, err := c.EnqueueMutation(ctx, f.entityType, mutation.OpCreate, f.id, json.RawMessage(f.payload)); err != nil {
			return err
		}
	}

	report, err := c.DrainOnce(ctx)
	if err != nil {
		return err
	}

	if report.Remaining > 0 || report.Rejected > 0 || report.Abandoned > 0 {
		return fmt.Errorf("applied %d of %d fixtures (rejected %d, abandoned %d, still queued %d)",
			report.Applied, len(fixtures), report.Rejected, report.Abandoned, report.Remaining)
	}

	return nil
}
