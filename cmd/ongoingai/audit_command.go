package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/audit"
)

const auditCommandTimeout = 10 * time.Second

var openAuditReader = func(driver, path, dsn string) (auditLister, error) {
	return audit.OpenReader(driver, path, dsn)
}

type auditLister interface {
	List(ctx context.Context, q audit.Query) ([]audit.Entry, error)
	Close() error
}

type auditOutput struct {
	Entries []audit.Entry `json:"entries"`
}

// runAudit prints the durable audit trail, newest first.
func runAudit(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("audit", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	envFile := flagSet.String("env-file", "", "Path to a .env file loaded before the config")
	projectID := flagSet.String("project", "", "Project id to list audit entries for")
	resourceType := flagSet.String("resource-type", "", "Only entries for this resource type (e.g. score)")
	resourceID := flagSet.String("resource-id", "", "Only entries for this resource id")
	limit := flagSet.Int("limit", 20, "Maximum number of entries")
	formatFlag := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "audit does not accept positional arguments")
		return 2
	}
	format, err := normalizeTextJSONFormat("audit", *formatFlag, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if strings.TrimSpace(*projectID) == "" {
		fmt.Fprintln(errOut, "audit requires --project")
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintf(errOut, "invalid --limit %d: must be > 0\n", *limit)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*envFile, *configPath)
	if err != nil {
		printConfigError(errOut, stage, err)
		return 1
	}

	reader, err := openAuditReader(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(errOut, "failed to open audit log: %v\n", err)
		return 1
	}
	defer func() {
		if err := reader.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close audit log: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), auditCommandTimeout)
	defer cancel()

	entries, err := reader.List(ctx, audit.Query{
		ProjectID:    strings.TrimSpace(*projectID),
		ResourceType: strings.TrimSpace(*resourceType),
		ResourceID:   strings.TrimSpace(*resourceID),
		Limit:        *limit,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to read audit log: %v\n", err)
		return 1
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(auditOutput{Entries: entries}); err != nil {
			fmt.Fprintf(errOut, "failed to encode audit log: %v\n", err)
			return 1
		}
		return 0
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return 0
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry.Summary())
	}
	return 0
}
