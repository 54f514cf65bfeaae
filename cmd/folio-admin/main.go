// Package main is the entry point for the Folio Storage admin CLI.
// This tool operates directly on the configured storage backends.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/app"
	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/logging"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
	"github.com/prn-tf/folio-storage/internal/service"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "version":
		fmt.Printf("Folio Storage Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		return

	case "help", "-h", "--help":
		printUsage()
		return

	case "usage", "list", "put", "get", "rm", "clear", "meta":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = false

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, command, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Storage.Close()

	c, err := a.Storage.InitializeStorage(ctx)
	if err != nil {
		return err
	}
	if c.Warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", c.Warning)
	}

	svc := a.Storage
	switch command {
	case "usage":
		return usage(ctx, svc)
	case "list":
		return list(ctx, svc, args)
	case "put":
		return put(ctx, svc, args)
	case "get":
		return get(ctx, svc, args)
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: folio-admin rm <id>")
		}
		return svc.DeleteFile(ctx, args[0])
	case "clear":
		return svc.ClearAllFiles(ctx)
	case "meta":
		return meta(ctx, svc, args)
	}
	return nil
}

func usage(ctx context.Context, svc *service.StorageService) error {
	u, err := svc.GetStorageUsage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Backend:   %s\n", svc.Method())
	fmt.Printf("Used:      %s\n", humanize.IBytes(uint64(u.Used)))
	fmt.Printf("Available: %s\n", humanize.IBytes(uint64(u.Available)))
	fmt.Printf("Usage:     %.1f%%\n", u.Percentage)
	return nil
}

func list(ctx context.Context, svc *service.StorageService, args []string) error {
	var category domain.Category
	if len(args) > 0 {
		category = domain.Category(args[0])
	}

	infos, err := svc.ListFiles(ctx, category)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tSIZE\tSTORED")
	for _, f := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Name, f.Category, humanize.IBytes(uint64(f.Size)), humanize.Time(f.StoredAt))
	}
	return tw.Flush()
}

func put(ctx context.Context, svc *service.StorageService, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: folio-admin put <path> <category>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := crypto.ReadFile(f, 0)
	if err != nil {
		return err
	}

	file := domain.NewFile(filepath.Base(args[0]), mime.TypeByExtension(filepath.Ext(args[0])), data)
	if w := svc.UploadWarning(file.Size); w != nil && w.Severity == domain.SeverityWarning {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Message)
	}

	id, err := svc.StoreFile(ctx, file, domain.Category(args[1]))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func get(ctx context.Context, svc *service.StorageService, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: folio-admin get <id> <output>")
	}

	file, err := svc.RetrieveFile(ctx, args[0])
	if err != nil {
		return err
	}
	if file == nil {
		return domain.NewStorageError(domain.KindFileNotFound, fmt.Sprintf("file %q not found", args[0]), nil)
	}
	return os.WriteFile(args[1], file.Data, 0o644)
}

func meta(ctx context.Context, svc *service.StorageService, args []string) error {
	switch {
	case len(args) == 1:
		value, err := svc.RetrieveMetadata(ctx, args[0])
		if err != nil {
			return err
		}
		if value == nil {
			return domain.NewStorageError(domain.KindFileNotFound, fmt.Sprintf("metadata %q not found", args[0]), nil)
		}
		fmt.Println(string(value))
		return nil
	case len(args) == 2:
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("metadata must be valid JSON")
		}
		return svc.StoreMetadata(ctx, args[0], json.RawMessage(args[1]))
	default:
		return fmt.Errorf("usage: folio-admin meta <key> [json]")
	}
}

func printUsage() {
	fmt.Println(`Folio Storage Admin CLI

Usage:
  folio-admin [-config path] <command> [arguments]

Commands:
  usage       Show the active backend and its usage
  list        List stored files (optionally of one category)
  put         Store a file under a category (document, video)
  get         Write a stored file to disk
  rm          Delete a stored file
  clear       Delete every stored file
  meta        Read or write a metadata value
  version     Print version information
  help        Show this help message

Examples:
  folio-admin list document
  folio-admin put ./resume.pdf document
  folio-admin get lq3k9x2a-1f0c9e4b-k2m9x0qa ./resume.pdf
  folio-admin meta profile '{"name":"Ada"}'
  folio-admin -config /etc/folio/config.yaml usage`)
}
