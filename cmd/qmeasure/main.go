// qmeasure is the command line companion to the measurement library: it
// imports legacy sweep files, exports runs to Parquet and prints run
// metadata.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/qdevqt3/qmeasure/internal/config"
	"github.com/qdevqt3/qmeasure/internal/export"
	"github.com/qdevqt3/qmeasure/internal/legacy"
	"github.com/qdevqt3/qmeasure/internal/logging"
	"github.com/qdevqt3/qmeasure/internal/storage/duckdb"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config)")
	importPath := flag.String("import", "", "legacy sweep file to import")
	exportRun := flag.Int64("export", 0, "run id to export to parquet")
	outPath := flag.String("o", "", "output file for -export")
	infoRun := flag.Int64("info", 0, "run id to print metadata for")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	level := slog.LevelInfo
	if *verbose || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("cli")
	log.Debug("qmeasure starting", "version", Version, "db", cfg.Storage.Path)

	backend, err := duckdb.Open(cfg.Storage.Path)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	ctx := context.Background()

	switch {
	case *importPath != "":
		runID, err := legacy.Import(ctx, backend, *importPath)
		if err != nil {
			log.Error("import failed", "path", *importPath, "error", err)
			os.Exit(1)
		}
		fmt.Printf("imported %s as run %d\n", *importPath, runID)

	case *exportRun > 0:
		out := *outPath
		if out == "" {
			out = fmt.Sprintf("run-%d.parquet", *exportRun)
		}
		opts := export.Options{Compression: cfg.Export.Compression}
		if err := export.Run(ctx, backend, *exportRun, out, opts); err != nil {
			log.Error("export failed", "run_id", *exportRun, "error", err)
			os.Exit(1)
		}
		fmt.Printf("exported run %d to %s\n", *exportRun, out)

	case *infoRun > 0:
		meta, err := backend.RunMeta(ctx, *infoRun)
		if err != nil {
			log.Error("read run metadata", "run_id", *infoRun, "error", err)
			os.Exit(1)
		}
		rows, err := backend.RowCount(ctx, *infoRun)
		if err != nil {
			log.Error("count rows", "run_id", *infoRun, "error", err)
			os.Exit(1)
		}
		specs, err := backend.RunSpecs(ctx, *infoRun)
		if err != nil {
			log.Error("read run parameters", "run_id", *infoRun, "error", err)
			os.Exit(1)
		}
		fmt.Printf("run %d: %s (guid %s)\n", *infoRun, meta.Name, meta.GUID)
		fmt.Printf("  experiment: %d\n", meta.ExpID)
		fmt.Printf("  table:      %s\n", meta.TableName)
		fmt.Printf("  started:    %s\n", meta.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  rows:       %d\n", rows)
		for _, s := range specs {
			deps := s.DependsOnString()
			if deps != "" {
				deps = " <- " + deps
			}
			fmt.Printf("  parameter:  %s [%s] (%s)%s\n", s.Name, s.Unit, s.Type, deps)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}
