// Binary attackscore analyzes a document against the MITRE ATT&CK
// knowledge base and prints the resulting report as JSON.
//
// Usage:
//
//	attackscore update-catalog [-force]
//	attackscore analyze-url <url>
//	attackscore analyze-file <path>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/mitreval/attackscore/internal/config"
	"github.com/mitreval/attackscore/pipeline"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(os.Getenv("ATTACKSCORE_CONFIG"))

	p, err := pipeline.New(cfg, logger)
	if err != nil {
		log.Fatalf("attackscore: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	switch os.Args[1] {
	case "update-catalog":
		runUpdateCatalog(ctx, p, os.Args[2:])
	case "analyze-url":
		runAnalyzeUrl(ctx, p, os.Args[2:])
	case "analyze-file":
		runAnalyzeFile(ctx, p, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: attackscore <update-catalog|analyze-url|analyze-file> [args]")
}

func runUpdateCatalog(ctx context.Context, p *pipeline.Pipeline, args []string) {
	fs := flag.NewFlagSet("update-catalog", flag.ExitOnError)
	force := fs.Bool("force", false, "bypass the cache and re-fetch unconditionally")
	fs.Parse(args)

	version, err := p.UpdateCatalog(ctx, *force)
	if err != nil {
		log.Fatalf("update-catalog: %v", err)
	}
	fmt.Printf("catalog at version %s\n", version)
}

func runAnalyzeUrl(ctx context.Context, p *pipeline.Pipeline, args []string) {
	if len(args) < 1 {
		log.Fatal("analyze-url: missing <url>")
	}
	if err := p.Bootstrap(ctx); err != nil {
		log.Fatalf("analyze-url: %v", err)
	}
	rpt, err := p.AnalyzeUrl(ctx, args[0])
	if err != nil {
		log.Fatalf("analyze-url: %v", err)
	}
	printReport(rpt)
}

func runAnalyzeFile(ctx context.Context, p *pipeline.Pipeline, args []string) {
	if len(args) < 1 {
		log.Fatal("analyze-file: missing <path>")
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("analyze-file: %v", err)
	}
	if err := p.Bootstrap(ctx); err != nil {
		log.Fatalf("analyze-file: %v", err)
	}
	rpt, err := p.AnalyzeFile(ctx, args[0], content)
	if err != nil {
		log.Fatalf("analyze-file: %v", err)
	}
	printReport(rpt)
}

func printReport(rpt any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rpt); err != nil {
		log.Fatalf("encode report: %v", err)
	}
}
