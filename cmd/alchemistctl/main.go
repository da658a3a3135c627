// Command alchemistctl is a one-shot CLI for the engine: it can scan a
// directory for new video files directly against the job store, and can
// check or control a running alchemistd's queue over its HTTP API. Grounded
// on five82-reel's cmd/reel/main.go (subcommand dispatch via os.Args[1],
// flag.NewFlagSet per subcommand) and its internal/reporter/terminal.go
// (fatih/color label printing, schollz/progressbar for scan progress).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/scanner"
	"github.com/alchemist-sh/alchemist/internal/store"
)

const appName = "alchemistctl"

var (
	cyan = color.New(color.FgCyan, color.Bold)
	bold = color.New(color.Bold)
	red  = color.New(color.FgRed, color.Bold)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "pause":
		err = runQueueControl(os.Args[2:], "pause")
	case "resume":
		err = runQueueControl(os.Args[2:], "resume")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		red.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - control surface for the transcoding engine

Usage:
  %s <command> [options]

Commands:
  scan      Walk a directory and queue new/changed video files
  status    Show queue and job counts from a running daemon
  pause     Pause the running daemon's scheduler
  resume    Resume the running daemon's scheduler
  help      Show this help message
`, appName, appName)
}

func loadConfigOrDefault(path string) *config.File {
	if path == "" {
		path = "config/alchemist.yaml"
	}
	f, err := config.Load(path)
	if err != nil {
		def := config.Default()
		f = &config.File{Settings: def}
	}
	return f
}

// runScan talks to the job store directly — this is a filesystem operation,
// not a live-process control operation, so no running daemon is required.
func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to config file")
	dbPath := fs.String("db", "", "Path to the SQLite job database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: %s scan <path>", appName)
	}
	root, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	cfgFile := loadConfigOrDefault(*cfgPath)

	dbFile := *dbPath
	if dbFile == "" {
		configDir := filepath.Dir(*cfgPath)
		if *cfgPath == "" || configDir == "." {
			configDir = "config"
		}
		dbFile = filepath.Join(configDir, "alchemist.db")
	}

	st, err := store.NewSQLiteStore(dbFile)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cyan.Println("SCAN")
	bold.Printf("  Path: %s\n", root)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("walking"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	sc := scanner.New(st)
	result, err := sc.Scan(context.Background(), root, cfgFile.Settings)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Files found:   %d\n", result.FilesFound)
	fmt.Printf("  Jobs queued:   %d\n", result.JobsUpserted)
	if len(result.Errors) > 0 {
		red.Printf("  Errors:        %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("    - %v\n", e)
		}
	}
	return nil
}

func daemonURL(base, path string) string {
	if base == "" {
		base = "http://localhost:8090"
	}
	return base + path
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "Daemon base URL (default http://localhost:8090)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Get(daemonURL(*addr, "/api/jobs"))
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Jobs []struct {
			ID    int64  `json:"id"`
			State string `json:"state"`
			Input string `json:"input_path"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	counts := make(map[string]int)
	for _, j := range result.Jobs {
		counts[j.State]++
	}

	cyan.Println("STATUS")
	bold.Printf("  Total jobs: %d\n", len(result.Jobs))
	for _, state := range []string{"queued", "analyzing", "encoding", "completed", "skipped", "failed", "cancelled"} {
		if counts[state] > 0 {
			fmt.Printf("    %-10s %d\n", state, counts[state])
		}
	}
	return nil
}

func runQueueControl(args []string, action string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	addr := fs.String("addr", "", "Daemon base URL (default http://localhost:8090)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Post(daemonURL(*addr, "/api/queue/"+action), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	fmt.Printf("%s: queue %sd\n", appName, action)
	return nil
}
