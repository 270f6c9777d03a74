package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opsdeck/offline/internal/daemon"
	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/notify"
	"github.com/opsdeck/offline/internal/setup"
	"github.com/opsdeck/offline/internal/status"
	"github.com/opsdeck/offline/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "flush":
		runFlush(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("offlined %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: offlined setup <project_dir> [--name <name>]")
		os.Exit(1)
	}

	projectDir := args[0]
	projectName := ""
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: offlined setup <project_dir> [--name <name>]\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .offline/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	offlineDir := findOfflineDir()
	if offlineDir == "" {
		fmt.Fprintln(os.Stderr, "error: .offline/ directory not found. Run 'offlined setup <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(offlineDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(offlineDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runFlush(_ []string) {
	resp := sendCommand("flush", nil)

	var data map[string]int
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "flush: parse response: %v\n", err)
		os.Exit(1)
	}
	if data["remaining"] == 0 {
		fmt.Println("Queue drained — everything is synced")
	} else {
		fmt.Printf("Drain halted: %d still waiting to sync\n", data["remaining"])
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: offlined status [--json]\n", a)
			os.Exit(1)
		}
	}

	offlineDir := findOfflineDir()
	if offlineDir == "" {
		fmt.Fprintln(os.Stderr, "error: .offline/ directory not found. Run 'offlined setup <dir>' first.")
		os.Exit(1)
	}

	stuckThreshold := 0
	if cfg, err := loadConfig(offlineDir); err == nil {
		stuckThreshold = cfg.Sync.StuckThreshold
	}

	if err := status.Run(offlineDir, stuckThreshold, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runQueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: offlined queue <write|remove> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "write":
		runQueueWrite(args[1:])
	case "remove":
		runQueueRemove(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: offlined queue <write|remove> [options]")
		os.Exit(1)
	}
}

func runQueueRemove(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: offlined queue remove <id>")
		os.Exit(1)
	}

	resp := sendCommand("remove", map[string]string{"id": args[0]})

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "queue remove: parse response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cancelled %s\n", data["id"])
}

func runQueueWrite(args []string) {
	var mutType, payload, summary, entityType string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--type requires a value")
				os.Exit(1)
			}
			i++
			mutType = args[i]
		case "--payload":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--payload requires a value")
				os.Exit(1)
			}
			i++
			payload = args[i]
		case "--summary":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--summary requires a value")
				os.Exit(1)
			}
			i++
			summary = args[i]
		case "--entity-type":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--entity-type requires a value")
				os.Exit(1)
			}
			i++
			entityType = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: offlined queue write --type <type> [--payload <json>] [--summary <text>] [--entity-type <name>]")
			os.Exit(1)
		}
	}

	if mutType == "" {
		fmt.Fprintln(os.Stderr, "--type is required")
		fmt.Fprintln(os.Stderr, "usage: offlined queue write --type <type> [--payload <json>] [--summary <text>] [--entity-type <name>]")
		os.Exit(1)
	}

	params := map[string]any{
		"type": mutType,
		"meta": map[string]string{
			"summary":     summary,
			"entity_type": entityType,
		},
	}
	if payload != "" {
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --payload JSON: %v\n", err)
			os.Exit(1)
		}
		params["payload"] = decoded
	}

	resp := sendCommand("enqueue", params)

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "queue write: parse response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Queued %s (%s)\n", data["id"], data["status"])
}

func runShutdown(_ []string) {
	resp := sendCommand("shutdown", nil)
	var data map[string]string
	_ = json.Unmarshal(resp.Data, &data)
	fmt.Println("Shutdown requested")
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: offlined notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

// sendCommand sends a UDS command to the running daemon, exiting on failure.
func sendCommand(command string, params any) *uds.Response {
	offlineDir := findOfflineDir()
	if offlineDir == "" {
		fmt.Fprintln(os.Stderr, "error: .offline/ directory not found. Run 'offlined setup <dir>' first.")
		os.Exit(1)
	}

	client := uds.NewClient(filepath.Join(offlineDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if !resp.Success {
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", command, resp.Error.Code, resp.Error.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s: request failed\n", command)
		}
		os.Exit(1)
	}
	return resp
}

// findOfflineDir walks up from the working directory looking for .offline/.
func findOfflineDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.Dir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(offlineDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(offlineDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `offlined %s — Offline-first mutation queue daemon

Usage: offlined <command> [options]

Project:
  setup <dir> [--name <name>]  Initialize .offline/ directory
  status [--json]              Show what is waiting to sync

Daemon:
  daemon            Run replay daemon process
  flush             Trigger a drain pass now
  shutdown          Stop the running daemon

Queue (CLI → Daemon):
  queue write --type <type> [--payload <json>] [--summary <text>] [--entity-type <name>]
                    Queue a mutation for replay
  queue remove <id>
                    Cancel a queued mutation

Utilities:
  notify <title> <msg>  Desktop notification
  version           Show version
  help              Show this help

`, version)
}
