// Package status reports what is waiting to sync. It reads the queue file
// directly so it works whether or not the daemon is up.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opsdeck/offline/internal/model"
	"github.com/opsdeck/offline/internal/store"
	"github.com/opsdeck/offline/internal/uds"
	yamlutil "github.com/opsdeck/offline/internal/yaml"
)

type Report struct {
	Daemon DaemonStatus `json:"daemon"`
	Queue  QueueReport  `json:"queue"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type QueueReport struct {
	Total           int              `json:"total"`
	Pending         int              `json:"pending"`
	InFlight        int              `json:"in_flight"`
	FailedRetryable int              `json:"failed_retryable"`
	Stuck           int              `json:"stuck"`
	Oldest          *MutationSummary `json:"oldest,omitempty"`
}

type MutationSummary struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Summary   string `json:"summary,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Run collects the sync status and prints it.
func Run(offlineDir string, stuckThreshold int, jsonOutput bool) error {
	report, err := Collect(offlineDir, stuckThreshold)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(os.Stdout, report)
	return nil
}

// Collect builds a Report from the queue file and a daemon ping.
func Collect(offlineDir string, stuckThreshold int) (Report, error) {
	report := Report{}

	sockPath := filepath.Join(offlineDir, uds.DefaultSocketName)
	report.Daemon = checkDaemon(sockPath)

	queue, err := readQueue(offlineDir)
	if err != nil {
		return Report{}, err
	}

	if stuckThreshold <= 0 {
		stuckThreshold = 5
	}

	report.Queue.Total = len(queue)
	for _, m := range queue {
		switch m.Status {
		case model.StatusPending:
			report.Queue.Pending++
		case model.StatusInFlight:
			report.Queue.InFlight++
		case model.StatusFailedRetryable:
			report.Queue.FailedRetryable++
		}
		if m.Attempts >= stuckThreshold {
			report.Queue.Stuck++
		}
	}

	if len(queue) > 0 {
		head := queue[0]
		summary := &MutationSummary{
			ID:        head.ID,
			Type:      head.Type,
			Summary:   head.Meta.Summary,
			Attempts:  head.Attempts,
			CreatedAt: head.CreatedAt,
		}
		if head.LastError != nil {
			summary.LastError = *head.LastError
		}
		report.Queue.Oldest = summary
	}

	return report, nil
}

func checkDaemon(sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: resp.Success}
}

func readQueue(offlineDir string) ([]model.Mutation, error) {
	path := filepath.Join(offlineDir, "queue", store.QueueFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeMutationQueue); err != nil {
		return nil, fmt.Errorf("invalid queue file: %w", err)
	}

	var q model.MutationQueue
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}
	return q.Mutations, nil
}

func printReport(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintln(w, "Daemon: running")
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if r.Queue.Total == 0 {
		fmt.Fprintln(w, "\nQueue: empty — everything is synced")
		return
	}

	fmt.Fprintf(w, "\nQueue: %d waiting to sync\n", r.Queue.Total)
	fmt.Fprintf(w, "  %-18s %d\n", "pending", r.Queue.Pending)
	fmt.Fprintf(w, "  %-18s %d\n", "in_flight", r.Queue.InFlight)
	fmt.Fprintf(w, "  %-18s %d\n", "failed_retryable", r.Queue.FailedRetryable)
	if r.Queue.Stuck > 0 {
		fmt.Fprintf(w, "  %-18s %d (needs attention)\n", "stuck", r.Queue.Stuck)
	}

	if o := r.Queue.Oldest; o != nil {
		fmt.Fprintf(w, "\nOldest: %s", o.Type)
		if o.Summary != "" {
			fmt.Fprintf(w, " %q", o.Summary)
		}
		fmt.Fprintf(w, "  attempts=%d  created=%s\n", o.Attempts, o.CreatedAt)
		if o.LastError != "" {
			fmt.Fprintf(w, "  last error: %s\n", o.LastError)
		}
	}
}
