package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"grimm.is/ferric/internal/nodecache"
)

// RunStatus queries a running daemon and prints filter and node state.
func RunStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	base := "http://" + addr

	resp, err := client.Get(base + "/v1/status")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var status struct {
		Filter struct {
			Backend   string   `json:"backend"`
			Whitelist []string `json:"whitelist"`
			Degraded  bool     `json:"degraded"`
		} `json:"filter"`
		Tasks []struct {
			Name       string `json:"name"`
			LastError  string `json:"last_error"`
			RunCount   int64  `json:"run_count"`
			ErrorCount int64  `json:"error_count"`
		} `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("bad status response: %w", err)
	}

	fmt.Printf("Filter backend: %s\n", status.Filter.Backend)
	if status.Filter.Degraded {
		fmt.Println("Filter state:   DEGRADED (backend out of sync)")
	} else {
		fmt.Println("Filter state:   in sync")
	}
	fmt.Printf("Whitelisted MACs: %d\n", len(status.Filter.Whitelist))
	for _, mac := range status.Filter.Whitelist {
		fmt.Printf("  %s\n", mac)
	}

	fmt.Println("\nTasks:")
	for _, task := range status.Tasks {
		line := fmt.Sprintf("  %-16s runs=%d errors=%d", task.Name, task.RunCount, task.ErrorCount)
		if task.LastError != "" {
			line += " last error: " + task.LastError
		}
		fmt.Println(line)
	}

	resp, err = client.Get(base + "/v1/introspection")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var records []nodecache.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("bad introspection response: %w", err)
	}

	fmt.Printf("\nNodes: %d\n", len(records))
	for _, rec := range records {
		line := fmt.Sprintf("  %-36s %-10s started %s", rec.ID, rec.State,
			rec.StartedAt.Format(time.RFC3339))
		if rec.ErrorMessage != "" {
			line += " error: " + rec.ErrorMessage
		}
		fmt.Println(line)
	}
	return nil
}
