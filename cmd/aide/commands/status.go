package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/aide/pkg/aide/ipc"
)

// newStatusCmd creates `aide status`: query the running daemon over
// the loopback IPC surface.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running daemon",
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "raw JSON output")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	pf, err := ipc.ReadPortFile(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/status", pf.Port), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+pf.Token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("querying daemon: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}

	if raw, _ := cmd.Flags().GetBool("json"); raw {
		fmt.Println(string(body))
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return err
	}
	fmt.Printf("aide (pid %d) on port %d\n", pf.PID, pf.Port)
	if name, ok := doc["name"].(string); ok {
		fmt.Printf("  Name:      %s\n", name)
	}
	if up, ok := doc["uptime_s"].(float64); ok {
		fmt.Printf("  Uptime:    %s\n", (time.Duration(up) * time.Second))
	}
	if sess, ok := doc["session"].(map[string]any); ok {
		fmt.Printf("  Session:   %.0f tokens (%.0f%% of ceiling)\n",
			num(sess["tokens"]), 100*num(sess["pressure"]))
	}
	fmt.Printf("  Crons:     %.0f\n", num(doc["crons"]))
	fmt.Printf("  Workflows: %.0f\n", num(doc["workflows"]))
	return nil
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
