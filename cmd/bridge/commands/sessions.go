package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/persist"
	"github.com/opencode-ai/sessionbridge/internal/storage"
)

var (
	sessionsURL     string
	sessionsOffline bool
	sessionsNoColor bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List bridge sessions",
	Long: `List the live sessions of a running bridge, or the sessions saved in
the storage directory.

Examples:
  bridge sessions                          # Query the bridge at the configured address
  bridge sessions --url http://host:9000   # Query another bridge
  bridge sessions --offline                # Read persisted sessions from disk`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsURL, "url", "", "Bridge base URL (defaults to the configured address)")
	sessionsCmd.Flags().BoolVar(&sessionsOffline, "offline", false, "List persisted sessions instead of querying a bridge")
	sessionsCmd.Flags().BoolVar(&sessionsNoColor, "no-color", false, "Disable colored output")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg, false)
	color.NoColor = color.NoColor || sessionsNoColor

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if sessionsOffline {
		store := persist.NewStore(storage.New(cfg.Persist.Dir))
		records, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("list persisted sessions: %w", err)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	}

	url := sessionsURL
	if url == "" {
		url = "http://" + cfg.Server.Addr()
	}
	infos, err := fetchSessions(ctx, url)
	if err != nil {
		return err
	}
	printInfos(cmd.OutOrStdout(), infos)
	return nil
}

func fetchSessions(ctx context.Context, baseURL string) ([]bridge.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query bridge at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("query bridge at %s: %s: %s", baseURL, resp.Status, body)
	}

	var infos []bridge.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return infos, nil
}

func printInfos(out io.Writer, infos []bridge.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("no live sessions"))
		return
	}

	connected := color.New(color.FgGreen).SprintFunc()
	absent := color.New(color.FgHiBlack).SprintFunc()
	pending := color.New(color.FgYellow, color.Bold).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tAGENT\tOBSERVERS\tHISTORY\tNEXT SEQ\tPENDING\tCREATED\t")
	for _, info := range infos {
		agent := absent("disconnected")
		if info.AgentConnected {
			agent = connected("connected")
		}
		perms := fmt.Sprint(info.PendingPermissions)
		if info.PendingPermissions > 0 {
			perms = pending(perms)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t\n",
			info.ID, agent, info.Observers, info.HistoryLength, info.NextEventSeq, perms,
			info.CreatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

func printRecords(out io.Writer, records []persist.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("no persisted sessions"))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tRESUME ID\tHISTORY\tUPDATED\t")
	for _, rec := range records {
		resume := rec.AgentResumeID
		if resume == "" {
			resume = color.New(color.FgHiBlack).Sprint("-")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t\n",
			rec.SessionID, resume, rec.HistoryLength, rec.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}
