package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/halversen/wardsync/internal/config"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Fetch or save patient records through the daemon",
}

var recordGetCmd = &cobra.Command{
	Use:   "get <patient-id>",
	Short: "Fetch a record, tagged live or cached",
	Long: `Fetch a record, tagged live or cached.

Examples:
  wardsync record get 12345
  wardsync record get --card 0042-XK 12345`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		card, _ := cmd.Flags().GetString("card")
		if card == "" && len(args) == 0 {
			return fmt.Errorf("a patient ID or --card is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := ""
		if card != "" {
			path = "/records/card/" + url.PathEscape(card)
		} else {
			path = "/records/" + url.PathEscape(args[0])
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Source   string          `json:"source"`
			Stale    bool            `json:"stale"`
			CachedAt string          `json:"cachedAt"`
			Record   json.RawMessage `json:"record"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Stale {
			printWarning("serving cached copy captured at %s, may be out of date", result.CachedAt)
		} else {
			printSuccess("live record")
		}

		var pretty any
		if err := json.Unmarshal(result.Record, &pretty); err != nil {
			return fmt.Errorf("decoding record payload: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	},
}

var recordSaveCmd = &cobra.Command{
	Use:   "save <patient-id>",
	Short: "Save a record; queued locally if the backend is unreachable",
	Long: `Save a record; queued locally if the backend is unreachable.

Examples:
  wardsync record save 12345 --file ./record.json
  wardsync record save 12345 --json '{"note":"BP stable"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		raw, _ := cmd.Flags().GetString("json")

		var data []byte
		switch {
		case file != "":
			var err error
			data, err = os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
		case raw != "":
			data = []byte(raw)
		default:
			return fmt.Errorf("one of --file or --json is required")
		}

		var body json.RawMessage
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("record must be valid JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/records/"+url.PathEscape(args[0]), body)
		if err != nil {
			return err
		}

		var result struct {
			Queued bool  `json:"queued"`
			Seq    int64 `json:"seq"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Queued {
			printWarning("backend unreachable; saved locally as queue entry %d", result.Seq)
		} else {
			printSuccess("record saved")
		}
		return nil
	},
}

func init() {
	recordGetCmd.Flags().String("card", "", "look up by patient card number (cache only)")
	recordSaveCmd.Flags().String("file", "", "path to a JSON file with the record body")
	recordSaveCmd.Flags().String("json", "", "inline JSON record body")
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordSaveCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending writes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var entries []struct {
			Seq      int64  `json:"seq"`
			Method   string `json:"method"`
			Target   string `json:"target"`
			QueuedAt string `json:"queuedAt"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %-6s %s  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", e.Seq)),
				e.Method,
				e.Target,
				e.QueuedAt,
			)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}

		var result struct {
			Replayed int    `json:"replayed"`
			Stopped  string `json:"stopped"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Stopped != "" {
			printWarning("replayed %d write(s), then stopped: %s", result.Replayed, result.Stopped)
			return nil
		}
		printSuccess("replayed %d write(s)", result.Replayed)
		return nil
	},
}

// --- pull ---

var pullCmd = &cobra.Command{
	Use:   "pull <patient-id>...",
	Short: "Prefetch records into the cache before going mobile",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/prefetch", map[string]any{"ids": args})
		if err != nil {
			return err
		}

		var result struct {
			Fetched int      `json:"fetched"`
			Failed  []string `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("cached %d of %d record(s)", result.Fetched, len(args))
		for _, id := range result.Failed {
			printError("could not fetch %s", id)
		}
		return nil
	},
}

// --- net ---

var netCmd = &cobra.Command{
	Use:   "net <online|offline>",
	Short: "Report a platform connectivity change to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var online bool
		switch args[0] {
		case "online":
			online = true
		case "offline":
			online = false
		default:
			return fmt.Errorf("argument must be 'online' or 'offline', got %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/connectivity", map[string]any{"online": online})
		if err != nil {
			return err
		}

		var result struct {
			Online  bool `json:"online"`
			Changed bool `json:"changed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Changed {
			fmt.Printf("already %s\n", args[0])
			return nil
		}
		printSuccess("now %s", args[0])
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local record cache",
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove snapshots older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var body any
		if days > 0 {
			body = map[string]any{"maxAgeDays": days}
		}
		resp, err := client.post(cmd.Context(), "/cache/evict", body)
		if err != nil {
			return err
		}

		var result struct {
			Evicted int64 `json:"evicted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("evicted %d expired snapshot(s)", result.Evicted)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL cached records. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Clearing record cache...")
		resp, err := client.delete(cmd.Context(), "/cache")
		if err != nil {
			return err
		}

		var result struct {
			Cleared int64 `json:"cleared"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("removed %d cached record(s)", result.Cleared)
		return nil
	},
}

func init() {
	cacheEvictCmd.Flags().Int("days", 0, "override the retention window in days")
	cacheClearCmd.Flags().Bool("confirm", false, "confirm cache clear")
	cacheCmd.AddCommand(cacheEvictCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
