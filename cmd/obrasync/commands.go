package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/obrasync/internal/api"
	"github.com/kalambet/obrasync/internal/config"
	"github.com/kalambet/obrasync/internal/notify"
	"github.com/kalambet/obrasync/internal/syncq"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send every pending report now, ignoring retry backoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runSync(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSyncResult(res)
		return nil
	},
}

func runSync(ctx context.Context, c *apiClient) (syncq.DrainResult, error) {
	var res syncq.DrainResult
	resp, err := c.post(ctx, "/sync", nil)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func printSyncResult(res syncq.DrainResult) {
	switch {
	case res.Rejected > 0:
		printWarning("Delivered %d, rejected %d, %d still pending", res.Delivered, res.Rejected, res.Remaining)
	case res.Stopped:
		printWarning("Delivered %d, stopped early with %d still pending", res.Delivered, res.Remaining)
	case res.Remaining > 0:
		printWarning("Delivered %d, %d still pending", res.Delivered, res.Remaining)
	default:
		printSuccess("Delivered %d, queue empty", res.Delivered)
	}
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List reports waiting to be sent",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/pending")
		if err != nil {
			return err
		}
		var pending []api.PendingReport
		if err := decodeJSON(resp, &pending); err != nil {
			return err
		}
		printPending(os.Stdout, pending)
		return nil
	},
}

var pendingShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a stored report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/pending/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var report any
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	pendingCmd.AddCommand(pendingShowCmd)
}

func printPending(w io.Writer, pending []api.PendingReport) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending reports.")
		return
	}
	for _, p := range pending {
		fmt.Fprintf(w, "%s  %s  %d photo(s)  %s\n",
			colorize(colorCyan, shortID(p.ReportID)),
			p.EnqueuedAt.Local().Format(time.DateTime),
			len(p.Photos),
			p.Description,
		)
		if p.Attempts > 0 {
			fmt.Fprintf(w, "    attempts: %d, next: %s, last error: %s\n",
				p.Attempts, p.NextAttemptAt.Local().Format(time.DateTime), p.LastError)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- rejections ---

var rejectionsCmd = &cobra.Command{
	Use:   "rejections",
	Short: "List reports the server refused",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/rejections"
		if all {
			path += "?all=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var rejections []syncq.Rejection
		if err := decodeJSON(resp, &rejections); err != nil {
			return err
		}
		printRejections(os.Stdout, rejections)
		return nil
	},
}

var rejectionsAckCmd = &cobra.Command{
	Use:   "ack <rejection-id>",
	Short: "Dismiss a rejection and discard its report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/rejections/"+url.PathEscape(args[0])+"/ack", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Rejection %s acknowledged", args[0])
		return nil
	},
}

var rejectionsRetryCmd = &cobra.Command{
	Use:   "retry <rejection-id>",
	Short: "Put a rejected report back on the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/rejections/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}
		var item syncq.Item
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		printSuccess("Report %s queued again", shortID(item.DataID))
		return nil
	},
}

func init() {
	rejectionsCmd.Flags().Bool("all", false, "include acknowledged rejections")
	rejectionsCmd.AddCommand(rejectionsAckCmd)
	rejectionsCmd.AddCommand(rejectionsRetryCmd)
}

func printRejections(w io.Writer, rejections []syncq.Rejection) {
	if len(rejections) == 0 {
		fmt.Fprintln(w, "No rejections.")
		return
	}
	for _, r := range rejections {
		status := "-"
		if r.StatusCode != 0 {
			status = fmt.Sprintf("HTTP %d", r.StatusCode)
		}
		line := fmt.Sprintf("%s  %s  %s  %s: %s",
			colorize(colorRed, r.ID),
			r.RejectedAt.Local().Format(time.DateTime),
			status,
			r.Description,
			r.Reason,
		)
		if r.Acknowledged {
			line += "  (acknowledged)"
		}
		fmt.Fprintln(w, line)
	}
}

// --- notify ---

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Show a notification on every open app page",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		target, _ := cmd.Flags().GetString("url")
		tag, _ := cmd.Flags().GetString("tag")
		if title == "" {
			return fmt.Errorf("--title is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ev := notify.Event{Title: title, Body: body, Tag: tag, Data: notify.EventData{URL: target}}
		resp, err := client.post(cmd.Context(), "/events", ev)
		if err != nil {
			return err
		}
		var result struct {
			Delivered int `json:"delivered"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Delivered == 0 {
			printWarning("No app page is open")
			return nil
		}
		printSuccess("Delivered to %d page(s)", result.Delivered)
		return nil
	},
}

func init() {
	notifyCmd.Flags().String("title", "", "notification title")
	notifyCmd.Flags().String("body", "", "notification text")
	notifyCmd.Flags().String("url", "", "page opened when the notification is clicked")
	notifyCmd.Flags().String("tag", "", "replaces an earlier notification with the same tag")
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
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:       "unset <key>",
	Short:     "Restore the default of a configuration value",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
