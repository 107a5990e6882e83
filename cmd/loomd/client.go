// ABOUTME: Client commands that talk to a running daemon over its HTTP API
// ABOUTME: Covers health checks and job, draft, and channel management

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/api"
	"github.com/loomlabs/loom/internal/config"
)

// apiRequest sends one request to the running daemon and decodes the JSON
// response into out (if non-nil). Non-2xx responses surface the body text.
func apiRequest(ctx context.Context, method, path string, body, out any) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), http.MethodGet, "/health", nil, nil); err != nil {
			return err
		}
		fmt.Println("healthy")
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var (
	jobScheduleType string
	jobScheduleSpec string
	jobIsolated     bool
	jobChannel      string
	jobChatID       string
)

func init() {
	jobsAddCmd.Flags().StringVar(&jobScheduleType, "type", "cron", "schedule type: at, every, or cron")
	jobsAddCmd.Flags().StringVar(&jobScheduleSpec, "spec", "", "schedule spec (RFC 3339 time, duration, or cron expression)")
	jobsAddCmd.Flags().BoolVar(&jobIsolated, "isolated", false, "run each firing in a fresh conversation")
	jobsAddCmd.Flags().StringVar(&jobChannel, "channel", "", "deliver results to this channel platform")
	jobsAddCmd.Flags().StringVar(&jobChatID, "chat", "", "deliver results to this chat ID")
	_ = jobsAddCmd.MarkFlagRequired("spec")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)

	draftsCmd.AddCommand(draftsListCmd)
	draftsCmd.AddCommand(draftsApproveCmd)
	draftsCmd.AddCommand(draftsRejectCmd)
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []api.JobResponse
		if err := apiRequest(cmd.Context(), http.MethodGet, "/api/jobs", nil, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		for _, j := range jobs {
			state := color.GreenString("enabled")
			if !j.Enabled {
				state = color.YellowString("disabled")
			}
			fmt.Printf("%s  %-20s %s %-16s %s", j.ID[:8], j.Name, state, j.ScheduleType+" "+j.ScheduleSpec, j.Prompt)
			if j.ErrorCount > 0 {
				fmt.Printf("  %s", color.RedString("errors=%d", j.ErrorCount))
			}
			fmt.Println()
		}
		return nil
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add NAME PROMPT",
	Short: "Create a scheduled job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.CreateJobRequest{
			Name:            args[0],
			Prompt:          args[1],
			ScheduleType:    jobScheduleType,
			ScheduleSpec:    jobScheduleSpec,
			Isolated:        jobIsolated,
			DeliveryChannel: jobChannel,
			DeliveryChatID:  jobChatID,
		}
		var created api.JobResponse
		if err := apiRequest(cmd.Context(), http.MethodPost, "/api/jobs", req, &created); err != nil {
			return err
		}
		fmt.Printf("created job %s (%s)\n", created.Name, created.ID[:8])
		return nil
	},
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd.Context(), args[0], "enable")
	},
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd.Context(), args[0], "disable")
	},
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), http.MethodDelete, "/api/jobs/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

func jobAction(ctx context.Context, id, action string) error {
	if err := apiRequest(ctx, http.MethodPost, "/api/jobs/"+id+"/"+action, nil, nil); err != nil {
		return err
	}
	fmt.Println(action + "d")
	return nil
}

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Review and resolve outbound drafts",
}

var draftStatusFilter string

func init() {
	draftsListCmd.Flags().StringVar(&draftStatusFilter, "status", "pending", "filter by status (pending, approved, rejected, sent, all)")
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/drafts"
		if draftStatusFilter != "" && draftStatusFilter != "all" {
			path += "?status=" + draftStatusFilter
		}
		var drafts []api.DraftResponse
		if err := apiRequest(cmd.Context(), http.MethodGet, path, nil, &drafts); err != nil {
			return err
		}
		if len(drafts) == 0 {
			fmt.Println("no drafts")
			return nil
		}
		for _, d := range drafts {
			fmt.Printf("%s  %-10s %-12s %s\n", d.ID[:8], d.Status, d.Channel, d.Content)
		}
		return nil
	},
}

var draftsApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending draft for delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resolved api.DraftResponse
		if err := apiRequest(cmd.Context(), http.MethodPost, "/api/drafts/"+args[0]+"/approve", nil, &resolved); err != nil {
			return err
		}
		fmt.Printf("draft %s: %s\n", resolved.ID[:8], resolved.Status)
		return nil
	},
}

var draftsRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resolved api.DraftResponse
		if err := apiRequest(cmd.Context(), http.MethodPost, "/api/drafts/"+args[0]+"/reject", nil, &resolved); err != nil {
			return err
		}
		fmt.Printf("draft %s: %s\n", resolved.ID[:8], resolved.Status)
		return nil
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List registered channel adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var channels []api.ChannelResponse
		if err := apiRequest(cmd.Context(), http.MethodGet, "/api/channels", nil, &channels); err != nil {
			return err
		}
		if len(channels) == 0 {
			fmt.Println("no channels")
			return nil
		}
		for _, c := range channels {
			capability := ""
			if c.EditCapable {
				capability = " (edit-capable)"
			}
			fmt.Printf("%s%s\n", c.Platform, capability)
		}
		return nil
	},
}
