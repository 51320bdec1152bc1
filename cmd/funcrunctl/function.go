package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type clientOptions struct {
	Server string
	Token  string
	Output string
}

// call performs one admin API request and decodes the JSON response into out.
func (o *clientOptions) call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(o.Server, "/")+path, reader)
	if err != nil {
		return err
	}
	if o.Token != "" {
		req.Header.Set("Authorization", "Bearer "+o.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var pe struct {
			Message string `json:"message"`
			Details string `json:"details"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &pe) == nil && pe.Message != "" {
			msg = pe.Message
			if pe.Details != "" {
				msg += ": " + pe.Details
			}
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (o *clientOptions) printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// functionInfo mirrors the admin API function view.
type functionInfo struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	ActiveVersion  int        `json:"active_version"`
	RequiresAPIKey bool       `json:"requires_api_key"`
	Schedule       string     `json:"schedule,omitempty"`
	ScheduleOn     bool       `json:"schedule_enabled"`
	NextExecution  *time.Time `json:"next_execution,omitempty"`
	RetentionMode  string     `json:"retention_mode,omitempty"`
	RetentionDays  int        `json:"retention_days,omitempty"`
	RetentionCount int        `json:"retention_count,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type logEntry struct {
	ID           string    `json:"id"`
	Status       int       `json:"status"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func newFunctionCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Inspect and manage functions",
	}
	cmd.AddCommand(
		newFunctionGetCmd(opts),
		newFunctionLogsCmd(opts),
		newFunctionTestCmd(opts),
		newFunctionRetentionCmd(opts),
		newFunctionScheduleCmd(opts),
	)
	return cmd
}

func newFunctionGetCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show one function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fn functionInfo
			if err := opts.call("GET", "/admin/functions/"+args[0], nil, &fn); err != nil {
				return err
			}
			if opts.Output == "json" {
				return opts.printJSON(fn)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Name:\t%s\n", fn.Name)
			fmt.Fprintf(w, "ID:\t%s\n", fn.ID)
			fmt.Fprintf(w, "Project:\t%s\n", fn.ProjectID)
			fmt.Fprintf(w, "Active version:\t%d\n", fn.ActiveVersion)
			fmt.Fprintf(w, "Requires API key:\t%v\n", fn.RequiresAPIKey)
			if fn.ScheduleOn {
				fmt.Fprintf(w, "Schedule:\t%s\n", fn.Schedule)
				if fn.NextExecution != nil {
					fmt.Fprintf(w, "Next execution:\t%s\n", fn.NextExecution.Format(time.RFC3339))
				}
			}
			if fn.RetentionMode != "" && fn.RetentionMode != "none" {
				fmt.Fprintf(w, "Retention:\t%s (days=%d count=%d)\n", fn.RetentionMode, fn.RetentionDays, fn.RetentionCount)
			}
			fmt.Fprintf(w, "Created:\t%s\n", fn.CreatedAt.Format(time.RFC3339))
			return w.Flush()
		},
	}
}

func newFunctionLogsCmd(opts *clientOptions) *cobra.Command {
	var (
		status string
		limit  int
		page   int
	)
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Show recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/admin/functions/%s/logs?status=%s&limit=%d&page=%d",
				args[0], status, limit, page)
			var entries []logEntry
			if err := opts.call("GET", path, nil, &entries); err != nil {
				return err
			}
			if opts.Output == "json" {
				return opts.printJSON(entries)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTED\tSTATUS\tDURATION\tCLIENT\tERROR")
			for _, e := range entries {
				errCol := ""
				if e.ErrorKind != "" {
					errCol = e.ErrorKind + ": " + e.ErrorMessage
				}
				fmt.Fprintf(w, "%s\t%d\t%dms\t%s\t%s\n",
					e.ExecutedAt.Format(time.RFC3339), e.Status, e.DurationMS, e.ClientIP, errCol)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "all", "Filter: success, error or all")
	cmd.Flags().IntVar(&limit, "limit", 50, "Entries per page")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	return cmd
}

func newFunctionTestCmd(opts *clientOptions) *cobra.Command {
	var (
		method  string
		path    string
		body    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "test NAME",
		Short: "Invoke a function with a synthetic request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"method": method,
				"path":   path,
				"body":   body,
			}
			if len(headers) > 0 {
				hs := make(map[string]string, len(headers))
				for _, h := range headers {
					k, v, ok := strings.Cut(h, ":")
					if !ok {
						return fmt.Errorf("invalid header %q, want Name:Value", h)
					}
					hs[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
				req["headers"] = hs
			}

			var resp struct {
				Status  int               `json:"status"`
				Headers map[string]string `json:"headers"`
				Body    string            `json:"body"`
			}
			if err := opts.call("POST", "/admin/functions/"+args[0]+"/test", req, &resp); err != nil {
				return err
			}
			if opts.Output == "json" {
				return opts.printJSON(resp)
			}
			fmt.Printf("Status: %d\n", resp.Status)
			for k, v := range resp.Headers {
				fmt.Printf("%s: %s\n", k, v)
			}
			if resp.Body != "" {
				fmt.Println()
				fmt.Println(resp.Body)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVar(&path, "path", "/", "Request path")
	cmd.Flags().StringVarP(&body, "body", "d", "", "Request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Request header (Name:Value), repeatable")
	return cmd
}

func newFunctionRetentionCmd(opts *clientOptions) *cobra.Command {
	var (
		mode  string
		days  int
		count int
	)
	cmd := &cobra.Command{
		Use:   "retention NAME",
		Short: "Set the execution log retention policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{"mode": mode, "days": days, "count": count}
			var fn functionInfo
			if err := opts.call("PUT", "/admin/functions/"+args[0]+"/retention", req, &fn); err != nil {
				return err
			}
			if opts.Output == "json" {
				return opts.printJSON(fn)
			}
			fmt.Printf("Retention for %s: %s (days=%d count=%d)\n",
				fn.Name, fn.RetentionMode, fn.RetentionDays, fn.RetentionCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "none", "Policy: none, days or count")
	cmd.Flags().IntVar(&days, "days", 0, "Days to keep (mode=days)")
	cmd.Flags().IntVar(&count, "count", 0, "Entries to keep (mode=count)")
	return cmd
}

func newFunctionScheduleCmd(opts *clientOptions) *cobra.Command {
	var (
		cronExpr string
		disable  bool
	)
	cmd := &cobra.Command{
		Use:   "schedule NAME",
		Short: "Enable or disable the cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !disable && cronExpr == "" {
				return fmt.Errorf("either --cron or --disable is required")
			}
			req := map[string]interface{}{"enabled": !disable, "cron": cronExpr}
			var fn functionInfo
			if err := opts.call("PUT", "/admin/functions/"+args[0]+"/schedule", req, &fn); err != nil {
				return err
			}
			if opts.Output == "json" {
				return opts.printJSON(fn)
			}
			if !fn.ScheduleOn {
				fmt.Printf("Schedule for %s disabled\n", fn.Name)
				return nil
			}
			next := ""
			if fn.NextExecution != nil {
				next = ", next " + fn.NextExecution.Format(time.RFC3339)
			}
			fmt.Printf("Schedule for %s: %s%s\n", fn.Name, fn.Schedule, next)
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Five-field cron expression")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable the schedule")
	return cmd
}
