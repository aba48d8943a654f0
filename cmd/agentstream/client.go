package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mattjoyce/agentstream/internal/api"
	"github.com/mattjoyce/agentstream/internal/pipeline"
)

const defaultAPIBase = "http://127.0.0.1:8000"

type apiClient struct {
	base   string
	token  string
	client *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// post sends body as JSON and decodes a 200 response into out.
func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr api.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func runTrigger(args []string) error {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	apiBase := fs.String("api", defaultAPIBase, "base URL for the agentstream API")
	token := fs.String("token", os.Getenv("AGENTSTREAM_API_TOKEN"), "Bearer token for API auth")
	source := fs.String("source", "cli", "source label shown to clients")
	silent := fs.Bool("silent", false, "do not echo the message to clients")
	timeout := fs.Duration("timeout", 10*time.Minute, "how long to wait for the run to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		return fmt.Errorf("usage: agentstream trigger [--source <label>] [--silent] <message>")
	}

	c := newAPIClient(*apiBase, *token, *timeout)
	var resp api.ExternalResponse
	trig := pipeline.Trigger{Message: message, Source: *source, Silent: *silent}
	if err := c.post(context.Background(), "/api/external", trig, &resp); err != nil {
		color.Red("Error: %v\n", err)
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("✓ %s\n", resp.Message)
	cyan.Printf("  active connections: %d\n", resp.ActiveConnections)
	return nil
}

func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	apiBase := fs.String("api", defaultAPIBase, "base URL for the agentstream API")
	token := fs.String("token", os.Getenv("AGENTSTREAM_API_TOKEN"), "Bearer token for API auth")
	delay := fs.Duration("in", 0, "delay before the message fires")
	cancel := fs.Bool("cancel", false, "cancel the pending job instead of scheduling")
	source := fs.String("source", "scheduler", "source label shown to clients")
	silent := fs.Bool("silent", false, "do not echo the message to clients")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: agentstream schedule [--in <duration>] [--cancel] <job_id> [message]")
	}

	req, err := buildScheduleRequest(fs.Arg(0), strings.Join(fs.Args()[1:], " "), *delay, *cancel, *source, *silent)
	if err != nil {
		return err
	}

	c := newAPIClient(*apiBase, *token, 30*time.Second)
	var resp api.ScheduleResponse
	if err := c.post(context.Background(), "/api/schedule", req, &resp); err != nil {
		color.Red("Error: %v\n", err)
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	if *cancel {
		yellow.Printf("✗ cancelled %s\n", resp.JobID)
		return nil
	}
	green.Printf("✓ scheduled %s in %s\n", resp.JobID, *delay)
	return nil
}

func buildScheduleRequest(jobID, message string, delay time.Duration, cancel bool, source string, silent bool) (api.ScheduleRequest, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return api.ScheduleRequest{}, fmt.Errorf("job_id is required")
	}
	if cancel {
		return api.ScheduleRequest{JobID: jobID, Task: "cancel"}, nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return api.ScheduleRequest{}, fmt.Errorf("message is required when scheduling")
	}
	if delay < 0 {
		return api.ScheduleRequest{}, fmt.Errorf("delay must not be negative")
	}
	seconds := delay.Seconds()
	return api.ScheduleRequest{
		JobID:        jobID,
		Task:         "scheduled",
		DelaySeconds: &seconds,
		Message:      message,
		Source:       source,
		Silent:       silent,
	}, nil
}
