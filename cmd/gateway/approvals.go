package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/intelliclaw/gateway/pkg/approval"
)

// ApprovalsCmd reviews the pending approval queue over the admin API.
// With --approve or --reject it resolves one request and exits;
// otherwise it lists the queue and, on a terminal, walks the pending
// requests one by one.
type ApprovalsCmd struct {
	URL     string `help:"Gateway base URL." default:"http://127.0.0.1:8130"`
	Token   string `help:"Admin bearer token." env:"GATEWAY_TOKEN"`
	Approve int64  `help:"Approve one request by id and exit."`
	Reject  int64  `help:"Reject one request by id and exit."`
}

func (c *ApprovalsCmd) Run(cli *CLI) error {
	switch {
	case c.Approve > 0 && c.Reject > 0:
		return fmt.Errorf("--approve and --reject are mutually exclusive")
	case c.Approve > 0:
		return c.resolve(c.Approve, "approve")
	case c.Reject > 0:
		return c.resolve(c.Reject, "reject")
	}

	var list struct {
		Approvals []approval.Request `json:"approvals"`
		Pending   int                `json:"pending"`
	}
	if err := c.request(http.MethodGet, "/approvals?status=pending", &list); err != nil {
		return err
	}
	if list.Pending == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%d pending approval(s):\n\n", list.Pending)
	for _, req := range list.Approvals {
		printApproval(&req)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	for _, req := range list.Approvals {
		fmt.Printf("#%d %v: [a]pprove, [r]eject, [s]kip, [q]uit: ", req.ID, req.Payload["tool"])
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			if err := c.resolve(req.ID, "approve"); err != nil {
				return err
			}
		case "r", "reject":
			if err := c.resolve(req.ID, "reject"); err != nil {
				return err
			}
		case "q", "quit":
			return nil
		default:
			// skip
		}
	}
	return nil
}

func (c *ApprovalsCmd) resolve(id int64, action string) error {
	var req approval.Request
	path := fmt.Sprintf("/approvals/%d/%s", id, action)
	if err := c.request(http.MethodPost, path, &req); err != nil {
		return err
	}
	fmt.Printf("#%d %v -> %s\n", req.ID, req.Payload["tool"], req.Status)
	return nil
}

// request performs one admin API call and decodes the JSON response.
func (c *ApprovalsCmd) request(method, path string, into any) error {
	req, err := http.NewRequest(method, strings.TrimRight(c.URL, "/")+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
			return fmt.Errorf("gateway: %s (%s)", detail.Detail, resp.Status)
		}
		return fmt.Errorf("gateway: %s", resp.Status)
	}
	return json.Unmarshal(body, into)
}

func printApproval(req *approval.Request) {
	args, _ := json.Marshal(req.Payload["args"])
	fmt.Printf("  #%-4d %-24v risk=%-6s age=%s\n", req.ID, req.Payload["tool"], req.Risk,
		time.Since(req.EnqueuedAt).Round(time.Second))
	if len(args) > 2 {
		fmt.Printf("        args: %s\n", truncate(string(args), 120))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
