package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/intelliclaw/gateway/pkg/auth"
)

// SetupCmd creates the first admin account in the configured user
// store. Refuses to run once any account exists.
type SetupCmd struct {
	Username string `help:"Admin username (prompted when omitted)."`
}

func (c *SetupCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfig(context.Background(), cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	svc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if !svc.NeedsSetup() {
		return fmt.Errorf("setup already completed: %s is not empty", cfg.Auth.UsersFile)
	}

	reader := bufio.NewReader(os.Stdin)
	username := strings.TrimSpace(c.Username)
	if username == "" {
		fmt.Print("Admin username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}

	password, err := readPassword(reader, "Password: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword(reader, "Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	user, err := svc.Setup(username, password)
	if err != nil {
		return err
	}
	fmt.Printf("Created admin account %q in %s\n", user.Username, cfg.Auth.UsersFile)
	if !cfg.Auth.IsEnabled() {
		fmt.Println("Note: auth.enabled is false; the account takes effect once auth is turned on.")
	}
	return nil
}

// readPassword hides input on a terminal and falls back to plain line
// reads when stdin is piped.
func readPassword(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
