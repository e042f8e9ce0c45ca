// ABOUTME: Administrative commands: bootstrap, health, users and nodes
// ABOUTME: Operates on the SQLite store directly and records every change in the audit log

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/nodes"
	"github.com/2389/fleet-gateway/internal/store"
)

// systemActor is the audit actor for CLI changes
const systemActor = "system"

const nodesTemplate = `# Nodes reachable through the gateway. Edits are picked up while serving.
#
# [[node]]
# id = "agent-1"
# name = "Agent 1"
# base_url = "http://10.0.0.7:9100"
# secret = "change-me"
`

// openStore loads the config and opens its database
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, s, nil
}

func audit(ctx context.Context, s store.AuditStore, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	err := s.AppendAuditLog(ctx, &store.AuditEntry{
		ActorID:    systemActor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: writing audit entry: %v\n", err)
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newBootstrapCmd() *cobra.Command {
	var username, displayName, password string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create a config, the database and the first user, and print a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd.Context(), username, displayName, password)
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "username of the first user")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name of the first user (required)")
	cmd.Flags().StringVar(&password, "password", "", "password for the first user (generated when empty)")
	_ = cmd.MarkFlagRequired("display-name")
	return cmd
}

// runBootstrap performs first-time setup:
// 1. Creates a config file with a random JWT secret (if none exists)
// 2. Creates the database and the first user
// 3. Generates a bearer token for that user
func runBootstrap(ctx context.Context, username, displayName, password string) error {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return errors.New("display name cannot be empty or whitespace only")
	}
	if len(displayName) > 100 {
		return errors.New("display name exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret, err := randomHex(32)
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(dataPath, "logs"), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# fleet-gateway configuration
# Generated by fleet-gateway bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: %q

auth:
  jwt_secret: %q
  renewal_minutes: 30
  token_ttl: "24h"

sessions:
  backend: "memory"
  ttl: "12h"

nodes:
  file: %q
  watch: true

logs:
  dir: %q
  min_age: "24h"

release:
  cache_file: %q

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "gateway.db"), secret,
			filepath.Join(filepath.Dir(configPath), "nodes.toml"),
			filepath.Join(dataPath, "logs"),
			filepath.Join(dataPath, "release.json"))

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		green.Printf("  ✓ Created config: %s\n", configPath)

		nodesPath := filepath.Join(filepath.Dir(configPath), "nodes.toml")
		if _, err := os.Stat(nodesPath); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(nodesPath, []byte(nodesTemplate), 0600); err != nil {
				return fmt.Errorf("writing nodes file: %w", err)
			}
			green.Printf("  ✓ Created nodes file: %s\n", nodesPath)
		}
	} else {
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	cfg, s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("checking users: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d user(s) exist", count)
	}

	generated := password == ""
	if generated {
		if password, err = randomHex(12); err != nil {
			return fmt.Errorf("generating password: %w", err)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	audit(ctx, s, store.AuditCreateUser, "user", user.ID, map[string]any{"username": username, "bootstrap": true})
	green.Printf("  ✓ Created user: %s\n", username)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	tokenTTL := cfg.Auth.TokenTTL
	token, err := verifier.Generate(user.ID, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  First User")
	cyan.Println("  ----------")
	fmt.Printf("  ID:           %s\n", user.ID)
	fmt.Printf("  Username:     %s\n", username)
	fmt.Printf("  Display Name: %s\n", displayName)
	if generated {
		fmt.Printf("  Password:     %s\n", password)
	}
	fmt.Printf("  Token:        %s (expires %s)\n", tokenPath, time.Now().Add(tokenTTL).Format("Jan 02, 2006 15:04"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    fleet-gateway serve")
	fmt.Println()
	return nil
}

func newHealthCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			return checkHealth(cmd.Context(), "http://"+cfg.Server.HTTPAddr+path)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness (at least one node registered)")
	return cmd
}

func checkHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage users"}

	var username, displayName, password, legacyToken string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" && legacyToken == "" {
				return errors.New("at least one of --password or --legacy-token is required")
			}
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			u := &store.User{
				ID:          uuid.New().String(),
				Username:    username,
				DisplayName: displayName,
				LegacyToken: legacyToken,
			}
			if password != "" {
				hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return fmt.Errorf("hashing password: %w", err)
				}
				u.PasswordHash = string(hash)
			}
			if u.DisplayName == "" {
				u.DisplayName = username
			}
			if err := s.CreateUser(cmd.Context(), u); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return fmt.Errorf("username or legacy token already in use")
				}
				return err
			}
			audit(cmd.Context(), s, store.AuditCreateUser, "user", u.ID, map[string]any{"username": username})
			fmt.Printf("created user %s (%s)\n", username, u.ID)
			return nil
		},
	}
	add.Flags().StringVar(&username, "username", "", "login name (required)")
	add.Flags().StringVar(&displayName, "display-name", "", "display name")
	add.Flags().StringVar(&password, "password", "", "password for /api/auth/login")
	add.Flags().StringVar(&legacyToken, "legacy-token", "", "token accepted in the legacy header")
	_ = add.MarkFlagRequired("username")

	var disableName string
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable a user; existing sessions stop resolving on the next lookup",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			u, err := s.GetUserByUsername(cmd.Context(), disableName)
			if err != nil {
				return fmt.Errorf("finding user %q: %w", disableName, err)
			}
			if err := s.SetUserStatus(cmd.Context(), u.ID, store.UserStatusDisabled); err != nil {
				return err
			}
			audit(cmd.Context(), s, store.AuditDisableUser, "user", u.ID, map[string]any{"username": disableName})
			fmt.Printf("disabled user %s\n", disableName)
			return nil
		},
	}
	disable.Flags().StringVar(&disableName, "username", "", "user to disable (required)")
	_ = disable.MarkFlagRequired("username")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			users, err := s.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tDISPLAY NAME\tSTATUS\tLAST SEEN")
			for _, u := range users {
				seen := "never"
				if u.LastSeen != nil {
					seen = u.LastSeen.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.DisplayName, u.Status, seen)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, disable, list)
	return cmd
}

// pickupNote says when a running gateway sees a node change
func pickupNote(cfg *config.Config) string {
	if cfg.Nodes.SyncInterval <= 0 {
		return "picked up on the next gateway start"
	}
	return fmt.Sprintf("a running gateway picks it up within %s", cfg.Nodes.SyncInterval)
}

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage persisted nodes",
		Long: `Manage nodes persisted in the gateway database.

A running gateway re-reads persisted nodes every nodes.sync_interval
(30s by default). With a negative interval, changes apply on the next start.`,
	}

	var n nodes.Node
	add := &cobra.Command{
		Use:   "add",
		Short: "Persist a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := nodes.NewRegistry(nil).Validate(n); err != nil {
				return err
			}
			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			err = s.CreateNode(cmd.Context(), &store.Node{ID: n.ID, Name: n.Name, BaseURL: n.BaseURL, Secret: n.Secret})
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("node %q already exists", n.ID)
			}
			if err != nil {
				return err
			}
			audit(cmd.Context(), s, store.AuditCreateNode, "node", n.ID, map[string]any{"base_url": n.BaseURL})
			fmt.Printf("added node %s -> %s (%s)\n", n.ID, n.BaseURL, pickupNote(cfg))
			return nil
		},
	}
	add.Flags().StringVar(&n.ID, "id", "", "node id used in node_id (required)")
	add.Flags().StringVar(&n.Name, "name", "", "display name")
	add.Flags().StringVar(&n.BaseURL, "url", "", "node base URL (required)")
	add.Flags().StringVar(&n.Secret, "secret", "", "node-scoped secret sent on forwarded requests (required)")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("url")
	_ = add.MarkFlagRequired("secret")

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tCREATED")
			for _, n := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Name, n.BaseURL, n.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	var removeID string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Delete a persisted node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteNode(cmd.Context(), removeID); err != nil {
				return fmt.Errorf("removing node %q: %w", removeID, err)
			}
			audit(cmd.Context(), s, store.AuditDeleteNode, "node", removeID, nil)
			fmt.Printf("removed node %s (%s)\n", removeID, pickupNote(cfg))
			return nil
		},
	}
	remove.Flags().StringVar(&removeID, "id", "", "node id (required)")
	_ = remove.MarkFlagRequired("id")

	cmd.AddCommand(add, list, remove)
	return cmd
}
