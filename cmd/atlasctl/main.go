package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matheus3301/atlas/internal/client"
	"github.com/matheus3301/atlas/internal/config"
	"github.com/matheus3301/atlas/internal/lock"
	"github.com/matheus3301/atlas/internal/profile"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "atlasctl",
	Short: "Control a running atlasd",
	Long: `atlasctl talks to the atlasd of a profile over its Unix socket.

Examples:
  atlasctl status
  atlasctl conversations list
  atlasctl send <conversation-id> "hello"
  atlasctl watch --prefix sync.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.atlas/config.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// profileName resolves the target profile from the flag and the config.
func profileName(cmd *cobra.Command) (string, error) {
	for _, envFile := range []string{".env", filepath.Join(profile.BaseDir(), ".env")} {
		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		}
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = profile.ConfigPath()
	}
	flagProfile, _ := cmd.Flags().GetString("profile")
	cfg, err := config.Resolve(path)
	if err != nil {
		return "", err
	}
	name := profile.Resolve(flagProfile, cfg)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func dial(cmd *cobra.Command) (*client.Client, string, error) {
	name, err := profileName(cmd)
	if err != nil {
		return nil, "", err
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return nil, "", fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, name, nil
}

// withClient runs fn with a connected client and a bounded context.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c *client.Client) error) error {
	c, _, err := dial(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

// daemonHint describes who holds the profile lock, for errors where the
// daemon did not answer.
func daemonHint(name string) string {
	holder, held, err := lock.Inspect(profile.Dir(name))
	switch {
	case err != nil:
		return fmt.Sprintf("cannot inspect lock: %v", err)
	case !held:
		return fmt.Sprintf("no daemon running for profile %q (start it with: atlasd --profile %s)", name, name)
	default:
		return fmt.Sprintf("daemon pid %d holds profile %q since %s but did not answer", holder.PID, name, formatTime(holder.Since))
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
