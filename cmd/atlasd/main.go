package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/atlas/internal/config"
	"github.com/matheus3301/atlas/internal/daemon"
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
	Use:   "atlasd",
	Short: "Atlas sync daemon",
	Long: `atlasd keeps a profile's local conversation cache in sync with the
remote store and serves it to clients over a Unix socket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().String("config", "", "config file (default ~/.atlas/config.toml)")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
}

func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return profile.ConfigPath()
}

// loadEnvFiles reads .env files without overriding the real environment.
func loadEnvFiles() {
	paths := []string{".env", filepath.Join(profile.BaseDir(), ".env")}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	loadEnvFiles()

	path := configPath(cmd)
	cfg, err := config.Resolve(path)
	if err != nil {
		return err
	}
	flagProfile, _ := cmd.Flags().GetString("profile")
	name := profile.Resolve(flagProfile, cfg)
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{Profile: name, ConfigPath: path}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
