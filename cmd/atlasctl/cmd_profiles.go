package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/atlas/internal/lock"
	"github.com/matheus3301/atlas/internal/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Profile operations",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known profiles and whether a daemon holds them",
	RunE:  runProfilesList,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd)
}

type profileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	OwnerID string    `json:"owner_id,omitempty"`
	Since   time.Time `json:"since,omitempty"`
}

func runProfilesList(cmd *cobra.Command, _ []string) error {
	root := filepath.Join(profile.BaseDir(), "profiles")
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
			continue
		}
		info := profileInfo{Name: e.Name(), Path: profile.Dir(e.Name())}
		holder, held, err := lock.Inspect(info.Path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", info.Name, err)
		}
		if held {
			info.Running = true
			info.PID = holder.PID
			info.OwnerID = holder.OwnerID
			info.Since = holder.Since
		}
		profiles = append(profiles, info)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })

	if jsonOutput(cmd) {
		outputJSON(profiles)
		return nil
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found.")
		return nil
	}
	for _, p := range profiles {
		state := "stopped"
		if p.Running {
			state = fmt.Sprintf("running pid=%d owner=%s since %s", p.PID, p.OwnerID, formatTime(p.Since))
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, state)
	}
	return nil
}
