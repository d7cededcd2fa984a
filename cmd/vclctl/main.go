package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vclsched/vclsched/internal/buildinfo"
	"github.com/vclsched/vclsched/internal/config"
)

const actorEnv = "VCLSCHED_ACTOR"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vclctl",
	Short: "vclctl - administer computers and reservations through vcld",
	Long: `vclctl changes computer states, VM host assignments and settings in
batches. Batches are previewed first and applied after confirmation,
either interactively, with --yes, or later with "vclctl confirm TOKEN".`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(buildinfo.VersionTemplate("vclctl"))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to config file used to find the socket")
	flags.String("socket", "", "path to the vcld socket (overrides the config)")
	flags.String("actor", "", "acting administrator (default $"+actorEnv+" or <user>@local)")
	flags.Bool("json", false, "print json")
	flags.Duration("timeout", 30*time.Second, "request timeout")
}

// clientFor builds the API client from the global flags.
func clientFor(cmd *cobra.Command) (*apiClient, error) {
	socket, _ := cmd.Flags().GetString("socket")
	if strings.TrimSpace(socket) == "" {
		configPath, _ := cmd.Flags().GetString("config")
		var (
			cfg config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, _, err = config.LoadDefault()
		}
		if err != nil {
			return nil, err
		}
		socket = cfg.SocketPath
	}
	actor, _ := cmd.Flags().GetString("actor")
	actor, err := resolveActor(actor)
	if err != nil {
		return nil, err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return newAPIClient(socket, actor, timeout), nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// resolveActor picks the flag value, then the environment, then the login
// name of the current user.
func resolveActor(flagValue string) (string, error) {
	if actor := strings.TrimSpace(flagValue); actor != "" {
		return actor, nil
	}
	if actor := strings.TrimSpace(os.Getenv(actorEnv)); actor != "" {
		return actor, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("cannot determine actor, pass --actor: %w", err)
	}
	return u.Username + "@local", nil
}

// parseIDs accepts ids, comma lists and inclusive ranges: "3 5,6 10-12".
func parseIDs(args []string) ([]int, error) {
	var ids []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(part, "-")
			if !isRange {
				id, err := parseID(part)
				if err != nil {
					return nil, err
				}
				ids = append(ids, id)
				continue
			}
			first, err := parseID(lo)
			if err != nil {
				return nil, err
			}
			last, err := parseID(hi)
			if err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			for id := first; id <= last; id++ {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one computer id is required")
	}
	return ids, nil
}

func parseID(value string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid computer id %q", value)
	}
	return id, nil
}
