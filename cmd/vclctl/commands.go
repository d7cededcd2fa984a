package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vclsched/vclsched/internal/daemon"
)

var computerCmd = &cobra.Command{
	Use:   "computer",
	Short: "Register, inspect and delete computers",
}

var computerAddCmd = &cobra.Command{
	Use:   "add HOSTNAME",
	Short: "Register a computer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		typ, _ := cmd.Flags().GetString("type")
		state, _ := cmd.Flags().GetString("state")
		provisioning, _ := cmd.Flags().GetString("provisioning")
		host, _ := cmd.Flags().GetInt("host")
		req := daemon.V1ComputerCreateRequest{Hostname: args[0], Type: typ, State: state, Provisioning: provisioning}
		if host > 0 {
			req.VMHostID = &host
		}
		var created daemon.V1Computer
		if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/computers", req, &created); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), created)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "computer %d registered (%s, %s)\n", created.ID, created.Hostname, created.State)
		return nil
	},
}

var computerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List computers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var resp daemon.V1ComputersResponse
		if err := client.doJSON(cmd.Context(), http.MethodGet, "/v1/computers", nil, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printComputers(cmd.OutOrStdout(), resp.Computers)
		return nil
	},
}

var computerShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a computer with its VMs and reservations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var resp daemon.V1ComputerDetailResponse
		if err := client.doJSON(cmd.Context(), http.MethodGet, fmt.Sprintf("/v1/computers/%d", id), nil, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printComputerDetail(cmd.OutOrStdout(), resp)
		return nil
	},
}

var computerDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a computer that has no reservations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		if err := client.doJSON(cmd.Context(), http.MethodDelete, fmt.Sprintf("/v1/computers/%d", id), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "computer %d deleted\n", id)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage VM host profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add NAME IMAGE",
	Short: "Create a VM host profile loading IMAGE on the host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := strconv.Atoi(args[1])
		if err != nil || image <= 0 {
			return fmt.Errorf("invalid image id %q", args[1])
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var created daemon.V1Profile
		req := daemon.V1ProfileCreateRequest{Name: args[0], ImageID: image}
		if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/profiles", req, &created); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), created)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "profile %d created (%s, image %d)\n", created.ID, created.Name, created.ImageID)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant ACTOR [ID]",
	Short: "Allow ACTOR to manage a computer, or every computer when ID is omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := daemon.V1GrantRequest{Actor: args[0]}
		if len(args) == 2 {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			req.ComputerID = id
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/grants", req, nil); err != nil {
			return err
		}
		scope := "all computers"
		if req.ComputerID > 0 {
			scope = fmt.Sprintf("computer %d", req.ComputerID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s may manage %s\n", req.Actor, scope)
		return nil
	},
}

var reservationCmd = &cobra.Command{
	Use:   "reservation",
	Short: "Book computers and list their reservations",
}

var reservationAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Book a computer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		startFlag, _ := cmd.Flags().GetString("start")
		duration, _ := cmd.Flags().GetDuration("duration")
		image, _ := cmd.Flags().GetInt("image")
		start := time.Now().UTC()
		if startFlag != "" {
			if start, err = time.Parse(time.RFC3339, startFlag); err != nil {
				return fmt.Errorf("--start must be RFC3339: %w", err)
			}
		}
		if duration < 0 || duration%time.Minute != 0 {
			return fmt.Errorf("--duration must be whole minutes")
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		req := daemon.V1ReservationCreateRequest{
			Start:           start.UTC().Format(time.RFC3339),
			DurationMinutes: int(duration / time.Minute),
			ImageID:         image,
		}
		var created daemon.V1Reservation
		if err := client.doJSON(cmd.Context(), http.MethodPost, fmt.Sprintf("/v1/computers/%d/reservations", id), req, &created); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), created)
		}
		printReservations(cmd.OutOrStdout(), []daemon.V1Reservation{created})
		return nil
	},
}

var reservationListCmd = &cobra.Command{
	Use:   "list ID",
	Short: "List reservations of a computer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var resp daemon.V1ReservationsResponse
		if err := client.doJSON(cmd.Context(), http.MethodGet, fmt.Sprintf("/v1/computers/%d/reservations", id), nil, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printReservations(cmd.OutOrStdout(), resp.Reservations)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Show the audit events of a computer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		query := url.Values{}
		if after > 0 {
			query.Set("after", strconv.FormatInt(after, 10))
		}
		if limit > 0 {
			query.Set("limit", strconv.Itoa(limit))
		}
		path := fmt.Sprintf("/v1/computers/%d/events", id)
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
		var resp daemon.V1EventsResponse
		if err := client.doJSON(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printEvents(cmd.OutOrStdout(), resp.Events)
		return nil
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List held computer semaphores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var resp daemon.V1LocksResponse
		if err := client.doJSON(cmd.Context(), http.MethodGet, "/v1/locks", nil, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printLocks(cmd.OutOrStdout(), resp.Locks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(computerCmd, profileCmd, grantCmd, reservationCmd, eventsCmd, locksCmd)

	computerCmd.AddCommand(computerAddCmd, computerListCmd, computerShowCmd, computerDeleteCmd)
	computerAddCmd.Flags().String("type", "blade", "blade, lab or virtualmachine")
	computerAddCmd.Flags().String("state", "", "initial state (default available)")
	computerAddCmd.Flags().String("provisioning", "", "provisioning engine (default none)")
	computerAddCmd.Flags().Int("host", 0, "host computer id for a virtual machine")

	profileCmd.AddCommand(profileAddCmd)

	reservationCmd.AddCommand(reservationAddCmd, reservationListCmd)
	reservationAddCmd.Flags().String("start", "", "start time, RFC3339 (default now)")
	reservationAddCmd.Flags().Duration("duration", time.Hour, "length; 0 books indefinitely")
	reservationAddCmd.Flags().Int("image", 0, "image id")

	eventsCmd.Flags().Int64("after", 0, "only events after this id")
	eventsCmd.Flags().Int("limit", 0, "maximum events to show")
}
