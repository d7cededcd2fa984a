package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vclsched/vclsched/internal/daemon"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/orchestrator"
)

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("yes", "y", false, "apply without prompting")
	cmd.Flags().Bool("no-preview", false, "apply directly without a preview")
}

// runBatch previews batch and applies it when confirmed. Without
// confirmation the batch stays staged under the printed token.
func runBatch(cmd *cobra.Command, action orchestrator.Action, ids []int) error {
	client, err := clientFor(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	asJSON := jsonOutput(cmd)
	batch := orchestrator.Batch{ComputerIDs: ids, Action: action}

	noPreview, _ := cmd.Flags().GetBool("no-preview")
	if noPreview {
		var report orchestrator.Report
		if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/batches", batch, &report); err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, report)
		}
		printReport(out, report)
		return nil
	}

	var staged daemon.V1StagedResponse
	if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/batches/preview", batch, &staged); err != nil {
		return err
	}
	yes, _ := cmd.Flags().GetBool("yes")
	if !asJSON {
		fmt.Fprintln(out, "Preview:")
		printReport(out, staged.Report)
	}
	if staged.Token == "" {
		if asJSON {
			return printJSON(out, staged)
		}
		fmt.Fprintln(out, "nothing to apply")
		return nil
	}
	apply := yes
	if !apply && !asJSON {
		if apply, err = askApply(); err != nil {
			return err
		}
	}
	if !apply {
		if asJSON {
			return printJSON(out, staged)
		}
		fmt.Fprintf(out, "staged; apply with: vclctl confirm %s\n", staged.Token)
		return nil
	}
	report, err := confirmToken(cmd, client, staged.Token)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, report)
	}
	fmt.Fprintln(out, "Applied:")
	printReport(out, report)
	return nil
}

func confirmToken(cmd *cobra.Command, client *apiClient, token string) (orchestrator.Report, error) {
	var report orchestrator.Report
	err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/batches/confirm", daemon.V1ConfirmRequest{Token: token}, &report)
	return report, err
}

var stateCmd = &cobra.Command{
	Use:   "state TARGET ID...",
	Short: "Move computers to available, maintenance, vmhostinuse or hpc",
	Long: `Move computers to an administrative state. Computers with reservations
are moved when their reservations end; the preview shows when.

Entering maintenance records the reason in the computer notes. Entering
vmhostinuse requires --profile.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := models.ParseComputerState(args[0])
		if err != nil {
			return err
		}
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		reason, _ := cmd.Flags().GetString("reason")
		profile, _ := cmd.Flags().GetInt("profile")
		return runBatch(cmd, orchestrator.Action{
			Kind:      orchestrator.KindState,
			State:     target,
			ProfileID: profile,
			Reason:    reason,
		}, ids)
	},
}

var provisioningCmd = &cobra.Command{
	Use:   "provisioning ENGINE ID...",
	Short: "Set the provisioning engine of computers",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return runBatch(cmd, orchestrator.Action{Kind: orchestrator.KindProvisioning, Provisioning: args[0]}, ids)
	},
}

var natCmd = &cobra.Command{
	Use:   "nat ID... (--host ID | --disable)",
	Short: "Configure NAT for computers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetInt("host")
		disable, _ := cmd.Flags().GetBool("disable")
		if disable == (host > 0) {
			return fmt.Errorf("exactly one of --host or --disable is required")
		}
		action := orchestrator.Action{Kind: orchestrator.KindNAT}
		if !disable {
			action.NATEnabled = true
			action.NATHostID = &host
		}
		return runBatch(cmd, action, ids)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule ID... (--schedule ID | --clear)",
	Short: "Assign or clear the availability schedule of computers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		schedule, _ := cmd.Flags().GetInt("schedule")
		clearSchedule, _ := cmd.Flags().GetBool("clear")
		if clearSchedule == (schedule > 0) {
			return fmt.Errorf("exactly one of --schedule or --clear is required")
		}
		action := orchestrator.Action{Kind: orchestrator.KindSchedule}
		if !clearSchedule {
			action.ScheduleID = &schedule
		}
		return runBatch(cmd, action, ids)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload IMAGE ID...",
	Short: "Queue a reload of computers with an image",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := strconv.Atoi(args[0])
		if err != nil || image <= 0 {
			return fmt.Errorf("invalid image id %q", args[0])
		}
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return runBatch(cmd, orchestrator.Action{Kind: orchestrator.KindReload, ImageID: image}, ids)
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm TOKEN",
	Short: "Apply a previewed batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		report, err := confirmToken(cmd, client, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), report)
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID TARGET",
	Short: "Cancel a scheduled move of a computer to TARGET",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		var resp daemon.V1CancelResponse
		path := fmt.Sprintf("/v1/computers/%d/cancel", id)
		if err := client.doJSON(cmd.Context(), http.MethodPost, path, daemon.V1CancelRequest{State: args[1]}, &resp); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		if resp.Canceled {
			fmt.Fprintf(cmd.OutOrStdout(), "canceled scheduled move of computer %d to %s\n", id, args[1])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "computer %d has no scheduled move to %s\n", id, args[1])
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{stateCmd, provisioningCmd, natCmd, scheduleCmd, reloadCmd} {
		addBatchFlags(cmd)
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(cancelCmd)

	stateCmd.Flags().String("reason", "", "maintenance reason recorded in the notes")
	stateCmd.Flags().Int("profile", 0, "VM host profile id (vmhostinuse)")
	natCmd.Flags().Int("host", 0, "NAT host computer id")
	natCmd.Flags().Bool("disable", false, "disable NAT")
	scheduleCmd.Flags().Int("schedule", 0, "schedule id")
	scheduleCmd.Flags().Bool("clear", false, "clear the schedule")
}
