package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/vclsched/vclsched/internal/daemon"
	"github.com/vclsched/vclsched/internal/orchestrator"
)

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	blue   = color.New(color.FgHiBlue).SprintFunc()
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func drawTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	fg := tablewriter.Colors{tablewriter.Bold, tablewriter.FgYellowColor}
	colors := make([]tablewriter.Colors, len(headers))
	for i := range colors {
		colors[i] = fg
	}
	table.SetHeaderColor(colors...)
	table.AppendBulk(rows)
	table.Render()
}

func formatWhen(at *time.Time) string {
	if at == nil {
		return "-"
	}
	return at.Local().Format("2006-01-02 15:04 MST")
}

func joinIDs(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ",")
}

// printReport renders one row per computer, grouped by outcome.
func printReport(w io.Writer, report orchestrator.Report) {
	if report.Total() == 0 {
		fmt.Fprintln(w, "no computers in batch")
		return
	}
	rows := make([][]string, 0, report.Total())
	add := func(label string, entries []orchestrator.Entry) {
		for _, e := range entries {
			reason := e.Reason
			if len(e.ConflictIDs) > 0 {
				reason = strings.TrimSpace(reason + " reservations " + joinIDs(e.ConflictIDs))
			}
			rows = append(rows, []string{strconv.Itoa(e.ComputerID), label, formatWhen(e.At), e.Code, reason})
		}
	}
	add(green("immediate"), report.Immediate)
	add(yellow("deferred"), report.Deferred)
	add(red("rejected"), report.Rejected)
	add(red("failed"), report.Failed)
	drawTable(w, []string{"computer", "result", "at", "code", "reason"}, rows)
	fmt.Fprintf(w, "%d immediate, %d deferred, %d rejected, %d failed\n",
		len(report.Immediate), len(report.Deferred), len(report.Rejected), len(report.Failed))
}

func optionalInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func colorState(state string) string {
	switch state {
	case "available":
		return green(state)
	case "maintenance", "failed":
		return red(state)
	case "vmhostinuse", "hpc":
		return blue(state)
	default:
		return yellow(state)
	}
}

func printComputers(w io.Writer, list []daemon.V1Computer) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no computers")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, c := range list {
		rows = append(rows, []string{
			strconv.Itoa(c.ID), c.Hostname, c.Type, colorState(c.State), c.Provisioning, optionalInt(c.VMHostID),
		})
	}
	drawTable(w, []string{"id", "hostname", "type", "state", "provisioning", "host"}, rows)
}

func printComputerDetail(w io.Writer, detail daemon.V1ComputerDetailResponse) {
	c := detail.Computer
	fmt.Fprintf(w, "ID: %d\n", c.ID)
	fmt.Fprintf(w, "Hostname: %s\n", c.Hostname)
	fmt.Fprintf(w, "Type: %s\n", c.Type)
	fmt.Fprintf(w, "State: %s\n", colorState(c.State))
	fmt.Fprintf(w, "Provisioning: %s\n", c.Provisioning)
	if c.VMHostProfileID != nil {
		fmt.Fprintf(w, "VM host profile: %d\n", *c.VMHostProfileID)
	}
	if c.VMHostID != nil {
		fmt.Fprintf(w, "Assigned host: %d\n", *c.VMHostID)
	}
	if c.Notes != "" {
		fmt.Fprintf(w, "Notes: %s\n", c.Notes)
	}
	fmt.Fprintf(w, "NAT: %t (host %s)\n", c.NATEnabled, optionalInt(c.NATHostID))
	fmt.Fprintf(w, "Schedule: %s\n", optionalInt(c.ScheduleID))
	if c.Deleted {
		fmt.Fprintln(w, red("Deleted"))
	}
	if len(detail.VMs) > 0 {
		fmt.Fprintln(w, "\nVirtual machines:")
		printComputers(w, detail.VMs)
	}
	fmt.Fprintln(w, "\nReservations:")
	printReservations(w, detail.Reservations)
}

func printReservations(w io.Writer, list []daemon.V1Reservation) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no reservations")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		end := "indefinite"
		if r.End != nil {
			end = *r.End
		}
		state := r.State
		if r.Placeholder {
			state = yellow(state)
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10), strconv.FormatInt(r.RequestID, 10), state, r.Start, end, strconv.Itoa(r.ImageID),
		})
	}
	drawTable(w, []string{"id", "request", "state", "start", "end", "image"}, rows)
}

func printEvents(w io.Writer, list []daemon.V1Event) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	for _, e := range list {
		fmt.Fprintf(w, "%d %s %s %s\n", e.ID, e.Timestamp, blue(e.Kind), e.Message)
	}
}

func printLocks(w io.Writer, list []daemon.V1Lock) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no locks held")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, l := range list {
		rows = append(rows, []string{
			strconv.FormatInt(l.ID, 10), strconv.Itoa(l.ComputerID), l.Start, l.End, l.Owner, l.ExpiresAt,
		})
	}
	drawTable(w, []string{"id", "computer", "start", "end", "owner", "expires"}, rows)
}
