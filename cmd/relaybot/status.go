package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/config"
	"relaybot/internal/correlation"
	"relaybot/internal/journal"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored correlations, backups and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Println(titleStyle.Render("relaybot " + version))
			fmt.Printf("%s %s\n", dimStyle.Render("config"), cfgPath)
			fmt.Printf("%s %s\n\n", dimStyle.Render("channel"), cfg.Channel.Kind)

			fmt.Println(boldStyle.Render("Correlation store"))
			info, err := os.Stat(cfg.Store.Path)
			switch {
			case err != nil:
				fmt.Printf("  %s %s %s\n", statusBadge(false), cfg.Store.Path, dimStyle.Render("(not written yet)"))
			default:
				n, ierr := correlation.Inspect(cfg.Store.Path)
				if ierr != nil {
					fmt.Printf("  %s %s\n", statusBadge(false), errStyle.Render(ierr.Error()))
					break
				}
				fmt.Printf("  %s %s (%s, %d entries, modified %s)\n", statusBadge(true), cfg.Store.Path,
					humanSize(info.Size()), n, info.ModTime().Format(time.DateTime))
			}
			backups, err := correlation.ListBackups(cfg.Store.BackupDir)
			if err != nil {
				fmt.Printf("  %s\n", errStyle.Render("cannot list backups: "+err.Error()))
			} else if len(backups) > 0 {
				fmt.Printf("  %d backups, newest %s\n", len(backups), backups[len(backups)-1])
			}
			fmt.Println()

			if !cfg.Journal.Enabled {
				fmt.Println(dimStyle.Render("Journal disabled."))
				return nil
			}
			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				fmt.Println(dimStyle.Render("Journal is empty."))
				return nil
			}
			jr, err := journal.Open(cfg.Journal.DBPath, quietLogger())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jr.Close()

			ctx := context.Background()
			counts, err := jr.Counts(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Println(boldStyle.Render("Last 24h"))
			fmt.Println(renderCounts(counts))

			fmt.Println(boldStyle.Render("Accounts"))
			for _, acct := range cfg.Accounts {
				last, err := jr.Recent(ctx, journal.Query{AccountID: acct.ID, Limit: 1})
				if err != nil {
					return err
				}
				seen := dimStyle.Render("no activity")
				if len(last) > 0 {
					seen = fmt.Sprintf("%s %s", last[0].Type, last[0].CreatedAt.Local().Format(time.DateTime))
				}
				_, profileErr := os.Stat(cfg.ProfileDir(acct))
				fmt.Printf("  %s %-16s %s\n", statusBadge(profileErr == nil), acct.ID, seen)
			}
			return nil
		},
	}
}

var countOrder = []string{
	bus.EventInboundForwarded,
	bus.EventForwardFailed,
	bus.EventScanFailed,
	bus.EventReplyQueued,
	bus.EventReplyMissed,
	bus.EventDispatchSent,
	bus.EventDispatchFailed,
	bus.EventSnapshotWritten,
	bus.EventSnapshotFailed,
}

func renderCounts(counts map[string]int) string {
	rows := make([]string, 0, len(counts))
	seen := make(map[string]bool)
	for _, t := range countOrder {
		seen[t] = true
		if n, ok := counts[t]; ok {
			rows = append(rows, countRow(t, n))
		}
	}
	var rest []string
	for t := range counts {
		if !seen[t] {
			rest = append(rest, t)
		}
	}
	sort.Strings(rest)
	for _, t := range rest {
		rows = append(rows, countRow(t, counts[t]))
	}
	if len(rows) == 0 {
		return dimStyle.Render("  nothing recorded")
	}
	return lipgloss.NewStyle().PaddingLeft(2).Render(strings.Join(rows, "\n"))
}

func countRow(eventType string, n int) string {
	style := okStyle
	if strings.Contains(eventType, "fail") || strings.Contains(eventType, "miss") {
		style = errStyle
	}
	return fmt.Sprintf("%-24s %s", eventType, style.Render(fmt.Sprint(n)))
}

func historyCmd() *cobra.Command {
	var q journal.Query
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent relay events from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Journal.Enabled {
				return fmt.Errorf("journal is disabled (journal.enabled = false)")
			}
			jr, err := journal.Open(cfg.Journal.DBPath, quietLogger())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jr.Close()

			entries, err := jr.Recent(context.Background(), q)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(dimStyle.Render("No events."))
				return nil
			}
			for i := len(entries) - 1; i >= 0; i-- {
				fmt.Println(formatEntry(entries[i]))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&q.AccountID, "account", "a", "", "only this account")
	cmd.Flags().StringVarP(&q.Type, "type", "t", "", "only this event type (e.g. dispatch.failed)")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "number of events")
	return cmd
}

func formatEntry(e journal.Entry) string {
	var sb strings.Builder
	sb.WriteString(dimStyle.Render(e.CreatedAt.Local().Format(time.DateTime)))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-20s", e.Type))
	if e.AccountID != "" {
		sb.WriteString(" " + e.AccountID)
	}
	if e.Conversant != "" {
		sb.WriteString(" ↔ " + e.Conversant)
	}
	if e.NotificationID != "" {
		sb.WriteString(dimStyle.Render(" #" + e.NotificationID))
	}
	if e.Latency > 0 {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Latency.Round(time.Millisecond)))
	}
	if e.Detail != "" {
		sb.WriteString("\n    " + e.Detail)
	}
	return sb.String()
}
