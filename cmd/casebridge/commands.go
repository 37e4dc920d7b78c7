package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldeng/casebridge/internal/model"
)

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh <type>",
	Short: "Trigger a cache refresh",
	Long: `Trigger a cache refresh.

Types: cases, cards, details, bugs, issues, escalations, watchlist, stats, priority.

Examples:
  casebridge refresh cases
  casebridge refresh cards`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/refresh/"+args[0], nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Refreshed %s", args[0])
		return nil
	},
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Create or reopen cards for uncovered open cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/reconcile", nil)
		if err != nil {
			return err
		}

		var result struct {
			Created   []string `json:"created"`
			Reopened  []string `json:"reopened"`
			Processed []string `json:"processed"`
			Aborted   bool     `json:"aborted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Aborted {
			printWarning("Reconciliation aborted by the safety valve; an alert was sent")
			return nil
		}
		if len(result.Created) == 0 && len(result.Reopened) == 0 {
			fmt.Println("Nothing to do; every open case is covered.")
			return nil
		}
		for _, key := range result.Created {
			printSuccess("Created %s", key)
		}
		for _, number := range result.Reopened {
			printSuccess("Reopened card for case %s", number)
		}
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show current dashboard stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		engineer, _ := cmd.Flags().GetString("engineer")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/stats"
		query := []string{}
		if account != "" {
			query = append(query, "account="+account)
		}
		if engineer != "" {
			query = append(query, "engineer="+engineer)
		}
		if len(query) > 0 {
			path += "?" + strings.Join(query, "&")
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var snap model.StatsSnapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		printStatus("Open cases", "%d", snap.OpenCases)
		printStatus("High priority", "%d", snap.HighPrio)
		printStatus("Escalated", "%d", snap.Escalated)
		printStatus("Crit sit", "%d", snap.CritSit)
		printStatus("Opened this week", "%d", snap.WeeklyOpenedCases)
		printStatus("Closed this week", "%d", snap.WeeklyClosedCases)
		printStatus("Stale (no update 7d)", "%d", snap.NoUpdates)
		printStatus("Tracked bugs", "%d (%d without target)", snap.Bugs.Unique, snap.Bugs.NoTarget)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("account", "", "filter by account name")
	statsCmd.Flags().String("engineer", "", "filter by engineer")
}

// --- cards ---

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "List cached cards",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/cards")
		if err != nil {
			return err
		}

		var cards map[string]model.Card
		if err := decodeJSON(resp, &cards); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cards)
		}

		if len(cards) == 0 {
			fmt.Println("No cards cached.")
			return nil
		}

		keys := make([]string, 0, len(cards))
		for key := range cards {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			card := cards[key]
			summary := card.Summary
			if len(summary) > 70 {
				summary = summary[:70] + "..."
			}
			fmt.Printf("%s  %-14s  %s\n", colorize(colorCyan, key), card.Status, summary)
		}
		return nil
	},
}

// --- cases ---

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "List cached cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		openOnly, _ := cmd.Flags().GetBool("open")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/cases")
		if err != nil {
			return err
		}

		var cases map[string]model.Case
		if err := decodeJSON(resp, &cases); err != nil {
			return err
		}

		numbers := make([]string, 0, len(cases))
		for number, c := range cases {
			if openOnly && !c.Open() {
				continue
			}
			numbers = append(numbers, number)
		}
		sort.Strings(numbers)

		if len(numbers) == 0 {
			fmt.Println("No cases cached.")
			return nil
		}
		for _, number := range numbers {
			c := cases[number]
			problem := c.Problem
			if len(problem) > 60 {
				problem = problem[:60] + "..."
			}
			fmt.Printf("%s  %-10s  %-20s  %s\n", colorize(colorCyan, number), c.Status, c.Account, problem)
		}
		return nil
	},
}

func init() {
	cardsCmd.Flags().Bool("json", false, "print raw JSON")
	casesCmd.Flags().Bool("open", false, "only open cases")
}
