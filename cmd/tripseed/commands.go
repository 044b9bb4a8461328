package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/tripseed/internal/config"
	"github.com/kalambet/tripseed/internal/jobs"
	"github.com/kalambet/tripseed/internal/query"
	"github.com/kalambet/tripseed/internal/storage"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <prompt>",
	Short: "Send a prompt and print the answer text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noCache, _ := cmd.Flags().GetBool("no-cache")
		expectJSON, _ := cmd.Flags().GetBool("json")
		handle, _ := cmd.Flags().GetString("handle")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.executor.Execute(cmd.Context(), query.Request{
			Prompt:     strings.Join(args, " "),
			Handle:     handle,
			UseCache:   !noCache,
			ExpectJSON: expectJSON,
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		switch {
		case res.Cached:
			printStatus("Source", "cache")
		case res.Handle != "":
			printStatus("Handle", "%s", res.Handle)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Bool("no-cache", false, "bypass the answer cache")
	queryCmd.Flags().Bool("json", false, "cache the answer only when it is valid JSON")
	queryCmd.Flags().String("handle", "", "continue the conversation behind this handle")
}

// --- extract ---

var extractCmd = &cobra.Command{
	Use:   "extract <prompt>",
	Short: "Ask for a JSON array and print it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noCache, _ := cmd.Flags().GetBool("no-cache")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.extractor.Extract(cmd.Context(), strings.Join(args, " "), !noCache)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func init() {
	extractCmd.Flags().Bool("no-cache", false, "bypass the answer cache")
}

// --- jobs ---

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run a batch job over the stored places",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.runner()
		if err != nil {
			return err
		}

		printStep("Running %s...", args[0])
		sum, err := r.Run(cmd.Context(), args[0])
		if errors.Is(err, jobs.ErrUnknownJob) {
			return fmt.Errorf("%w (see: tripseed jobs list)", err)
		}
		if err != nil {
			return err
		}

		printStatus("Processed", "%d", sum.Processed)
		printStatus("Skipped", "%d", sum.Skipped)
		printStatus("Failed", "%d", sum.Failed)
		if sum.Failed > 0 {
			printWarning("%d places failed, run the job again to retry them", sum.Failed)
		} else {
			printSuccess("Job %s finished", args[0])
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect batch jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available batch jobs in run order",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, j := range jobs.Catalog() {
			source := j.Source
			if source == "" {
				source = "-"
			}
			fmt.Fprintf(out, "%-12s %-8s %s\n", colorize(colorCyan, j.Name), source, j.Description)
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
}

// --- places ---

var placesCmd = &cobra.Command{
	Use:   "places",
	Short: "Inspect stored places",
}

var placesListCmd = &cobra.Command{
	Use:       "list <country|city>",
	Short:     "List places of a kind with their attributes",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{storage.KindCountry, storage.KindCity},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		if kind != storage.KindCountry && kind != storage.KindCity {
			return fmt.Errorf("unknown place kind %q, want %s or %s", kind, storage.KindCountry, storage.KindCity)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.places == nil {
			return fmt.Errorf("places need the %s storage driver", config.DriverSQLite)
		}

		places, err := a.places.ListPlaces(cmd.Context(), kind)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, places)
		}
		if len(places) == 0 {
			fmt.Fprintln(out, "No places found.")
			return nil
		}
		for _, p := range places {
			name := p.Name
			if p.Parent != "" {
				name += ", " + p.Parent
			}
			fmt.Fprintf(out, "%s  %s\n", colorize(colorBold, name), strings.Join(attributeKeys(p), " "))
		}
		return nil
	},
}

func attributeKeys(p storage.Place) []string {
	var keys []string
	for _, j := range jobs.Catalog() {
		if j.Attribute != "" && j.Source == p.Kind && p.HasAttribute(j.Attribute) {
			keys = append(keys, j.Attribute)
		}
	}
	return keys
}

func init() {
	placesListCmd.Flags().Bool("json", false, "print the full documents as JSON")
	placesCmd.AddCommand(placesListCmd)
}

// --- errors ---

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect answers that could not be parsed",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined answers, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.store.ListErrors(cmd.Context(), limit, offset)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No errors recorded.")
			return nil
		}
		for _, r := range records {
			prompt := r.Prompt
			if len(prompt) > 80 {
				prompt = prompt[:80] + "..."
			}
			fmt.Fprintf(out, "%s  %s  %s\n", colorize(colorCyan, shortID(r.ID)), r.CreatedAt.Format("2006-01-02 15:04:05"), prompt)
			fmt.Fprintf(out, "    %s\n", colorize(colorRed, r.ErrorMessage))
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	errorsListCmd.Flags().Int("limit", 20, "maximum number of records")
	errorsListCmd.Flags().Int("offset", 0, "records to skip")
	errorsCmd.AddCommand(errorsListCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or prune the answer cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.CountCache(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d cached answers (%s)\n", n, a.cfg.Storage.Driver)
		return nil
	},
}

var cacheForgetCmd = &cobra.Command{
	Use:   "forget <prompt>",
	Short: "Drop the cached answer for a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.store.DeleteCache(cmd.Context(), strings.Join(args, " "))
		if errors.Is(err, storage.ErrNotFound) {
			printWarning("No cached answer for that prompt")
			return nil
		}
		if err != nil {
			return err
		}
		printSuccess("Cached answer removed")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheForgetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		secret, _ := cmd.Flags().GetBool("secret")

		if secret {
			if err := config.SetSecret(key, value); err != nil {
				return err
			}
			printSuccess("Stored secret %s", key)
			return nil
		}

		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configSetCmd.Flags().Bool("secret", false, "store the value in the secrets file ("+strings.Join(config.SecretKeys(), ", ")+")")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
