package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/hotbox/internal/api"
	"github.com/kalambet/hotbox/internal/config"
	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/query"
	"github.com/kalambet/hotbox/internal/storage"
)

// withClient runs fn against the daemon named by the local config.
func withClient(fn func(ctx context.Context, c *apiClient) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), c)
	}
}

// --- show / hide / toggle ---

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Open a launcher session",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var st api.StateResponse
		if err := c.postJSON(ctx, "/session/activate", nil, &st); err != nil {
			return err
		}
		printState(st)
		return nil
	}),
}

var hideCmd = &cobra.Command{
	Use:   "hide",
	Short: "Close the launcher session",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var st api.StateResponse
		if err := c.postJSON(ctx, "/session/deactivate", nil, &st); err != nil {
			return err
		}
		printState(st)
		return nil
	}),
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Open the launcher session, or close it if open",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var st api.StateResponse
		if err := c.postJSON(ctx, "/session/toggle", nil, &st); err != nil {
			return err
		}
		printState(st)
		return nil
	}),
}

func printState(st api.StateResponse) {
	if st.Active && st.Session != nil {
		printSuccess("Session %s active", st.Session.ID)
		return
	}
	printSuccess("Session closed")
}

// --- query ---

var queryOpts struct {
	wait    bool
	timeout time.Duration
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Type text into the launcher and print the ranked results",
	Long: `Type text into the launcher and print the ranked results.

Opens a session if none is active.

Examples:
  hotbox query fire
  hotbox query --wait "quarterly report"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		em, err := runQuery(cmd.Context(), c, args[0], queryOpts.wait, queryOpts.timeout)
		if err != nil {
			return err
		}
		printResults(os.Stdout, em)
		return nil
	},
}

func init() {
	queryCmd.Flags().BoolVar(&queryOpts.wait, "wait", false, "wait until every extension has answered")
	queryCmd.Flags().DurationVar(&queryOpts.timeout, "timeout", api.DefaultWaitTimeout, "maximum time to wait with --wait")
}

func runQuery(ctx context.Context, c *apiClient, text string, wait bool, timeout time.Duration) (query.Emission, error) {
	var st api.StateResponse
	if err := c.postJSON(ctx, "/session/activate", nil, &st); err != nil {
		return query.Emission{}, err
	}

	var in api.InputResponse
	if err := c.postJSON(ctx, "/session/input", api.InputRequest{Text: text}, &in); err != nil {
		return query.Emission{}, err
	}

	path := "/session/results"
	if wait {
		v := url.Values{}
		v.Set("wait", "true")
		v.Set("generation", strconv.FormatUint(in.Generation, 10))
		if timeout > 0 {
			v.Set("timeout", timeout.String())
		}
		path += "?" + v.Encode()
	}

	var em query.Emission
	if err := c.getJSON(ctx, path, &em); err != nil {
		return query.Emission{}, err
	}
	return em, nil
}

func printResults(w io.Writer, em query.Emission) {
	if len(em.Items) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKEY\tTEXT\tSCORE")
	for i, item := range em.Items {
		text := item.Text
		if item.Subtext != "" {
			text += " (" + item.Subtext + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\n", i+1, item.Key, text, item.Score)
	}
	tw.Flush()
	if !em.Done {
		fmt.Fprintln(w, colorize(colorYellow, "(partial: some extensions are still running)"))
	}
}

// --- activate ---

var activateCmd = &cobra.Command{
	Use:   "activate <key>",
	Short: "Run the action of a result from the latest list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := activateResult(cmd.Context(), c, args[0]); err != nil {
			return err
		}
		printSuccess("Activated %s", args[0])
		return nil
	},
}

func activateResult(ctx context.Context, c *apiClient, key string) error {
	return c.postJSON(ctx, "/session/results/"+url.PathEscape(key)+"/activate", nil, nil)
}

// --- extensions ---

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List, enable or disable extensions",
}

var extensionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered extensions",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var infos []extension.Info
		if err := c.getJSON(ctx, "/extensions", &infos); err != nil {
			return err
		}
		printExtensions(os.Stdout, infos)
		return nil
	}),
}

func setExtensionCmd(use string, enabled bool) *cobra.Command {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("%s an extension", capitalize(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var info extension.Info
			if err := c.postJSON(cmd.Context(), "/extensions/"+url.PathEscape(args[0])+"/"+action, nil, &info); err != nil {
				return err
			}
			printSuccess("%s %sd", info.ID, action)
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func printExtensions(w io.Writer, infos []extension.Info) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tID\tNAME\tSTATE")
	for _, info := range infos {
		state := colorize(colorGreen, "enabled")
		if !info.Enabled {
			state = colorize(colorRed, "disabled")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", info.Order, info.ID, info.Name, state)
	}
	tw.Flush()
}

func init() {
	extensionsCmd.AddCommand(extensionsListCmd)
	extensionsCmd.AddCommand(setExtensionCmd("enable", true))
	extensionsCmd.AddCommand(setExtensionCmd("disable", false))
}

// --- stats / prune ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recent per-extension query runtimes",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var stats []storage.RuntimeStat
		if err := c.getJSON(ctx, "/stats/runtimes", &stats); err != nil {
			return err
		}
		printStats(os.Stdout, stats)
		return nil
	}),
}

func printStats(w io.Writer, stats []storage.RuntimeStat) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No runtimes recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXTENSION\tRUNS\tAVG\tMAX")
	for _, s := range stats {
		avg := time.Duration(s.AvgMicros * float64(time.Microsecond))
		peak := time.Duration(s.MaxMicros) * time.Microsecond
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ExtensionID, s.Count, avg.Round(time.Microsecond), peak)
	}
	tw.Flush()
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete usage and runtime records past their retention",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *apiClient) error {
		var res storage.PruneResult
		if err := c.postJSON(ctx, "/maintenance/prune", nil, &res); err != nil {
			return err
		}
		printSuccess("Pruned %d usages, %d runtimes", res.Usages, res.Runtimes)
		return nil
	}),
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

		fmt.Printf("# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
