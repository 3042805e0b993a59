package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/api"
	"github.com/kurihiro0119/devcohort/internal/app"
	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/config"
	"github.com/kurihiro0119/devcohort/internal/domain"
	"github.com/kurihiro0119/devcohort/internal/logging"
	"github.com/kurihiro0119/devcohort/internal/syncjob"
	"github.com/kurihiro0119/devcohort/pkg/client"
)

var (
	outputJSON bool
	remote     bool
	startDate  string
	endDate    string

	syncFlags struct {
		seed             uint32
		usersPerBand     int
		pagesPerOrder    int
		languageCount    int
		reposPerLanguage int
		minStars         int
		prPages          int
		issuePages       int
		minBaseline      int64
		chunkSize        int
		graphqlThrottle  time.Duration
		timeout          time.Duration
		retries          int
	}
)

var rootCmd = &cobra.Command{
	Use:   "devcohort",
	Short: "Developer cohort activity panel",
	Long: `A CLI tool for sampling GitHub developer and repository cohorts and
computing longitudinal productivity statistics.

Users are sampled from follower bands, kept only if they were active during
the baseline years, and followed through their daily contribution calendars.
Repositories are sampled per language for pull request, issue and commit flow.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [users|repos|all]",
	Short: "Build the sampled cohorts",
	Long:  `Sample users and/or repositories and collect their activity. Flags override the configured sampling parameters for this run.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Show monthly statistics per tier",
	RunE:  runPanel,
}

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Compare the baseline period with the post period",
	RunE:  runFindings,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest sync job of the API server",
	RunE:  runStatus,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&remote, "remote", false, "query the API server at API_ENDPOINT instead of the local store")

	f := syncCmd.Flags()
	f.Uint32Var(&syncFlags.seed, "seed", 0, "sampling seed")
	f.IntVar(&syncFlags.usersPerBand, "users-per-band", 0, "users sampled per follower band")
	f.IntVar(&syncFlags.pagesPerOrder, "pages-per-order", 0, "search pages per sort order")
	f.IntVar(&syncFlags.languageCount, "languages", 0, "number of tracked languages to sample")
	f.IntVar(&syncFlags.reposPerLanguage, "repos-per-language", 0, "repositories per language")
	f.IntVar(&syncFlags.minStars, "min-stars", 0, "minimum repository stars")
	f.IntVar(&syncFlags.prPages, "pr-pages", 0, "pull request pages per repository")
	f.IntVar(&syncFlags.issuePages, "issue-pages", 0, "issue pages per repository")
	f.Int64Var(&syncFlags.minBaseline, "min-baseline", 0, "minimum baseline contributions")
	f.IntVar(&syncFlags.chunkSize, "chunk-size", 0, "daily rows per upsert transaction")
	f.DurationVar(&syncFlags.graphqlThrottle, "graphql-throttle", 0, "minimum spacing of GraphQL calls")
	f.DurationVar(&syncFlags.timeout, "timeout", 0, "per-attempt request timeout")
	f.IntVar(&syncFlags.retries, "retries", 0, "attempts per upstream request")

	panelCmd.Flags().StringVar(&startDate, "start", "", "start month (YYYY-MM or YYYY-MM-DD)")
	panelCmd.Flags().StringVar(&endDate, "end", "", "end month (YYYY-MM or YYYY-MM-DD)")

	rootCmd.AddCommand(syncCmd, panelCmd, findingsCmd, statusCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// overridesFromFlags collects the sync flags the user actually set
func overridesFromFlags(cmd *cobra.Command) cohort.Overrides {
	var o cohort.Overrides
	changed := cmd.Flags().Changed
	if changed("seed") {
		o.Seed = &syncFlags.seed
	}
	if changed("users-per-band") {
		o.UsersPerBand = &syncFlags.usersPerBand
	}
	if changed("pages-per-order") {
		o.SearchPagesPerOrder = &syncFlags.pagesPerOrder
	}
	if changed("languages") {
		o.LanguageCount = &syncFlags.languageCount
	}
	if changed("repos-per-language") {
		o.ReposPerLanguage = &syncFlags.reposPerLanguage
	}
	if changed("min-stars") {
		o.MinStars = &syncFlags.minStars
	}
	if changed("pr-pages") {
		o.PRPages = &syncFlags.prPages
	}
	if changed("issue-pages") {
		o.IssuePages = &syncFlags.issuePages
	}
	if changed("min-baseline") {
		o.MinBaselineContributions = &syncFlags.minBaseline
	}
	if changed("chunk-size") {
		o.UpsertChunkSize = &syncFlags.chunkSize
	}
	if changed("graphql-throttle") {
		d := cohort.Duration(syncFlags.graphqlThrottle)
		o.GraphQLThrottle = &d
	}
	if changed("timeout") {
		d := cohort.Duration(syncFlags.timeout)
		o.RequestTimeout = &d
	}
	if changed("retries") {
		o.RetryAttempts = &syncFlags.retries
	}
	return o
}

func runSync(cmd *cobra.Command, args []string) error {
	jobType, ok := domain.ParseJobType(args[0])
	if !ok {
		return fmt.Errorf("unknown sync type %q: use users, repos or all", args[0])
	}
	overrides := overridesFromFlags(cmd)

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if remote {
		job, err := client.NewClient(cfg.APIEndpoint).TriggerSync(jobType, overrides)
		if err != nil {
			return fmt.Errorf("failed to trigger sync: %w", err)
		}
		return printJobs(job)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	params, err := overrides.Apply(a.Params)
	if err != nil {
		return err
	}

	fmt.Printf("Running %s sync (seed %d)\n", jobType, params.Seed)
	job, err := a.Runner.Run(ctx, jobType, params)
	if job != nil {
		if perr := printJobs(job); perr != nil {
			return perr
		}
	}
	return err
}

func runPanel(cmd *cobra.Command, args []string) error {
	var start, end time.Time
	var err error
	if startDate != "" {
		if start, err = api.ParseDate(startDate); err != nil {
			return err
		}
	}
	if endDate != "" {
		if end, err = api.ParseDate(endDate); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	if start.IsZero() {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -11, 0)
	}
	if end.IsZero() {
		end = now
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var panel []domain.PanelMonth
	if remote {
		panel, err = client.NewClient(cfg.APIEndpoint).GetPanel(start, end)
	} else {
		var a *app.App
		if a, err = app.New(context.Background(), cfg, logger, false); err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		panel, err = a.Aggregator.Panel(context.Background(), start, end)
	}
	if err != nil {
		return fmt.Errorf("failed to compute panel: %w", err)
	}

	if outputJSON {
		return printJSON(panel)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Month", "Tier", "Users", "Contrib/User/Day", "Active Share", "Contrib/Active Day", "P50", "P90", "PRs Merged", "Merge h"})
	for _, m := range panel {
		merged, latency := "-", "-"
		if m.Flow != nil {
			merged = fmt.Sprintf("%d", m.Flow.PRsMerged)
			latency = fmt.Sprintf("%.1f", m.Flow.MergeLatencyHours)
		}
		for _, s := range m.Tiers {
			table.Append([]string{
				m.Month,
				string(s.Tier),
				fmt.Sprintf("%d", s.Users),
				fmt.Sprintf("%.3f", s.ContributionsPerUserPerDay),
				fmt.Sprintf("%.1f%%", s.ActiveDayShare*100),
				fmt.Sprintf("%.2f", s.ContributionsPerActiveDay),
				fmt.Sprintf("%.3f", s.Distribution.P50),
				fmt.Sprintf("%.3f", s.Distribution.P90),
				merged,
				latency,
			})
		}
	}
	table.Render()
	return nil
}

func runFindings(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var findings *domain.Findings
	if remote {
		findings, err = client.NewClient(cfg.APIEndpoint).GetFindings()
	} else {
		var a *app.App
		if a, err = app.New(context.Background(), cfg, logger, false); err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		findings, err = a.Aggregator.Findings(context.Background(), time.Now())
	}
	if err != nil {
		return fmt.Errorf("failed to compute findings: %w", err)
	}

	if outputJSON {
		return printJSON(findings)
	}

	fmt.Printf("\nPre:  %s to %s\n", findings.Pre.Start.Format("2006-01-02"), findings.Pre.End.Format("2006-01-02"))
	fmt.Printf("Post: %s to %s\n\n", findings.Post.Start.Format("2006-01-02"), findings.Post.End.Format("2006-01-02"))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Tier", "Users", "Pre Rate", "Post Rate", "Pre Active", "Post Active", "Delta Mean", "Delta P50", "Improved"})
	for _, tf := range findings.Tiers {
		table.Append([]string{
			string(tf.Tier),
			fmt.Sprintf("%d", tf.Pre.Users),
			fmt.Sprintf("%.3f", tf.Pre.ContributionsPerUserPerDay),
			fmt.Sprintf("%.3f", tf.Post.ContributionsPerUserPerDay),
			fmt.Sprintf("%.1f%%", tf.Pre.ActiveDayShare*100),
			fmt.Sprintf("%.1f%%", tf.Post.ActiveDayShare*100),
			fmt.Sprintf("%+.3f", tf.Delta.Mean),
			fmt.Sprintf("%+.3f", tf.Delta.P50),
			fmt.Sprintf("%.0f%%", tf.Delta.FractionPositive*100),
		})
	}
	table.Render()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	c := client.NewClient(cfg.APIEndpoint)
	if err := c.HealthCheck(); err != nil {
		return fmt.Errorf("API server at %s is unreachable: %w", cfg.APIEndpoint, err)
	}
	status, err := c.GetSyncStatus()
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(status)
	}
	printStatus(status)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// opening the store applies pending migrations
	store, err := app.OpenStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to migrate %s storage: %w", cfg.StorageType, err)
	}
	defer store.Close()

	fmt.Printf("Migrations applied (%s)\n", cfg.StorageType)
	return nil
}

func printStatus(status *syncjob.Status) {
	state := "idle"
	if status.Running {
		state = "running"
	}
	fmt.Printf("\nSync: %s\n\n", state)
	if status.LatestJob == nil {
		fmt.Println("No sync jobs recorded")
	} else {
		printJobTable(status.LatestJob)
	}

	fmt.Println()
	cohortTable := tablewriter.NewWriter(os.Stdout)
	cohortTable.SetHeader([]string{"Cohort", "Size"})
	for _, tier := range domain.Tiers {
		cohortTable.Append([]string{"users (" + string(tier) + ")", fmt.Sprintf("%d", status.Users[tier])})
	}
	cohortTable.Append([]string{"repositories", fmt.Sprintf("%d", status.Repositories)})
	cohortTable.Render()

	if len(status.Quota) == 0 {
		return
	}

	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Channel", "Remaining", "Limit", "Reset"})
	for _, ch := range collector.Channels {
		b, ok := status.Quota[ch]
		if !ok {
			continue
		}
		table.Append([]string{string(ch), fmt.Sprintf("%d", b.Remaining), fmt.Sprintf("%d", b.Limit), b.ResetAt.Format(time.RFC3339)})
	}
	table.Render()
}

func printJobs(job *domain.SyncJob) error {
	if outputJSON {
		return printJSON(job)
	}
	printJobTable(job)
	return nil
}

func printJobTable(job *domain.SyncJob) {
	completed := "-"
	if job.CompletedAt != nil {
		completed = job.CompletedAt.Format(time.RFC3339)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Job ID", job.ID})
	table.Append([]string{"Type", string(job.JobType)})
	table.Append([]string{"Status", string(job.Status)})
	table.Append([]string{"Started", job.StartedAt.Format(time.RFC3339)})
	table.Append([]string{"Completed", completed})
	table.Append([]string{"Items", fmt.Sprintf("%d", job.ItemsProcessed)})
	table.Append([]string{"Seed", fmt.Sprintf("%d", job.SamplingSeed)})
	if job.ErrorMessage != "" {
		table.Append([]string{"Error", job.ErrorMessage})
	}
	table.Render()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
