package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"pgbranch/internal/api"
	"pgbranch/internal/config"
	"pgbranch/internal/kvcache"
	"pgbranch/internal/meta"
	"pgbranch/internal/project"
	"pgbranch/internal/tui"
)

var version = "v0.1.0"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgbranch",
		Short: "Postgres branch provisioner",
		Long:  "Provision copy-on-write Postgres branches through a Neon-style control plane and bootstrap their schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for help commands
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			path := cfgFile
			if path == "" {
				if found, err := config.Discover(); err == nil {
					path = found
				}
			}

			if path == "" {
				cfg = config.Default()
				cfg.ApplyEnv()
				return nil
			}

			var err error
			cfg, err = config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	// Provision command
	var force, migrate, quiet bool
	provisionCmd := &cobra.Command{
		Use:   "provision <name>",
		Short: "Reuse or create a branch and print its connection string",
		Long: "Reuse the branch if it exists, otherwise create it from the primary branch.\n" +
			"With --force an existing branch is deleted and recreated.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return provisionBranch(cmd.Context(), args[0], force || cfg.Force, migrate, quiet)
		},
	}
	provisionCmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing branch of the same name")
	provisionCmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the bootstrap schema after provisioning")
	provisionCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print only the connection string")

	branchesCmd := &cobra.Command{
		Use:   "branches",
		Short: "List branches in the project",
		Args:  cobra.NoArgs,
		RunE:  listBranches,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a branch (never the primary)",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteBranch,
	}

	// Schema commands
	migrateCmd := &cobra.Command{
		Use:   "migrate [connection-string]",
		Short: "Apply the bootstrap schema (defaults to database.url)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMigrate,
	}

	checkCmd := &cobra.Command{
		Use:   "check [connection-string]",
		Short: "Check connectivity and schema completeness (defaults to database.url)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	}

	// History command
	var historyBranch, pruneAge string
	var historyLimit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show provisioning history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pruneAge != "" {
				return pruneHistory(cmd.Context(), pruneAge)
			}
			return showHistory(cmd.Context(), historyBranch, historyLimit)
		},
	}
	historyCmd.Flags().StringVar(&historyBranch, "branch", "", "Only show runs for this branch")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of records")
	historyCmd.Flags().StringVar(&pruneAge, "prune", "", "Delete records older than this duration (e.g., 30d, 2w)")

	// Cache commands
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Read and write the key-value cache in database.url",
	}

	var ttl time.Duration
	cacheSetCmd := &cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Store a JSON value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cacheSet(cmd.Context(), args[0], args[1], ttl)
		},
	}
	cacheSetCmd.Flags().DurationVar(&ttl, "ttl", 0, "Expire the entry after this duration (0 never expires)")

	cacheGetCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE:  cacheGet,
	}

	cacheDeleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE:  cacheDelete,
	}

	cachePurgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired entries",
		Args:  cobra.NoArgs,
		RunE:  cachePurge,
	}

	cacheCmd.AddCommand(cacheSetCmd, cacheGetCmd, cacheDeleteCmd, cachePurgeCmd)

	// Serve command
	var port int
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("port") {
				port = cfg.API.Port
			}
			return serve(port)
		},
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Start the interactive branch browser",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pgbranch " + version)
		},
	}

	rootCmd.AddCommand(provisionCmd, branchesCmd, deleteCmd, migrateCmd, checkCmd,
		historyCmd, cacheCmd, serveCmd, tuiCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// promptAPIKey asks for the control-plane key without echo when none is
// configured and stdin is a terminal
func promptAPIKey() error {
	if cfg.ControlPlane.APIKey != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	fmt.Fprint(os.Stderr, "Control plane API key: ")
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	cfg.ControlPlane.APIKey = strings.TrimSpace(string(key))
	return nil
}

// getManager returns a manager backed by the configured history store. The
// caller must close the store.
func getManager(ctx context.Context, needControlPlane bool) (*project.Manager, meta.Store, error) {
	if needControlPlane {
		if err := promptAPIKey(); err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	store, err := meta.Open(ctx, &cfg.History)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history store: %w", err)
	}

	return project.New(cfg, store), store, nil
}

func provisionBranch(ctx context.Context, name string, force, migrate, quiet bool) error {
	mgr, store, err := getManager(ctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	lock, err := lockBranch(cfg.LockDir, name)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	info, err := mgr.Provision(ctx, name, force, migrate)
	if info == nil {
		return err
	}

	// A failed migration still leaves a usable branch, so print it first
	if quiet {
		fmt.Println(info.ConnectionString)
		return err
	}

	fmt.Printf("Branch '%s' %s\n", info.BranchName, info.Outcome)
	fmt.Printf("  ID:       %s\n", info.BranchID)
	switch {
	case info.Migrated:
		fmt.Printf("  Schema:   migrated\n")
	case migrate:
		fmt.Printf("  Schema:   migration failed\n")
	}
	fmt.Printf("\nConnection string:\n  %s\n", info.ConnectionString)

	return err
}

func listBranches(cmd *cobra.Command, args []string) error {
	mgr, store, err := getManager(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer store.Close()

	branches, err := mgr.ListBranches(cmd.Context())
	if err != nil {
		return err
	}

	if len(branches) == 0 {
		fmt.Println("No branches found")
		return nil
	}

	fmt.Printf("%-30s %-26s %-8s %-20s\n", "NAME", "ID", "PRIMARY", "CREATED")
	fmt.Println(strings.Repeat("-", 87))
	for _, b := range branches {
		primary := ""
		if b.Primary {
			primary = "yes"
		}
		created := ""
		if !b.CreatedAt.IsZero() {
			created = b.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-30s %-26s %-8s %-20s\n", b.Name, b.ID, primary, created)
	}

	return nil
}

func deleteBranch(cmd *cobra.Command, args []string) error {
	mgr, store, err := getManager(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer store.Close()

	lock, err := lockBranch(cfg.LockDir, args[0])
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := mgr.DeleteBranch(cmd.Context(), args[0]); err != nil {
		return err
	}

	fmt.Printf("Branch '%s' deleted successfully\n", args[0])
	return nil
}

func connectionArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runMigrate(cmd *cobra.Command, args []string) error {
	mgr, store, err := getManager(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := mgr.Migrate(cmd.Context(), connectionArg(args)); err != nil {
		return err
	}

	fmt.Println("Schema migrated successfully")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	mgr, store, err := getManager(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer store.Close()

	status := mgr.CheckSchema(cmd.Context(), connectionArg(args))

	fmt.Printf("Connected:       %t\n", status.Connected)
	fmt.Printf("Schema complete: %t\n", status.SchemaComplete)
	if len(status.MissingTables) > 0 {
		fmt.Printf("Missing tables:  %s\n", strings.Join(status.MissingTables, ", "))
	}
	if status.Version != "" {
		fmt.Printf("Version:         %s\n", status.Version)
	}
	if status.Error != "" {
		fmt.Printf("Error:           %s\n", status.Error)
	}

	if !status.Connected || !status.SchemaComplete {
		return errors.New("schema check failed")
	}
	return nil
}

func showHistory(ctx context.Context, branch string, limit int) error {
	mgr, store, err := getManager(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := mgr.History(ctx, branch, limit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No provisioning history")
		return nil
	}

	fmt.Printf("%-20s %-30s %-10s %-26s\n", "WHEN", "BRANCH", "OUTCOME", "BRANCH ID")
	fmt.Println(strings.Repeat("-", 89))
	for _, r := range records {
		fmt.Printf("%-20s %-30s %-10s %-26s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.BranchName, r.Outcome, r.BranchID)
		if r.Error != "" {
			fmt.Printf("  %s\n", r.Error)
		}
	}

	return nil
}

func pruneHistory(ctx context.Context, age string) error {
	mgr, store, err := getManager(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()

	duration, err := config.ParseAge(age)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}

	count, err := mgr.PruneHistory(ctx, duration)
	if err != nil {
		return err
	}

	fmt.Printf("Pruned %d record(s)\n", count)
	return nil
}

// openCache returns a cache store and a function that releases it
func openCache(ctx context.Context) (*kvcache.Store, func(), error) {
	mgr := project.NewManager(cfg, nil, nil, nil)
	gw, err := mgr.OpenGateway(ctx)
	if err != nil {
		return nil, nil, err
	}
	return kvcache.New(gw), gw.Close, nil
}

func cacheSet(ctx context.Context, key, raw string, ttl time.Duration) error {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("value must be valid JSON: %w", err)
	}

	cache, release, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer release()

	return cache.Set(ctx, key, value, ttl)
}

func cacheGet(cmd *cobra.Command, args []string) error {
	cache, release, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	var value json.RawMessage
	found, err := cache.Get(cmd.Context(), args[0], &value)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key %q not found", args[0])
	}

	fmt.Println(string(value))
	return nil
}

func cacheDelete(cmd *cobra.Command, args []string) error {
	cache, release, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	deleted, err := cache.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("key %q not found", args[0])
	}

	fmt.Printf("Key '%s' deleted\n", args[0])
	return nil
}

func cachePurge(cmd *cobra.Command, args []string) error {
	cache, release, err := openCache(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	n, err := cache.Purge(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Purged %d expired entries\n", n)
	return nil
}

func serve(port int) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := meta.Open(context.Background(), &cfg.History)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	mgr := project.New(cfg, store)
	server := api.NewServer(cfg, mgr, port)

	fmt.Printf("Starting API server on port %d\n", port)
	return server.Start()
}

func runTUI(cmd *cobra.Command, args []string) error {
	mgr, store, err := getManager(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer store.Close()

	return tui.Run(mgr)
}
