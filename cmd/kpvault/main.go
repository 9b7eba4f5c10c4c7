package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kpvault-go/internal/app"
	"kpvault-go/internal/config"
	"kpvault-go/internal/encryption"
	"kpvault-go/internal/vfs"
	"kpvault-go/internal/watch"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Read", "Sync").
// adjust, when given, edits the config before the app is built.
func newApp(operation string, adjust ...func(*config.Config)) (*app.App, error) {
	if err := app.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	for _, fn := range adjust {
		fn(cfg)
	}

	passphrase := defaults["passphrase"]
	if passphrase == "" && needsCredentials(cfg) && term.IsTerminal(int(os.Stdin.Fd())) {
		if passphrase, err = readPassphrase("Passphrase: "); err != nil {
			return nil, err
		}
	}

	var a *app.App
	hook := vfs.InteractiveAuthFunc(func(ctx context.Context, authority vfs.Authority) {
		if err := grantInteractively(ctx, a, authority); err != nil {
			fmt.Fprintf(os.Stderr, "grant failed: %v\n", err)
		}
	})

	a, err = app.NewApp(cfg, app.Options{
		Operation:  operation,
		Passphrase: passphrase,
		ConfigPath: defaults["config_path"],
		Hook:       hook,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func needsCredentials(cfg *config.Config) bool {
	for _, bc := range cfg.Backends {
		if bc.Type != "fake" {
			return true
		}
	}
	return false
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// grantInteractively asks the user for access to external storage or a
// directory tree.
func grantInteractively(ctx context.Context, a *app.App, authority vfs.Authority) error {
	switch authority.Kind {
	case vfs.ExternalStorage:
		var ok bool
		err := huh.NewConfirm().
			Title("Allow access to external storage?").
			Affirmative("Allow").
			Negative("Deny").
			Value(&ok).
			Run()
		if err != nil || !ok {
			return err
		}
		return a.GrantStorage()
	case vfs.StorageAccessFramework:
		var root string
		err := huh.NewInput().
			Title("Directory to grant access to").
			Value(&root).
			Run()
		if err != nil || root == "" {
			return err
		}
		if res := a.GrantTree(ctx, root, ""); res.IsError() {
			return res.Err()
		}
		return nil
	}
	return fmt.Errorf("no interactive grant for %s", authority)
}

func printStatus(prefix string, state vfs.SyncState) {
	revision := ""
	if state.Revision != nil {
		revision = "  rev:" + *state.Revision
	}
	fmt.Printf("%-22s %s%s\n", state.Status, prefix, revision)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "kpvault",
	Short:        "Password database storage and sync",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and the credential key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.LoadDotEnv(".env"); err != nil {
			return err
		}
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		passphrase := defaults["passphrase"]
		if passphrase == "" {
			if passphrase, err = readPassphrase("New passphrase: "); err != nil {
				return err
			}
		}
		enc, err := encryption.NewEncryptorFromConfig(afero.NewOsFs(), cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("setting up credential key: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Cache Dir: %s\n", cfg.CacheDir)
		fmt.Printf("App Dir:   %s\n", cfg.Storage.AppDir)
		fmt.Printf("External:  %s (granted: %t)\n", strings.Join(cfg.Storage.ExternalRoots, ", "), cfg.Storage.ExternalGranted)
		for _, bc := range cfg.Backends {
			fmt.Printf("Backend:   %-10s %-7s %s\n", bc.Name, bc.Type, bc.URL)
		}
		return nil
	},
}

// backends command
var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List storage backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Backends")
		if err != nil {
			return err
		}
		defer a.Close()

		for _, info := range a.Backends() {
			state := "ready"
			if info.AuthRequired {
				state = "auth required"
			}
			fmt.Printf("%-10s %-26s %-20s %s\n", info.Name, info.Authority.Kind, info.AuthType, state)
		}
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls LOCATION",
	Short: "List a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("List")
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.List(cmd.Context(), args[0])
		if res.IsError() {
			return res.Err()
		}
		if res.IsDeferred() {
			fmt.Fprintf(os.Stderr, "showing cached entries: %v\n", res.Err())
		}
		for _, f := range res.Value() {
			name := f.Name
			if f.IsDirectory {
				name += "/"
			}
			fmt.Printf("%s  %s\n", formatTime(f.Modified), name)
		}
		return nil
	},
}

// cat command
var catCmd = &cobra.Command{
	Use:   "cat LOCATION",
	Short: "Write a database file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key-file")

		a, err := newApp("Read")
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Read(cmd.Context(), args[0], os.Stdout, keyFile)
		if res.IsError() {
			return res.Err()
		}
		if res.IsDeferred() {
			fmt.Fprintf(os.Stderr, "served from cache: %v\n", res.Err())
		}
		return nil
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put LOCATION [FILE]",
	Short: "Write a database file from FILE or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		postpone, _ := cmd.Flags().GetBool("postpone")

		var r io.Reader = os.Stdin
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[1], err)
			}
			defer f.Close()
			r = f
		}

		a, err := newApp("Write")
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Write(cmd.Context(), args[0], r, postpone)
		if res.IsError() {
			return res.Err()
		}
		if res.IsDeferred() {
			fmt.Fprintf(os.Stderr, "saved locally, upload pending: %v\n", res.Err())
		}
		fmt.Printf("Wrote %s\n", res.Value().Path)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [LOCATION]",
	Short: "View sync status of used files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			file, state, err := a.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(file.Path, state)
			return nil
		}

		states, err := a.StatusAll(cmd.Context())
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No used files.")
			return nil
		}
		for _, st := range states {
			prefix := st.Entry.Authority.Key + " " + st.Entry.FilePath
			if !st.Available {
				prefix += "  [backend not configured]"
			}
			printStatus(prefix, st.State)
		}
		return nil
	},
}

// conflict command
var conflictCmd = &cobra.Command{
	Use:   "conflict LOCATION",
	Short: "Compare the local and remote copies of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Conflict")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.Conflict(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("local   %s  rev:%s\n", info.LocalModified.Local().Format("2006-01-02 15:04:05"), info.LocalRevision)
		fmt.Printf("remote  %s  rev:%s\n", info.RemoteModified.Local().Format("2006-01-02 15:04:05"), info.RemoteRevision)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [LOCATION]",
	Short: "Synchronize one file, or every used file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useLocal, _ := cmd.Flags().GetBool("use-local")
		useRemote, _ := cmd.Flags().GetBool("use-remote")
		newest, _ := cmd.Flags().GetBool("newest")
		if useLocal && useRemote {
			return errors.New("--use-local and --use-remote are exclusive")
		}

		var adjust []func(*config.Config)
		if newest {
			adjust = append(adjust, func(cfg *config.Config) { cfg.Sync.Strategy = "newest" })
		}
		a, err := newApp("Sync", adjust...)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			outcomes, err := a.SyncAll(cmd.Context())
			printOutcomes(outcomes)
			return err
		}

		var resolution vfs.ConflictResolutionStrategy
		switch {
		case useLocal:
			resolution = vfs.UseLocal
		case useRemote:
			resolution = vfs.UseRemote
		}
		res := a.Sync(cmd.Context(), args[0], resolution)
		if vfs.KindOf(res.Err()) == vfs.KindSyncConflict && resolution == 0 && term.IsTerminal(int(os.Stdin.Fd())) {
			if resolution, err = promptResolution(); err != nil {
				return err
			}
			if resolution == 0 {
				return res.Err()
			}
			res = a.Sync(cmd.Context(), args[0], resolution)
		}
		if res.IsError() {
			return res.Err()
		}
		if res.IsDeferred() {
			fmt.Fprintf(os.Stderr, "sync postponed: %v\n", res.Err())
		}
		fmt.Printf("Synced %s\n", res.Value().Path)
		return nil
	},
}

func promptResolution() (vfs.ConflictResolutionStrategy, error) {
	var choice string
	err := huh.NewSelect[string]().
		Title("Local and remote copies both changed. Keep which?").
		Options(
			huh.NewOption("Local overwrites remote", "local"),
			huh.NewOption("Remote overwrites local", "remote"),
			huh.NewOption("Skip", "skip"),
		).
		Value(&choice).
		Run()
	if err != nil {
		return 0, err
	}
	switch choice {
	case "local":
		return vfs.UseLocal, nil
	case "remote":
		return vfs.UseRemote, nil
	}
	return 0, nil
}

func printOutcomes(outcomes []watch.Outcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("%-22s %s %s", o.Status, o.Entry.Authority.Key, o.Entry.FilePath)
		if o.Resolved {
			line += "  [resolved]"
		}
		if o.Err != nil {
			line += "  " + o.Err.Error()
		}
		fmt.Println(line)
	}
}

// recent command
var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently used files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Recent")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Recent(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No used files.")
			return nil
		}
		for _, e := range entries {
			key := ""
			if e.KeyFile != nil {
				key = "  key:" + e.KeyFile.Path
			}
			fmt.Printf("%s  %-22s %-22s %s%s\n", formatTime(e.LastAccessTime), e.KeyType, e.Authority.Key, e.FilePath, key)
		}
		return nil
	},
}

// forget command
var forgetCmd = &cobra.Command{
	Use:   "forget LOCATION",
	Short: "Remove a file from the recent list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Forget")
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.Forget(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("Not in the recent list.")
			return nil
		}
		fmt.Printf("Forgot %s\n", args[0])
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login BACKEND",
	Short: "Store credentials for a backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		a, err := newApp("Login")
		if err != nil {
			return err
		}
		defer a.Close()

		var secret string
		err = huh.NewInput().
			Title("Secret for " + args[0]).
			EchoMode(huh.EchoModePassword).
			Value(&secret).
			Run()
		if err != nil {
			return err
		}

		if err := a.Login(cmd.Context(), args[0], app.LoginInput{Username: username, Secret: secret}); err != nil {
			return err
		}
		fmt.Printf("Credentials stored for %s\n", args[0])
		return nil
	},
}

// logout command
var logoutCmd = &cobra.Command{
	Use:   "logout BACKEND",
	Short: "Remove stored credentials of a backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Logout")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Logout(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Credentials removed for %s\n", args[0])
		return nil
	},
}

// grant command
var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant access to local storage",
}

var grantExternalCmd = &cobra.Command{
	Use:   "external",
	Short: "Grant access to external storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("GrantStorage")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Authenticate(cmd.Context(), app.ExternalBackend); err != nil {
			return err
		}
		fmt.Println("External storage granted.")
		return nil
	},
}

var grantTreeCmd = &cobra.Command{
	Use:   "tree [PATH]",
	Short: "Grant access to a directory tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp("GrantTree")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			return a.Authenticate(cmd.Context(), app.TreeBackend)
		}
		res := a.GrantTree(cmd.Context(), args[0], name)
		if res.IsError() {
			return res.Err()
		}
		fmt.Printf("Granted %s as %s\n", args[0], res.Value().UID)
		return nil
	},
}

var grantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List granted directory trees",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("TreeGrants")
		if err != nil {
			return err
		}
		defer a.Close()

		grants, err := a.TreeGrants(cmd.Context())
		if err != nil {
			return err
		}
		for _, g := range grants {
			fmt.Printf("%s  %s  %-12s %s\n", g.ID, g.GrantedAt.Local().Format("2006-01-02 15:04:05"), g.Name, g.RootPath)
		}
		return nil
	},
}

// revoke command
var revokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke a directory tree grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RevokeTree")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RevokeTree(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Revoked %s\n", args[0])
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Synchronize used files in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Watch")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = a.Watch(ctx, printOutcomes)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Snapshot the ledger database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backup(args[0]); err != nil {
			return err
		}
		fmt.Printf("Ledger backed up to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// grant subcommands
	grantCmd.AddCommand(grantExternalCmd)
	grantCmd.AddCommand(grantTreeCmd)
	grantTreeCmd.Flags().String("name", "", "Display name of the tree")
	grantCmd.AddCommand(grantListCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().String("key-file", "", "Location of the key file opened with the database")
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().Bool("postpone", false, "Keep the change local and upload it on the next sync")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("use-local", false, "Resolve a conflict with the local copy")
	syncCmd.Flags().Bool("use-remote", false, "Resolve a conflict with the remote copy")
	syncCmd.Flags().Bool("newest", false, "Resolve conflicts with the most recently modified copy")
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringP("username", "u", "", "Username or access key id, overriding the config")
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(backupCmd)
}
