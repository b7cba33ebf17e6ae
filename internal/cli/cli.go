package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/RevCBH/hsenotify/internal/client"
	"github.com/RevCBH/hsenotify/internal/config"
	"github.com/RevCBH/hsenotify/internal/events"
)

// VersionInfo is stamped at build time
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// Global flags
	configPath string
	addr       string
	jsonOutput bool
	verbose    bool

	versionInfo VersionInfo
}

// New creates a new CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetArgs overrides os.Args, for tests.
func (a *App) SetArgs(args []string) {
	a.rootCmd.SetArgs(args)
}

// SetOutput redirects command output and errors, for tests.
func (a *App) SetOutput(out, errOut io.Writer) {
	a.rootCmd.SetOut(out)
	a.rootCmd.SetErr(errOut)
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "hsenotify",
		Short: "HSE compliance notification and escalation",
		Long: `hsenotify turns health, PPE, audit and hazard events into
notifications, escalates them until someone acknowledges, and
warns ahead of compliance deadlines.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := a.rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (default $HSENOTIFY_CONFIG or ./hsenotify.yaml)")
	flags.StringVar(&a.addr, "addr", "", "Daemon API address (default from config)")
	flags.BoolVar(&a.jsonOutput, "json", false, "Write JSON output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")

	a.rootCmd.AddCommand(
		NewDaemonCmd(a),
		NewIngestCmd(a),
		NewAckCmd(a),
		NewClearCmd(a),
		NewStatusCmd(a),
		NewInstancesCmd(a),
		NewShowCmd(a),
		NewDeadlinesCmd(a),
		NewIntentsCmd(a),
		NewRulesCmd(a),
		NewVersionCmd(a),
	)
}

func (a *App) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath)
}

// client connects to --addr, falling back to the configured listen address.
func (a *App) client() (*client.Client, error) {
	addr := a.addr
	if addr == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	return client.New(addr), nil
}

// jsonMode reports whether cmd writes JSON: --json, or output that is not a
// terminal.
func (a *App) jsonMode(cmd *cobra.Command) bool {
	return events.IsJSONMode(a.jsonOutput, cmd.OutOrStdout())
}
