package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/zerobytellc/gota/internal/ble"
	"github.com/zerobytellc/gota/internal/cache"
	"github.com/zerobytellc/gota/internal/discovery"
	"github.com/zerobytellc/gota/internal/orchestrator"
	"github.com/zerobytellc/gota/internal/resolver"
	"github.com/zerobytellc/gota/internal/userconfig"
)

var (
	version = "master"
	commit  = "none"
	date    = "unknown"
)

// Shared flags.
var (
	flagPeripheral  string
	flagClient      string
	flagModel       string
	flagChannel     string
	flagBaseURL     string
	flagCurrent     string
	flagForce       bool
	flagJSON        bool
	flagVerbose     bool
	flagSimulate    bool
	flagVerifyMD5   bool
	flagReverseOrder bool
)

func configureLogging() {
	if flagJSON {
		log.SetOutput(io.Discard)
	} else if flagVerbose {
		log.SetFormatter(&log.TextFormatter{DisableColors: true})
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// displayVersion canonicalises a version string for human-readable output
// when it happens to be valid semver (e.g. "v1.2.3" -> "v1.2.3", dropping
// build metadata), otherwise it returns the raw token unchanged. This is
// display-only: resolution itself never orders or compares version strings
// by inequality, since firmware version tokens are not guaranteed to be
// semver.
func displayVersion(v string) string {
	if semver.IsValid(v) {
		return semver.Canonical(v)
	}
	return v
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newResolverFromFlags() *resolver.Resolver {
	opts := []resolver.Option{
		resolver.WithBaseURL(flagBaseURL),
		resolver.WithNetrcPath(defaultNetrcPath()),
	}

	if cfg, err := userconfig.Load(mustUserConfigPath()); err == nil && cfg != nil {
		if flagBaseURL == "" && cfg.Global.BaseURL != "" {
			opts = append(opts, resolver.WithBaseURL(cfg.Global.BaseURL))
		}
		if cfg.Global.Credentials.Username != "" || cfg.Global.Credentials.Password != "" {
			opts = append(opts, resolver.WithCredentials(cfg.Global.Credentials.Username, cfg.Global.Credentials.Password))
		}
	}

	return resolver.New(opts...)
}

// defaultNetrcPath returns ~/.netrc, matching the teacher's subnet-scan
// netrc lookup location.
func defaultNetrcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.netrc"
}

// applyUserConfigDefaults fills in flagClient/flagChannel from
// ~/.gota.yml's global section when the user did not pass the flag
// explicitly (SPEC_FULL.md §10.3: "default client/channel/base-url
// settings").
func applyUserConfigDefaults(cmd *cobra.Command) {
	cfg, err := userconfig.Load(mustUserConfigPath())
	if err != nil || cfg == nil {
		return
	}

	if !cmd.Flags().Changed("client") && cfg.Global.DefaultClient != "" {
		flagClient = cfg.Global.DefaultClient
	}
	if !cmd.Flags().Changed("channel") && cfg.Global.DefaultChannel != "" {
		flagChannel = cfg.Global.DefaultChannel
	}
}

func mustUserConfigPath() string {
	path, err := userconfig.Path()
	if err != nil {
		return ""
	}
	return path
}

func newBLEClient() (ble.Client, error) {
	// No pack example implements a real BLE/GATT transport; --simulate
	// exercises the full state machine against an in-memory fake so the
	// CLI is usable without hardware. A real deployment injects a
	// concrete ble.Client binding a native BLE stack; until one is wired
	// in, --simulate=false has nothing to fall back to.
	if !flagSimulate {
		return nil, fmt.Errorf("--simulate=false requires a real ble.Client implementation, which this build does not yet wire in")
	}
	return ble.NewSimClient(), nil
}

var rootCmd = &cobra.Command{
	Use:   "gota",
	Short: "Gecko OTA firmware updater",
	Long:  "gota resolves, downloads and flashes Gecko OTA firmware over BLE.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configureLogging()
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Resolve, download and flash the latest firmware to a peripheral",
	RunE:  runUpdate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Resolve available firmware without flashing",
	RunE:  runList,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover BLE-bridge gateways via mDNS",
	RunE:  runDiscover,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gota %s (%s %s)\n", version, commit, date)
	},
}

func addSharedFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagPeripheral, "peripheral", "", "BLE peripheral ID to target")
	cmd.Flags().StringVar(&flagClient, "client", "", "Index client namespace")
	cmd.Flags().StringVar(&flagModel, "model", "", "Device model token")
	cmd.Flags().StringVar(&flagChannel, "channel", "prod", "Release channel")
	cmd.Flags().StringVar(&flagBaseURL, "base-url", "", "Firmware index base URL")
	cmd.Flags().StringVar(&flagCurrent, "current-version", "", "Currently installed version")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&flagSimulate, "simulate", true, "Use the in-memory simulated BLE transport")
	cmd.Flags().BoolVar(&flagVerifyMD5, "verify-md5", false, "Verify downloaded artifacts against the index's advertised MD5")
	cmd.Flags().BoolVar(&flagReverseOrder, "reverse-order", true, "Apply the update plan last-to-first (matches reference deployment behavior)")
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable verbose mode")

	addSharedFlags(updateCmd)
	updateCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Flash without asking for confirmation")

	addSharedFlags(listCmd)

	discoverCmd.Flags().BoolVar(&flagJSON, "json", false, "Output results as JSON")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func buildOrchestrator() (*orchestrator.Orchestrator, error) {
	res := newResolverFromFlags()
	c := cache.New()
	bleClient, err := newBLEClient()
	if err != nil {
		return nil, err
	}

	order := orchestrator.ApplyInReversePlanOrder
	if !flagReverseOrder {
		order = orchestrator.ApplyInPlanOrder
	}

	return orchestrator.New(res, c, bleClient,
		orchestrator.WithIterationOrder(order),
		orchestrator.WithVerifyMD5(flagVerifyMD5),
	), nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	applyUserConfigDefaults(cmd)
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}

	if !flagForce {
		confirm := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Flash %s (model %s) with the latest %s firmware?", flagPeripheral, flagModel, flagChannel),
		}
		if err := survey.AskOne(prompt, &confirm, survey.WithValidator(survey.Required)); err != nil {
			if err == terminal.InterruptErr {
				return nil
			}
			return err
		}
		if !confirm {
			log.Infof("Aborted.")
			return nil
		}
	}

	outcome, err := o.Run(context.Background(), orchestrator.Params{
		PeripheralID:   flagPeripheral,
		Client:         flagClient,
		Model:          flagModel,
		Channel:        flagChannel,
		BaseURL:        flagBaseURL,
		CurrentVersion: flagCurrent,
		OnProgress: func(ratio float64) {
			log.Debugf("progress: %.0f%%", ratio*100)
		},
		OnStatus: func(msg string) {
			log.Info(msg)
		},
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(map[string]interface{}{"outcome": int(outcome)})
	}

	switch outcome {
	case 1:
		fmt.Println("Update complete.")
	case -1:
		fmt.Println("Already up to date.")
	default:
		fmt.Println("Update failed.")
	}

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	applyUserConfigDefaults(cmd)
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}

	statuses := o.ListStatus(context.Background(), []orchestrator.Target{
		{
			PeripheralID:   flagPeripheral,
			Client:         flagClient,
			Model:          flagModel,
			Channel:        flagChannel,
			BaseURL:        flagBaseURL,
			CurrentVersion: flagCurrent,
		},
	})

	if flagJSON {
		return printJSON(statuses)
	}

	if len(statuses) == 0 {
		fmt.Println("No targets found.")
		return nil
	}

	fmt.Printf("%-20s %-16s %-20s %-20s %s\n", "PERIPHERAL", "MODEL", "CURRENT", "TARGET", "NOTE")
	fmt.Printf("%-20s %-16s %-20s %-20s %s\n", "----------", "-----", "-------", "------", "----")

	for _, s := range statuses {
		target := displayVersion(s.TargetVersion)
		note := ""
		if s.UpToDate {
			target = "(up to date)"
		}
		if s.ManualUpgradeRequired {
			note = "manual upgrade required"
		}
		fmt.Printf("%-20s %-16s %-20s %-20s %s\n", s.PeripheralID, s.Model, displayVersion(s.CurrentVersion), target, note)
	}

	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	browser := &discovery.Browser{}

	gateways, err := browser.Listen(context.Background())
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(gateways)
	}

	if len(gateways) == 0 {
		fmt.Println("No gateways found.")
		return nil
	}

	for _, gw := range gateways {
		fmt.Printf("%s\t%s:%d\n", gw.Name, gw.Host, gw.Port)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
