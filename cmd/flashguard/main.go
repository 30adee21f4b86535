package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flashguard/internal/app"
	"flashguard/internal/config"
	"flashguard/internal/flash"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

func options() app.Options {
	opts := app.Options{Verbose: verbose}
	if verbose {
		opts.Console = os.Stderr
	}
	return opts
}

// newApp reads the config and creates a FlashApp. The caller must defer app.Close().
// operation names the CLI command being run (e.g. "Flash", "PruneHistory").
func newApp(ctx context.Context, operation string, args []string) (*app.FlashApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewFlashApp(ctx, cfg, app.NewOperation(operation, args, time.Now()), options())
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readSecret reads a line from the terminal without echo. When stdin is not
// a terminal the line is read as is, so secrets can be piped in.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return string(b), nil
}

// passphrase returns FLASHGUARD_PASSPHRASE or prompts for it.
func passphrase() (string, error) {
	if p := os.Getenv("FLASHGUARD_PASSPHRASE"); p != "" {
		return p, nil
	}
	return readSecret("Passphrase")
}

// unlockSecrets unlocks the app's secret store.
func unlockSecrets(a *app.FlashApp) error {
	store := a.Secrets()
	if !store.IsConfigured() {
		return fmt.Errorf("secret store not set up; run 'flashguard secrets init'")
	}
	p, err := passphrase()
	if err != nil {
		return err
	}
	return store.Unlock(p)
}

var rootCmd = &cobra.Command{
	Use:          "flashguard",
	Short:        "Guarded over-the-air firmware flashing",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
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
		fmt.Printf("Host ID:        %s\n", cfg.HostID)
		fmt.Printf("Base Dir:       %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:        %s\n", cfg.LogDir)
		fmt.Printf("Target channel: %s\n", cfg.Flash.TargetChannel)
		fmt.Printf("Firmware:       %s\n", cfg.Firmware.Type)
		fmt.Printf("Inventory:      %s %s\n", cfg.Inventory.Type, cfg.Inventory.Path)
		fmt.Printf("Secrets:        %s %s\n", cfg.Secrets.Type, cfg.Secrets.Path)
		fmt.Printf("Database:       %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		return nil
	},
}

// secrets command
var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage device shared secrets",
}

var secretsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the encrypted secret store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SecretsInit", args)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := passphrase()
		if err != nil {
			return err
		}
		if os.Getenv("FLASHGUARD_PASSPHRASE") == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			again, err := readSecret("Repeat passphrase")
			if err != nil {
				return err
			}
			if again != p {
				return fmt.Errorf("passphrases do not match")
			}
		}
		if err := a.Secrets().Setup(p); err != nil {
			return fmt.Errorf("setting up secret store: %w", err)
		}
		fmt.Println("Secret store initialized")
		return nil
	},
}

var secretsSetCmd = &cobra.Command{
	Use:   "set DEVICE",
	Short: "Set a device's shared secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SecretsSet", args)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := unlockSecrets(a); err != nil {
			return err
		}

		secret, err := readSecret("Shared secret for " + args[0])
		if err != nil {
			return err
		}
		if err := a.Secrets().Set(args[0], []byte(secret)); err != nil {
			return fmt.Errorf("storing secret: %w", err)
		}
		fmt.Printf("Secret stored for %s\n", args[0])
		return nil
	},
}

var secretsRemoveCmd = &cobra.Command{
	Use:   "remove DEVICE",
	Short: "Remove a device's shared secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SecretsRemove", args)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := unlockSecrets(a); err != nil {
			return err
		}
		if err := a.Secrets().Remove(args[0]); err != nil {
			return fmt.Errorf("removing secret: %w", err)
		}
		fmt.Printf("Secret removed for %s\n", args[0])
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices that have a shared secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SecretsList", args)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := unlockSecrets(a); err != nil {
			return err
		}
		ids, err := a.Secrets().Devices()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func flashRequest(cmd *cobra.Command, deviceID string) flash.FlashRequest {
	fw, _ := cmd.Flags().GetString("firmware")
	confirm, _ := cmd.Flags().GetBool("confirm-production")
	override, _ := cmd.Flags().GetBool("override-channel")
	return flash.FlashRequest{
		DeviceID:                   deviceID,
		Firmware:                   fw,
		ConfirmFactoryToProduction: confirm,
		OverrideChannel:            override,
	}
}

// flash command
var flashCmd = &cobra.Command{
	Use:   "flash --firmware VERSION DEVICE...",
	Short: "Flash firmware to one or more devices",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Flash", args)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := unlockSecrets(a); err != nil {
			return err
		}

		reqs := make([]flash.FlashRequest, len(args))
		for i, id := range args {
			reqs[i] = flashRequest(cmd, id)
		}
		results := a.Flash(ctx, reqs, printStatus)

		failed := 0
		fmt.Println()
		for _, r := range results {
			switch {
			case r.Err != nil:
				failed++
				fmt.Printf("%-20s  not started: %v\n", r.DeviceID, r.Err)
			case r.Succeeded():
				fmt.Printf("%-20s  updated  %s\n", r.DeviceID, r.SessionID)
			default:
				failed++
				fmt.Printf("%-20s  %s  %s\n", r.DeviceID, describeOutcome(r.Outcome), r.Outcome.Reason)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d device(s) not updated", failed, len(results))
		}
		return nil
	},
}

func printStatus(st flash.SessionStatus) {
	line := fmt.Sprintf("%-20s  %-18s", st.DeviceID, st.Stage)
	if st.Stage == flash.StageTransferring {
		line += fmt.Sprintf("  %3d%%", st.Progress())
	}
	if st.Terminal && st.Reason != "" {
		line += "  " + st.Reason
	}
	fmt.Println(line)
}

func describeOutcome(o flash.Outcome) string {
	switch {
	case o.Stage == flash.StageRollbackSuspected:
		return fmt.Sprintf("rollback suspected (%s)", o.RollbackCause)
	case o.FailedStage != "":
		return fmt.Sprintf("failed at %s", o.FailedStage)
	default:
		return string(o.Stage)
	}
}

// gates command
var gatesCmd = &cobra.Command{
	Use:   "gates --firmware VERSION DEVICE",
	Short: "Evaluate the preflight gates without flashing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CheckGates", args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.CheckGates(cmd.Context(), flashRequest(cmd, args[0]))
		if err != nil {
			return err
		}
		for _, c := range res.Checks {
			fmt.Printf("%-4s  %-18s  %s\n", c.Verdict, c.Name, c.Reason)
		}
		fmt.Printf("\nOverall: %s\n", res.Overall)
		if res.Overall == flash.VerdictFail {
			return fmt.Errorf("gates failed: %s", strings.Join(res.Failed(), ", "))
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status DEVICE",
	Short: "Show a device's most recent flash session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status", args)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(args[0])
		if err != nil {
			if errors.Is(err, flash.ErrNotFound) {
				fmt.Printf("No sessions for %s.\n", args[0])
				return nil
			}
			return err
		}
		fmt.Printf("Session:  %s\n", st.SessionID)
		fmt.Printf("Firmware: %s\n", st.FirmwareVersion)
		fmt.Printf("Stage:    %s\n", st.Stage)
		fmt.Printf("Started:  %s\n", st.StartedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Updated:  %s\n", st.LastTransitionAt.Format("2006-01-02 15:04:05"))
		if st.Outcome != nil {
			fmt.Printf("Outcome:  %s\n", describeOutcome(*st.Outcome))
		}
		if st.Reason != "" {
			fmt.Printf("Reason:   %s\n", st.Reason)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [SESSION]",
	Short: "View flash sessions, or one session's transitions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "History", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			ts, err := a.Transitions(args[0])
			if err != nil {
				return err
			}
			for _, t := range ts {
				fmt.Printf("%s  %-18s  %s\n", t.At.Format("2006-01-02 15:04:05.000"), t.Stage, t.Reason)
			}
			return nil
		}

		recs, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No flash sessions recorded.")
			return nil
		}
		for _, r := range recs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %-20s  %-10s  %s  %-30s  %s\n",
				r.ID,
				r.DeviceID,
				r.FirmwareVersion,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Outcome,
				duration,
			)
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished sessions older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp(cmd.Context(), "PruneHistory", args)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.PruneHistory(age)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d session(s)\n", n)
		return nil
	},
}

// devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices in the inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Devices", args)
		if err != nil {
			return err
		}
		defer a.Close()

		devices, err := a.Devices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices in inventory.")
			return nil
		}
		for _, d := range devices {
			state := "offline"
			if d.Online {
				state = "online"
			}
			fmt.Printf("%-20s  %-7s  %-10s  %-10s  %-8s  %s  seen %s\n",
				d.ID, state, d.FirmwareVersion, d.Mode, d.HWFamily, d.Address,
				d.LastSeen.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// firmware command
var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Manage published firmware",
}

var firmwareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published firmware versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "FirmwareList", args)
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.FirmwareVersions(cmd.Context())
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No firmware published.")
			return nil
		}
		for _, v := range versions {
			fmt.Println(v)
		}
		return nil
	},
}

var firmwarePublishCmd = &cobra.Command{
	Use:   "publish --version V --channel C --hw-family F IMAGE",
	Short: "Publish a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		channel, _ := cmd.Flags().GetString("channel")
		family, _ := cmd.Flags().GetString("hw-family")
		kind, _ := cmd.Flags().GetString("kind")

		a, err := newApp(cmd.Context(), "FirmwarePublish", args)
		if err != nil {
			return err
		}
		defer a.Close()

		m := flash.Manifest{
			Version:  version,
			Channel:  flash.Channel(channel),
			HWFamily: family,
			Kind:     flash.ArtifactKind(kind),
		}
		if err := a.PublishFirmware(cmd.Context(), m, args[0]); err != nil {
			return err
		}
		fmt.Printf("Published %s\n", version)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the session history database",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of the history database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupHistory", args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupHistory(args[0]); err != nil {
			return err
		}
		fmt.Printf("History written to %s\n", args[0])
		return nil
	},
}

// emulate command
var emulateCmd = &cobra.Command{
	Use:   "emulate --device-id ID --version V",
	Short: "Run an emulated device that accepts OTA updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		var ec app.EmulatorConfig
		ec.DeviceID, _ = f.GetString("device-id")
		ec.Listen, _ = f.GetString("listen")
		ec.Advertise, _ = f.GetString("advertise")
		ec.Version, _ = f.GetString("version")
		ec.HWFamily, _ = f.GetString("hw-family")
		ec.Class, _ = f.GetString("class")
		mode, _ := f.GetString("mode")
		ec.Mode = flash.DeviceMode(mode)
		ec.Health, _ = f.GetString("health")
		ec.RebootDelay, _ = f.GetDuration("reboot-delay")
		ec.Rollback, _ = f.GetBool("rollback")
		ec.ApplyVersion, _ = f.GetString("apply-version")

		secret := os.Getenv("FLASHGUARD_DEVICE_SECRET")
		if secret == "" {
			var err error
			if secret, err = readSecret("Device shared secret"); err != nil {
				return err
			}
		}
		ec.Secret = []byte(secret)

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := options()
		if opts.Console == nil {
			opts.Console = os.Stderr
		}
		return app.RunEmulator(ctx, cfg, app.NewOperation("Emulate", args, time.Now()), ec, opts)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// secrets subcommands
	secretsCmd.AddCommand(secretsInitCmd)
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsRemoveCmd)
	secretsCmd.AddCommand(secretsListCmd)

	// flash and gates share the request flags
	for _, c := range []*cobra.Command{flashCmd, gatesCmd} {
		c.Flags().String("firmware", "", "Firmware version to flash")
		c.Flags().Bool("confirm-production", false, "Allow moving factory-mode devices to production firmware")
		c.Flags().Bool("override-channel", false, "Accept firmware from a channel other than the target channel")
		c.MarkFlagRequired("firmware")
	}

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of sessions to show")
	historyCmd.AddCommand(historyPruneCmd)
	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete finished sessions older than this")

	firmwareCmd.AddCommand(firmwareListCmd)
	firmwareCmd.AddCommand(firmwarePublishCmd)
	firmwarePublishCmd.Flags().String("version", "", "Firmware version")
	firmwarePublishCmd.Flags().String("channel", string(flash.ChannelStable), "Release channel (stable, beta, dev)")
	firmwarePublishCmd.Flags().String("hw-family", "", "Hardware family the image is built for")
	firmwarePublishCmd.Flags().String("kind", string(flash.KindProduction), "Image kind (production or factory)")
	firmwarePublishCmd.MarkFlagRequired("version")
	firmwarePublishCmd.MarkFlagRequired("hw-family")

	dbCmd.AddCommand(dbBackupCmd)

	emulateCmd.Flags().String("device-id", "", "Device id recorded in the inventory")
	emulateCmd.Flags().String("listen", "127.0.0.1:3232", "Address to serve OTA on")
	emulateCmd.Flags().String("advertise", "", "Address recorded in the inventory (default: listen host)")
	emulateCmd.Flags().String("version", "", "Firmware version the device starts with")
	emulateCmd.Flags().String("hw-family", "esp32", "Hardware family")
	emulateCmd.Flags().String("class", "", "Device class")
	emulateCmd.Flags().String("mode", string(flash.ModeProduction), "Device mode (production or factory)")
	emulateCmd.Flags().String("health", "ok", "Reported health")
	emulateCmd.Flags().Duration("reboot-delay", 2*time.Second, "Time offline after accepting an image")
	emulateCmd.Flags().Bool("rollback", false, "Boot back into the previous version after every update")
	emulateCmd.Flags().String("apply-version", "", "Version reported after an image matching no published firmware")
	emulateCmd.MarkFlagRequired("device-id")
	emulateCmd.MarkFlagRequired("version")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(gatesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(firmwareCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(emulateCmd)
}
