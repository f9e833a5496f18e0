package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/camlink/internal/bridge"
	"github.com/danmuck/camlink/internal/camsim"
	"github.com/danmuck/camlink/internal/capture"
	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/link"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "camlink.toml"

type rootOptions struct {
	configPath string
	verbose    bool
	adminToken string
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "camctl",
		Short: "Serial camera bridge",
		Long: `camctl drives a camera peripheral over a serial (or TCP) link,
requests a JPEG on a fixed cadence and stores each one as photo_NNNN.jpg.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := logging.ConfigureRuntime()
			if opts.verbose {
				cfg.Level = zerolog.DebugLevel
				zerolog.SetGlobalLevel(cfg.Level)
			}
			opts.logger = observability.NewLogger(cmd.ErrOrStderr(), "camctl", cfg)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&opts.adminToken, "token", os.Getenv("CAMLINK_ADMIN_TOKEN"), "bearer token for --admin requests")

	root.AddCommand(
		newRunCmd(opts),
		newCaptureCmd(opts),
		newStatusCmd(opts),
		newUploadCmd(opts),
		newSimulateCmd(opts),
		newPortsCmd(),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig reads the config file and rebuilds the logger from its [log] section.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	logCfg := cfg.Log.Apply(logging.ConfigureRuntime())
	if o.verbose {
		logCfg.Level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(logCfg.Level)
	o.logger = observability.InitLogger("camctl", logCfg)
	return cfg, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture loop (and admin server when configured)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return bridge.New(cfg, opts.logger, bridge.Options{}).Run(ctx)
		},
	}
}

func newCaptureCmd(opts *rootOptions) *cobra.Command {
	var adminURL string
	var probe bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Take one photo now",
		Long: `Without --admin, opens the link itself and runs a single capture cycle.
With --admin, asks a running bridge to capture at its next opportunity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminURL != "" {
				return adminRequest(cmd, opts.adminToken, http.MethodPost, adminURL, "/capture")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			res, err := bridge.New(cfg, opts.logger, bridge.Options{}).CaptureOnce(ctx, probe)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().StringVar(&adminURL, "admin", "", "admin base URL of a running bridge")
	cmd.Flags().BoolVar(&probe, "probe", false, "send STATUS before capturing")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var adminURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show camera or bridge status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminURL != "" {
				return adminRequest(cmd, opts.adminToken, http.MethodGet, adminURL, "/status")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			line, err := bridge.New(cfg, opts.logger, bridge.Options{}).Probe(ctx)
			if err != nil {
				return err
			}
			if line == "" {
				line = "(no response)"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
	cmd.Flags().StringVar(&adminURL, "admin", "", "admin base URL of a running bridge")
	return cmd
}

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Forward saved photos the [upload] receiver has not seen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			n, err := bridge.New(cfg, opts.logger, bridge.Options{}).UploadOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d photo(s) to %s\n", n, cfg.Upload.URL)
			return err
		},
	}
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		listen     string
		fault      string
		imagePath  string
		status     string
		chunk      int
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated camera over TCP",
		Long: `Starts a camera simulator. Point a bridge at it with
[link] kind = "tcp" and address = the listen address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := camsim.ParseFault(fault)
			if err != nil {
				return err
			}
			cfg := camsim.DefaultConfig()
			cfg.Fault = f
			cfg.Status = status
			cfg.Chunk = chunk
			cfg.ChunkDelay = chunkDelay
			if imagePath != "" {
				if cfg.Image, err = os.ReadFile(imagePath); err != nil {
					return fmt.Errorf("read image: %w", err)
				}
			}
			cam, err := camsim.New(cfg, opts.logger)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return cam.ListenAndServe(ctx, listen, func(addr net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "simulated camera on %s\n", addr)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "listen address")
	cmd.Flags().StringVar(&fault, "fault", "none", "none|error|no_trailer|bad_checksum|silent|zero_length")
	cmd.Flags().StringVar(&imagePath, "image", "", "JPEG to serve (default: generated test card)")
	cmd.Flags().StringVar(&status, "status", "camera ready", "STATUS reply")
	cmd.Flags().IntVar(&chunk, "chunk", 1024, "payload write size")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 0, "pause between payload writes")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := link.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check config files",
	}

	var kind string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "serial", "serial|tcp")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load and validate a config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			target := cfg.Link.Port
			if cfg.Link.Kind == link.KindTCP {
				target = cfg.Link.Address
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok: %s link %s, every %s, storing to %s\n",
				path, cfg.Link.Kind, target, cfg.Capture.Interval, cfg.Storage.Mount)
			if cfg.Upload.Enabled() {
				fmt.Fprintf(cmd.OutOrStdout(), "  forwarding to %s every %s\n", cfg.Upload.URL, cfg.Upload.Interval)
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func adminRequest(cmd *cobra.Command, token, method, base, path string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("admin response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty any
	if json.Unmarshal(body, &pretty) == nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}

func printResult(w io.Writer, res capture.Result) {
	fmt.Fprintf(w, "cycle %d: %s (state %s, %d/%d bytes, %s)\n",
		res.Cycle, res.Outcome, res.State, res.Received, res.Expected, res.Duration.Round(time.Millisecond))
	if res.Artifact != nil {
		fmt.Fprintf(w, "  saved %s (%d bytes, checksum %02X)\n", res.Artifact.Name, res.Artifact.Size, res.Checksum)
	}
	if res.Warning != nil {
		fmt.Fprintf(w, "  warning: %v\n", res.Warning)
	}
}
