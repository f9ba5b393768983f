package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snapthumb/snapthumb/internal/cache"
	"github.com/snapthumb/snapthumb/internal/config"
	"github.com/snapthumb/snapthumb/internal/exporter"
	"github.com/snapthumb/snapthumb/internal/logger"
	"github.com/snapthumb/snapthumb/internal/server"
	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	version = "dev"
	port    int

	formatFlag     string
	targetSize     string
	qualityFlag    float64
	similarityFlag float64
	maxIterations  int
	presetFlag     string
	noResize       bool
	jsonOutput     bool
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:     "snapthumb",
	Short:   "Deterministic image compression to a byte budget",
	Version: version,
	Long: `Snapthumb compresses images until they fit a byte budget while staying
visually close to the original. It picks JPEG, WebP or PNG, searches for the
lowest quality that still looks right, and resizes only when quality alone
cannot reach the budget. The same input and options always give the same bytes.`,
	SilenceUsage: true,
}

// serveCmd starts the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the HTTP API:
- POST /api/compress  export an uploaded image
- POST /api/analyze   classify an uploaded image
- GET  /health, /metrics, /ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// compressCmd exports one file to disk.
var compressCmd = &cobra.Command{
	Use:   "compress <input> [output]",
	Short: "Compress one image to fit a byte budget",
	Long: `Compresses <input> and writes the result to [output]. Without an output
path the result is written next to the input as <name>.min.<ext>. When the
output has a known extension and --format is not given, that format is used.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// analyzeCmd classifies one file without encoding it.
var analyzeCmd = &cobra.Command{
	Use:   "analyze <input>",
	Short: "Show transparency, complexity and the format an export would use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to listen on (overrides config)")

	f := compressCmd.Flags()
	f.StringVar(&formatFlag, "format", "", "output format: auto, jpeg, webp, png")
	f.StringVar(&targetSize, "target-size", "", "byte budget, e.g. 500KB or 2MB")
	f.Float64Var(&qualityFlag, "quality", 0, "fallback quality in [0.1, 1]")
	f.Float64Var(&similarityFlag, "similarity", 0, "minimum similarity in [0, 1]")
	f.IntVar(&maxIterations, "max-iterations", 0, "maximum encoder round trips")
	f.StringVar(&presetFlag, "preset", "", "preset: low, medium, high")
	f.BoolVar(&noResize, "no-resize", false, "never downscale to reach the budget")
	f.BoolVar(&jsonOutput, "json", false, "print result metadata as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(analyzeCmd)
}

// runServe starts the API server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)
	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		srv.Close()
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server stopped gracefully")
	return nil
}

// runCompress exports one file.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	output := ""
	if len(args) > 1 {
		output = args[1]
	}
	opts, err := compressOptions(cmd, cfg, output)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	store, err := cache.Open(cfg.Cache, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	exp := exporter.New(server.NewCompressor(cfg, store, log),
		exporter.WithLogger(log),
		exporter.WithMaxFileSize(cfg.MaxUploadBytes()),
	)
	result, err := exp.Export(data, opts)
	if err != nil {
		return fmt.Errorf("export %s: %w", args[0], err)
	}
	res := result.Result

	if output == "" {
		output = defaultOutput(args[0], res.Format)
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := res.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	switch {
	case jsonOutput:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ID     string           `json:"id"`
			Input  string           `json:"input"`
			Output string           `json:"output"`
			Result *compress.Result `json:"result"`
		}{result.ID, args[0], output, res})
	case !quiet:
		fmt.Printf("%s -> %s\n%s\n", args[0], output, res)
	}
	return nil
}

// compressOptions merges config defaults with command-line flags.
func compressOptions(cmd *cobra.Command, cfg *config.Config, output string) (compress.Options, error) {
	opts, err := cfg.Options()
	if err != nil {
		return opts, err
	}
	flags := cmd.Flags()

	if flags.Changed("preset") {
		p, err := compress.ParsePreset(presetFlag)
		if err != nil {
			return opts, err
		}
		opts = compress.Options{Preset: p, Format: opts.Format, MaxIterations: opts.MaxIterations}
	}
	switch {
	case flags.Changed("format"):
		f, err := codec.ParseFormat(formatFlag)
		if err != nil {
			return opts, err
		}
		opts.Format = f
	case output != "":
		if f := codec.FormatFromExtension(filepath.Ext(output)); f != codec.Auto {
			opts.Format = f
		}
	}
	if flags.Changed("target-size") {
		n, err := compress.ParseSize(targetSize)
		if err != nil {
			return opts, err
		}
		opts.TargetSizeBytes = n
	}
	if flags.Changed("quality") {
		opts.Quality = qualityFlag
	}
	if flags.Changed("similarity") {
		opts = opts.WithSimilarity(similarityFlag)
	}
	if flags.Changed("max-iterations") {
		opts.MaxIterations = maxIterations
	}
	opts.NoResize = noResize

	opts = opts.WithDefaults()
	return opts, opts.Validate()
}

// defaultOutput places the result next to the input.
func defaultOutput(input string, f codec.Format) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + ".min" + f.Extension()
}

// runAnalyze prints the classification of one file.
func runAnalyze(input string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	exp := exporter.New(server.NewCompressor(cfg, nil, log), exporter.WithLogger(log))
	a, source, err := exp.Analyze(data)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", input, err)
	}

	fmt.Printf("File:          %s\n", input)
	fmt.Printf("Source format: %s\n", source)
	fmt.Printf("Dimensions:    %dx%d\n", a.Width, a.Height)
	fmt.Printf("Transparency:  %t\n", a.HasTransparency)
	fmt.Printf("Complexity:    %.3f\n", a.Complexity)
	fmt.Printf("Export format: %s\n", a.Format)
	return nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging)
	loggerCfg.Console = !quiet

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
