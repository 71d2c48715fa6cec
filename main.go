// ARCAL Receiver - pilot-controlled lighting receiver for RTL-SDR
// This program monitors one channel for carrier clicks and fires the configured
// activation sinks when a complete click pattern is received.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"arcal-receiver/internal/capture"
	"arcal-receiver/internal/config"
	"arcal-receiver/internal/logging"
	"arcal-receiver/internal/receiver"
	"arcal-receiver/internal/rtlsdr"
	"arcal-receiver/internal/version"
)

// Command line flag variables
var (
	cfgFile   string
	verbose   bool
	configErr error

	recordDuration time.Duration
	recordOutput   string
)

// rootCmd monitors the configured channel until interrupted
var rootCmd = &cobra.Command{
	Use:   "arcal-receiver",
	Short: "Pilot-controlled lighting receiver for RTL-SDR",
	Long: `ARCAL Receiver monitors one radio channel with an RTL-SDR, detects carrier
clicks and triggers the configured activation sinks (log, serial relay, MQTT)
when enough clicks arrive inside the activation window.`,
	Version: version.Get().Short(),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runReceiver(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List attached RTL-SDR devices",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var gainsCmd = &cobra.Command{
	Use:   "gains",
	Short: "List the tuner gains supported by the selected device",
	Run: func(cmd *cobra.Command, args []string) {
		if err := listGains(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record raw IQ samples to a capture file",
	Long: `Record writes the raw u8 IQ stream of the selected device to a capture file
that arcal-replay can run through the detector offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRecord(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cfg.Activation.MQTT.Password != "" {
			cfg.Activation.MQTT.Password = "********"
		}
		if err := yaml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String("arcal-receiver"))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")

	// Device selection and tuning
	flags.Float64P("frequency", "f", defaults.RTLSDR.Frequency, "frequency to monitor (Hz)")
	flags.Uint32P("sample-rate", "s", defaults.RTLSDR.SampleRate, "sample rate (Hz)")
	flags.Float64P("gain", "g", defaults.RTLSDR.Gain, "tuner gain in dB (manual gain mode)")
	flags.String("gain-mode", defaults.RTLSDR.GainMode, "gain mode: auto or manual")
	flags.IntP("device", "d", defaults.RTLSDR.DeviceIndex, "device index")
	flags.String("serial", defaults.RTLSDR.SerialNumber, "device serial number (preferred over --device)")
	flags.Int("ppm", defaults.RTLSDR.FrequencyCorrection, "frequency correction (ppm)")
	flags.Bool("bias-tee", defaults.RTLSDR.BiasTee, "enable bias tee")

	// Detection
	flags.String("detector", defaults.Detector.Mode, "detector mode: samples or bins")
	flags.Float64("threshold", defaults.Detector.ThresholdDB, "detection threshold above the noise floor (dB)")
	flags.Float64("noise-floor", defaults.Detector.NoiseFloorDB, "noise floor estimate (dBFS)")
	flags.Bool("dc-block", defaults.Pipeline.DCBlock, "run the DC blocker on normalized samples")

	// Outputs
	flags.Bool("waterfall", defaults.Waterfall.Enabled, "draw the terminal waterfall")
	flags.String("monitor", defaults.Monitor.Listen, "metrics and spectrum listen address, e.g. :9100")
	flags.String("relay", defaults.Activation.Relay.Port, "serial port driving the activation relay")
	flags.String("mqtt", defaults.Activation.MQTT.Broker, "MQTT broker for activation events, e.g. tcp://localhost:1883")
	flags.String("log-level", defaults.Logging.Level, "log level: debug, info, warn or error")
	flags.String("log-file", defaults.Logging.File, "log file (default is stderr)")

	bindFlags(flags, map[string]string{
		"rtlsdr.frequency":            "frequency",
		"rtlsdr.sample_rate":          "sample-rate",
		"rtlsdr.gain":                 "gain",
		"rtlsdr.gain_mode":            "gain-mode",
		"rtlsdr.device_index":         "device",
		"rtlsdr.serial_number":        "serial",
		"rtlsdr.frequency_correction": "ppm",
		"rtlsdr.bias_tee":             "bias-tee",
		"detector.mode":               "detector",
		"detector.threshold_db":       "threshold",
		"detector.noise_floor_db":     "noise-floor",
		"pipeline.dc_block":           "dc-block",
		"waterfall.enabled":           "waterfall",
		"monitor.listen":              "monitor",
		"activation.relay.port":       "relay",
		"activation.mqtt.broker":      "mqtt",
		"logging.level":               "log-level",
		"logging.file":                "log-file",
	})

	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "t", 30*time.Second, "recording duration")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "capture file (default is arcal-<unix time>.cap)")

	rootCmd.AddCommand(devicesCmd, gainsCmd, recordCmd, configCmd, versionCmd)
}

func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		viper.BindPFlag(key, flags.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/arcal-receiver")
	}

	// ARCAL_DETECTOR_MODE overrides detector.mode
	viper.SetEnvPrefix("ARCAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if verbose {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	case errors.As(err, &notFound):
	default:
		configErr = fmt.Errorf("failed to read config file: %w", err)
	}
}

// loadConfig overlays the config file, environment and flags on the defaults
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}

	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	agc := "off"
	gain := fmt.Sprintf("%.1f dB", cfg.RTLSDR.Gain)
	if cfg.RTLSDR.GainMode == "auto" {
		agc, gain = "on", "automatic"
	}
	dc := "off"
	if cfg.Pipeline.DCBlock {
		dc = "on"
	}

	fmt.Fprintf(w, "ARCAL Receiver %s starting...\n", version.Get().Short())
	fmt.Fprintf(w, "Frequency: %s\n", humanize.SIWithDigits(cfg.RTLSDR.Frequency, 6, "Hz"))
	fmt.Fprintf(w, "Sample rate: %s\n", humanize.SIWithDigits(float64(cfg.RTLSDR.SampleRate), 3, "S/s"))
	fmt.Fprintf(w, "AGC: %s\n", agc)
	fmt.Fprintf(w, "Gain: %s\n", gain)
	fmt.Fprintf(w, "DC compensation: %s\n", dc)
	fmt.Fprintf(w, "Detector: %s, %d clicks in %s\n", cfg.Detector.Mode, cfg.Clicks.Count, cfg.Clicks.Horizon)
}

func runReceiver() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	printBanner(os.Stderr, cfg)

	r := receiver.New(cfg, receiver.WithLogger(logger))
	defer r.Close()

	if err := r.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize receiver: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\nReceived interrupt signal, shut down cleanly.\n")
	return nil
}

func listDevices(w io.Writer) error {
	devices, err := rtlsdr.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No RTL-SDR devices found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tMANUFACTURER\tPRODUCT\tSERIAL")
	for _, d := range devices {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", d.Index, d.Name, d.Manufacturer, d.Product, d.SerialNumber)
	}
	return tw.Flush()
}

func listGains(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	device, err := rtlsdr.Open(cfg.RTLSDR)
	if err != nil {
		return err
	}
	defer device.Close()

	gains, err := device.GetTunerGainsFloat()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s\n", device)
	fmt.Fprintf(w, "Supported gains (%d):", len(gains))
	for _, g := range gains {
		fmt.Fprintf(w, " %.1f", g)
	}
	fmt.Fprintln(w, " dB")
	return nil
}

func runRecord() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	device, err := rtlsdr.Open(cfg.RTLSDR, rtlsdr.WithLogger(logger))
	if err != nil {
		return err
	}
	defer device.Close()

	start := time.Now()
	filename := recordOutput
	if filename == "" {
		filename = fmt.Sprintf("arcal-%d.cap", start.Unix())
	}

	writer, err := capture.Create(filename, capture.Metadata{
		Frequency:  uint64(device.Frequency()),
		SampleRate: device.SampleRate(),
		Gain:       device.Gain(),
		StartTime:  start,
		DeviceInfo: device.String(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Recording %s to %s (device: %s)\n", recordDuration, filename, device)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, recordDuration)
	defer cancelTimeout()

	streamErr := device.Stream(ctx, writer)
	if err := errors.Join(streamErr, writer.Err(), writer.Close()); err != nil {
		return fmt.Errorf("recording failed: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("recording finished",
		slog.String("file", filename),
		slog.Duration("elapsed", elapsed))
	fmt.Fprintf(os.Stderr, "Recorded %s samples (%s) in %s\n",
		humanize.Comma(int64(writer.Samples())), humanize.Bytes(writer.Bytes()), elapsed.Round(time.Millisecond))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
