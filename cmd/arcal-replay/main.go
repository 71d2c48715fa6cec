// ARCAL Replay - run a recorded IQ capture through the click detector
// Events are reported in stream time, so click windows behave exactly as they would
// have live regardless of how fast the file is read.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"arcal-receiver/internal/activation"
	"arcal-receiver/internal/capture"
	"arcal-receiver/internal/config"
	"arcal-receiver/internal/logging"
	"arcal-receiver/internal/pipeline"
	"arcal-receiver/internal/version"
	"arcal-receiver/internal/waterfall"
)

var (
	cfgFile     string
	verbose     bool
	sampleRate  uint32
	bufferSize  int
	realtime    bool
	expect      int
	showVersion bool

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "arcal-replay [capture file]",
	Short: "Replay an IQ capture through the ARCAL click detector",
	Long: `ARCAL Replay reads a capture written by "arcal-receiver record", or a headerless
.cu8 file from rtl_sdr, and runs it through the same pipeline as the live receiver.
Detector settings come from the same config file and flags.

Headerless files need --sample-rate.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.Get().String("arcal-replay"))
			return
		}
		if len(args) != 1 {
			cmd.Usage()
			os.Exit(1)
		}
		if err := runReplay(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.Flags()

	flags.StringVarP(&cfgFile, "config", "c", "", "config file with detector settings")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	flags.BoolVar(&showVersion, "version", false, "show version information")
	flags.Uint32VarP(&sampleRate, "sample-rate", "s", 0, "sample rate of a headerless capture (Hz)")
	flags.IntVarP(&bufferSize, "buffer-size", "b", defaults.RTLSDR.BufferSize, "bytes delivered per buffer")
	flags.BoolVar(&realtime, "realtime", false, "pace the replay to the recorded sample rate")
	flags.IntVar(&expect, "expect", -1, "exit non-zero unless exactly this many activations occur")

	flags.String("detector", defaults.Detector.Mode, "detector mode: samples or bins")
	flags.Float64("threshold", defaults.Detector.ThresholdDB, "detection threshold above the noise floor (dB)")
	flags.Float64("noise-floor", defaults.Detector.NoiseFloorDB, "noise floor estimate (dBFS)")
	flags.Int("fft-length", defaults.Pipeline.FFTLength, "transform length")
	flags.Int("average-length", defaults.Pipeline.AverageLength, "transforms per averaging interval")
	flags.Bool("dc-block", defaults.Pipeline.DCBlock, "run the DC blocker on normalized samples")
	flags.Bool("waterfall", false, "draw the waterfall while replaying")

	v.BindPFlag("detector.mode", flags.Lookup("detector"))
	v.BindPFlag("detector.threshold_db", flags.Lookup("threshold"))
	v.BindPFlag("detector.noise_floor_db", flags.Lookup("noise-floor"))
	v.BindPFlag("pipeline.fft_length", flags.Lookup("fft-length"))
	v.BindPFlag("pipeline.average_length", flags.Lookup("average-length"))
	v.BindPFlag("pipeline.dc_block", flags.Lookup("dc-block"))
	v.BindPFlag("waterfall.enabled", flags.Lookup("waterfall"))
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runReplay(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reader, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	start := time.Unix(0, 0).UTC()
	if reader.Headerless() {
		if sampleRate == 0 {
			return errors.New("headerless capture: --sample-rate is required")
		}
		cfg.RTLSDR.SampleRate = sampleRate
	} else {
		md := reader.Metadata()
		cfg.RTLSDR.Frequency = float64(md.Frequency)
		cfg.RTLSDR.SampleRate = md.SampleRate
		cfg.RTLSDR.Gain = md.Gain
		start = md.StartTime
		if sampleRate != 0 {
			cfg.RTLSDR.SampleRate = sampleRate
		}
		fmt.Printf("Capture: %s\n", md.DeviceInfo)
		fmt.Printf("Recorded: %s\n", md.StartTime.Format(time.RFC3339))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	fmt.Printf("Frequency: %s, sample rate: %s, detector: %s\n",
		humanize.SIWithDigits(cfg.RTLSDR.Frequency, 6, "Hz"),
		humanize.SIWithDigits(float64(cfg.RTLSDR.SampleRate), 3, "S/s"),
		cfg.Detector.Mode)

	options := []func(*pipeline.Pipeline){
		pipeline.WithLogger(logger),
		pipeline.WithStreamTime(start),
		pipeline.WithSink(activation.NewLogSink(logger)),
	}
	if cfg.Waterfall.Enabled {
		options = append(options, pipeline.WithRenderer(waterfall.New(os.Stdout, cfg.Waterfall)))
	}

	p, err := pipeline.New(cfg, options...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sourceOptions := []func(*capture.FileSource){capture.WithLogger(logger)}
	if realtime {
		sourceOptions = append(sourceOptions, capture.WithRealtime(cfg.RTLSDR.SampleRate))
	}
	src, err := capture.NewFileSource(reader, bufferSize, sourceOptions...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	began := time.Now()
	if err := p.Run(ctx, src); err != nil {
		return err
	}

	stats := p.Stats()
	streamed := time.Duration(float64(stats.Samples) / float64(cfg.RTLSDR.SampleRate) * float64(time.Second))
	fmt.Printf("Replayed %s samples (%s of signal) in %s\n",
		humanize.Comma(int64(stats.Samples)), streamed.Round(time.Millisecond), time.Since(began).Round(time.Millisecond))
	fmt.Printf("Bursts: %d, clicks: %d, activations: %d\n", stats.Bursts, stats.Clicks, stats.Activations)

	if expect >= 0 && stats.Activations != uint64(expect) {
		return fmt.Errorf("expected %d activations, got %d", expect, stats.Activations)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
