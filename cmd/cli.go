// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"loopviz/internal/audio"
	"loopviz/internal/config"
	"loopviz/internal/tui"
	"loopviz/pkg/build"
)

// Options are the command line overrides. Only flags the user actually
// passed are applied, so a reloaded config file keeps them too.
type Options struct {
	ConfigPath string
	Verbose    bool

	Backend    string
	Device     string
	File       string
	SampleRate float64
	LowLatency bool
	Mode       string
	Bars       int
	FPS        int
	NoTerminal bool
	UDPTarget  string
	WSAddress  string

	changed map[string]bool
}

// Apply writes the passed flags over cfg.
func (o *Options) Apply(cfg *config.Config) {
	if o.changed["backend"] {
		cfg.Capture.Backend = o.Backend
	}
	if o.changed["device"] {
		cfg.Capture.Device = o.Device
		if !o.changed["backend"] {
			cfg.Capture.Backend = audio.BackendPortAudio
		}
	}
	if o.changed["file"] {
		cfg.Capture.File = o.File
		if !o.changed["backend"] {
			cfg.Capture.Backend = audio.BackendFile
		}
	}
	if o.changed["sample-rate"] {
		cfg.Capture.SampleRate = o.SampleRate
	}
	if o.changed["low-latency"] {
		cfg.Capture.LowLatency = o.LowLatency
	}
	if o.changed["mode"] {
		cfg.Render.Mode = o.Mode
	}
	if o.changed["bars"] {
		cfg.Analysis.Bars = o.Bars
	}
	if o.changed["fps"] {
		cfg.Render.FPS = o.FPS
	}
	if o.changed["no-terminal"] {
		cfg.Render.Terminal = !o.NoTerminal
	}
	if o.changed["udp"] {
		cfg.Transport.UDPEnabled = o.UDPTarget != ""
		cfg.Transport.UDPTargetAddress = o.UDPTarget
	}
	if o.changed["ws"] {
		cfg.Transport.WSEnabled = o.WSAddress != ""
		cfg.Transport.WSAddress = o.WSAddress
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
}

// Load reads the configuration file and applies the flags.
func (o *Options) Load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *Options) record(flags *pflag.FlagSet) {
	o.changed = make(map[string]bool)
	flags.Visit(func(f *pflag.Flag) { o.changed[f.Name] = true })
}

// Runner runs the visualizer with the final configuration.
type Runner func(ctx context.Context, cfg *config.Config, opts *Options) error

// Host device access, swapped in tests.
var (
	listDevices    = hostDevices
	pickDeviceFunc = tui.PickDevice
)

func hostDevices() ([]audio.Device, error) {
	if err := audio.Initialize(); err != nil {
		return nil, err
	}
	defer audio.Terminate()
	return audio.HostDevices()
}

// NewRootCommand builds the command tree. run is called by the root command.
func NewRootCommand(run Runner) *cobra.Command {
	buildInfo := build.GetBuildFlags()
	options := &Options{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         build.Description,
		Version:       build.VersionString(),
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			options.record(cmd.Flags())
			cfg, err := options.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, options)
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and their loopback scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := listDevices()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}

	pickCmd := &cobra.Command{
		Use:   "pick",
		Short: "Choose a capture device interactively and print its ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok, err := pickDeviceFunc(listDevices)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no device selected")
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.ID)
			return nil
		},
	}
	rootCmd.AddCommand(devicesCmd, pickCmd)

	// Configuration
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&options.ConfigPath, "config", "C", "",
		"Configuration file (default: first of "+fmt.Sprint(config.SearchPaths)+")")
	pf.BoolVarP(&options.Verbose, "verbose", "v", false, "Show debug output")

	// Capture
	f := rootCmd.Flags()
	f.StringVar(&options.Backend, "backend", config.DefaultBackend,
		"Capture backend: loopback, portaudio, file or tone")
	f.StringVarP(&options.Device, "device", "d", "",
		"PortAudio device ID or name. Use the 'devices' command to see available devices.")
	f.StringVarP(&options.File, "file", "f", "", "Audio file to play through the visualizer (wav, mp3, ogg)")
	f.Float64VarP(&options.SampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Requested sample rate, measured in Hertz (Hz)")
	f.BoolVarP(&options.LowLatency, "low-latency", "l", false,
		"Use low latency mode for real-time processing")

	// Display
	f.StringVarP(&options.Mode, "mode", "m", config.DefaultMode, "Display mode: spectrum, waveform or both")
	f.IntVar(&options.Bars, "bars", config.DefaultBars, "Number of spectrum bars")
	f.IntVar(&options.FPS, "fps", config.DefaultFPS, "Render frames per second")
	f.BoolVar(&options.NoTerminal, "no-terminal", false, "Do not draw on the terminal")

	// Transport
	f.StringVar(&options.UDPTarget, "udp", "", "Send frames as UDP packets to host:port")
	f.StringVar(&options.WSAddress, "ws", "", "Serve frames to websocket clients on host:port/ws")

	return rootCmd
}

// Execute runs the CLI with the process arguments.
func Execute(ctx context.Context, run Runner) error {
	rootCmd := NewRootCommand(run)
	rootCmd.SetArgs(os.Args[1:])
	return rootCmd.ExecuteContext(ctx)
}

func printDevices(w io.Writer, devices []audio.Device) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No audio devices found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHOST API\tIN\tOUT\tRATE\tLOOPBACK")
	for _, d := range devices {
		name := d.Name
		if d.IsDefaultInput {
			name += " (default)"
		}
		score := strconv.Itoa(d.LoopbackScore)
		if d.LoopbackScore < 0 {
			score = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.0f\t%s\n",
			d.ID, name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, score)
	}
	return tw.Flush()
}
