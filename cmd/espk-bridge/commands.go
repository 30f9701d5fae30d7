package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/espk-bridge/internal/bridge"
	"github.com/mattjoyce/espk-bridge/internal/bus"
	"github.com/mattjoyce/espk-bridge/internal/config"
	"github.com/mattjoyce/espk-bridge/internal/doctor"
	"github.com/mattjoyce/espk-bridge/internal/log"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
	"github.com/mattjoyce/espk-bridge/internal/tui/portpicker"
	"github.com/mattjoyce/espk-bridge/internal/tui/watch"
)

// EnvAPIKey supplies the bearer token for watch when --api-key is not set.
const EnvAPIKey = "ESPK_BRIDGE_API_KEY"

// --- ports ---

func runPortsList(args []string) int {
	fs := newFlagSet("ports list")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ports, err := serialport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list ports: %v\n", err)
		return 1
	}
	if err := writePorts(os.Stdout, ports, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write ports: %v\n", err)
		return 1
	}
	return 0
}

func writePorts(w io.Writer, ports []serialport.PortInfo, asJSON bool) error {
	if asJSON {
		if ports == nil {
			ports = []serialport.PortInfo{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ports)
	}
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "No serial ports found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tPRODUCT\tSERIAL")
	for _, p := range ports {
		usb, ids := "no", "-"
		if p.IsUSB {
			usb, ids = "yes", p.VID+":"+p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, usb, ids, dash(p.Product), dash(p.SerialNumber))
	}
	return tw.Flush()
}

func runPortsPick(args []string) int {
	fs := newFlagSet("ports pick")
	current := fs.String("current", "", "Port to preselect")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	ports, err := serialport.ListPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list ports: %v\n", err)
		return 1
	}
	chosen, err := portpicker.Run(ports, *current)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Println(chosen)
	return 0
}

// --- override ---

func runOverrideSend(args []string) int {
	fs := newFlagSet("override send")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	natsURL := fs.String("nats-url", "", "NATS server URL (overrides bus.url)")
	target := fs.IntP("target", "t", -1, "Target id")
	channels := fs.IntSliceP("channels", "c", nil, "Channel values, comma separated")
	duration := fs.IntP("duration", "d", 0, "Override duration in milliseconds")
	bypass := fs.Bool("bypass-safety", false, "Allow more than 4 channels (never more than 16)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *natsURL != "" {
		cfg.Bus.URL = *natsURL
	}

	subject, payload, err := buildOverride(cfg.Bus.SubjectPrefix, *target, *channels, fs.Changed("channels"), *duration, *bypass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if cfg.Bus.Driver == config.BusDriverMemory {
		fmt.Fprintln(os.Stderr, "bus.driver is memory; publish through the bridge API instead")
		return 1
	}

	nb, err := bus.ConnectNATS(bus.NATSOptions{
		URL:            cfg.Bus.URL,
		ClientName:     "espk-bridge-cli",
		ConnectTimeout: cfg.Bus.ConnectTimeout,
		Logger:         log.New(os.Stderr, "warn", "text"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer nb.Close()

	if err := nb.Publish(subject, payload); err != nil {
		fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
		return 1
	}
	if err := nb.Flush(cfg.Bus.ConnectTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "Flush failed: %v\n", err)
		return 1
	}
	fmt.Printf("published %s %s\n", subject, payload)
	return 0
}

// buildOverride validates CLI input and renders the bus message.
func buildOverride(prefix string, target int, channels []int, channelsSet bool, duration int, bypass bool) (string, []byte, error) {
	if target < 0 {
		return "", nil, errors.New("--target is required")
	}
	if !channelsSet {
		return "", nil, errors.New("--channels is required")
	}
	if duration < 0 {
		return "", nil, fmt.Errorf("--duration must not be negative (got %d)", duration)
	}
	if len(channels) > bridge.MaxChannels {
		return "", nil, fmt.Errorf("%w: %d channels", bridge.ErrChannelLimit, len(channels))
	}
	if channels == nil {
		channels = []int{}
	}
	payload, err := json.Marshal(protocol.OverrideRequest{
		Channels:     channels,
		Duration:     duration,
		BypassSafety: bypass,
	})
	if err != nil {
		return "", nil, err
	}
	return bus.Subject(prefix, target), payload, nil
}

// --- watch ---

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("url", "", "Bridge API base URL (default from api.listen)")
	apiKey := fs.String("api-key", "", "Bearer token (default $"+EnvAPIKey+" or api.auth.api_key)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	url, key := watchTarget(cfg, *apiURL, *apiKey, os.Getenv(EnvAPIKey))
	if key == "" {
		fmt.Fprintf(os.Stderr, "No API key; pass --api-key or set %s\n", EnvAPIKey)
		return 1
	}

	p := tea.NewProgram(watch.New(url, key), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func watchTarget(cfg *config.Config, url, key, envKey string) (string, string) {
	if url == "" {
		listen := cfg.API.Listen
		if strings.HasPrefix(listen, ":") || strings.HasPrefix(listen, "0.0.0.0:") {
			listen = "127.0.0.1:" + listen[strings.LastIndex(listen, ":")+1:]
		}
		url = "http://" + listen
	}
	url = strings.TrimRight(url, "/")
	switch {
	case key != "":
	case envKey != "":
		key = envKey
	default:
		key = cfg.API.Auth.APIKey
	}
	return url, key
}

// --- config ---

func runConfigCheck(args []string) int {
	fs := newFlagSet("config check")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, serialport.ListPorts).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid || (*strict && len(result.Warnings) > 0) {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := newFlagSet("config show")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.SourcePath != "" {
		fmt.Printf("# %s\n", cfg.SourcePath)
	} else {
		fmt.Println("# built-in defaults")
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}

func runConfigGet(args []string) int {
	fs := newFlagSet("config get")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: espk-bridge config get <path>")
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	val, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	switch v := val.(type) {
	case map[string]any, []any:
		out, err := yaml.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render value: %v\n", err)
			return 1
		}
		fmt.Print(string(out))
	default:
		fmt.Println(v)
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := newFlagSet("config lock")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show the hashes without writing .checksums")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No config file found; pass --config")
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	report, err := config.LockConfig(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, f := range report.Files {
		status := f.Hash
		if !f.Exists {
			status = "(missing)"
		}
		fmt.Printf("%s  %s\n", status, f.Filename)
	}
	if report.Written {
		fmt.Printf("wrote %s\n", report.ChecksumPath)
	} else {
		fmt.Println("dry run; nothing written")
	}
	return 0
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
