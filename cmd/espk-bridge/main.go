package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "bridge":
		return runBridgeNoun(args)
	case "ports":
		return runPortsNoun(args)
	case "override":
		return runOverrideNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: espk-bridge version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("espk-bridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

// parseFlags parses args into fs. ok is false when the caller should
// return code immediately, which includes a successful --help.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1, false
	}
	return 0, true
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `espk-bridge - Serial to pub/sub bridge for the ESPKenisis transmitter

Usage:
  espk-bridge <noun> <action> [flags]

Resources (Nouns):
  bridge    Bridge lifecycle
  ports     Serial port discovery
  override  Publish override requests on the bus
  config    Configuration and integrity

Bridge Commands:
  bridge start      Connect to the transmitter and run in the foreground
  bridge watch      Live dashboard of a running bridge (via its API)

Ports Commands:
  ports list        List serial ports
  ports pick        Choose a port interactively

Override Commands:
  override send     Publish an override request for one target

Config Commands:
  config check      Validate configuration against this machine
  config show       Print the effective configuration (secrets redacted)
  config get <path> Print one value by dot path
  config lock       Pin the config file with a BLAKE3 checksum

General:
  start             Alias for 'bridge start'
  watch             Alias for 'bridge watch'
  version           Show version information
  help              Show this help message

Use 'espk-bridge <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runBridgeNoun(args []string) int {
	if len(args) < 1 {
		printBridgeNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBridgeNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runStart(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown bridge action: %s\n", action)
		return 1
	}
}

func runPortsNoun(args []string) int {
	if len(args) < 1 {
		printPortsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPortsNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		return runPortsList(actionArgs)
	case "pick":
		return runPortsPick(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown ports action: %s\n", action)
		return 1
	}
}

func runOverrideNoun(args []string) int {
	if len(args) < 1 {
		printOverrideNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printOverrideNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "send":
		return runOverrideSend(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown override action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "get":
		return runConfigGet(actionArgs)
	case "lock", "hash-update":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printBridgeNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: espk-bridge bridge <action> [flags]

Actions:
  start   Connect to the transmitter and run until interrupted
  watch   Live dashboard of a running bridge

Run 'espk-bridge bridge <action> --help' for flags.
`)
}

func printPortsNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: espk-bridge ports <action> [flags]

Actions:
  list    List serial ports (--json for machine output)
  pick    Choose a port interactively and print its name
`)
}

func printOverrideNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: espk-bridge override send --target N --channels a,b,c [flags]

Publishes {"channels":[...],"duration":N,"bypass_safety":B} on the
target's subject. The running bridge applies the channel limits.
`)
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: espk-bridge config <action> [flags]

Actions:
  check        Validate configuration and report warnings
  show         Print the effective configuration
  get <path>   Print one value, e.g. serial.baud
  lock         Write .checksums beside the config file
`)
}
