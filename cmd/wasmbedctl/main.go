// Command wasmbedctl is an operator-facing client for a Gateway Server's
// admin HTTP surface: one-shot subcommands for scripting, and a `shell`
// subcommand for ad hoc exploration.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wasmbed/wasmbed/internal/gatewayclient"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var (
	gatewayAddr string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "wasmbedctl",
	Short:   "Operator client for a Wasmbed Gateway's admin surface",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "http://127.0.0.1:4421", "base URL of the Gateway's admin HTTP surface")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(sessionsCmd, deployCmd, stopCmd, disconnectCmd, pairingModeCmd, shellCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient() *gatewayclient.Client {
	return gatewayclient.New(gatewayAddr, timeout)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the Gateway's current device sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		sessions, err := newClient().Sessions(ctx)
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <device> <wasm-file> <application-name>",
	Short: "Deploy a WASM payload to a device",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		wasmBytes, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := newClient().Deploy(ctx, args[0], gatewayclient.DeployRequest{
			ApplicationName:  args[2],
			WasmBytesBase64:  base64.StdEncoding.EncodeToString(wasmBytes),
			MemoryLimitBytes: 16 * 1024 * 1024,
			CPUTimeLimitMs:   1000,
			AutoRestart:      true,
			MaxRestarts:      3,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Kind)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <device> <application-name>",
	Short: "Stop an Application running on a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := newClient().Stop(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Kind)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <device>",
	Short: "Force-close a device's session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return newClient().Disconnect(ctx, args[0])
	},
}

var pairingModeCmd = &cobra.Command{
	Use:   "pairing-mode <on|off>",
	Short: "Toggle the Gateway's pairing-mode policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return fmt.Errorf("expected \"on\" or \"off\", got %q", args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return newClient().SetPairingMode(ctx, enabled)
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive REPL against the Gateway's admin surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd.OutOrStdout())
	},
}

// runShell implements the interactive REPL over readline, so line
// editing and history come for free instead of reimplementing them with
// bufio.
func runShell(out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "wasmbedctl> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	cl := newClient()
	fmt.Fprintf(out, "connected to %s (type 'help' for commands, 'exit' to quit)\n", gatewayAddr)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF on ^D, readline.ErrInterrupt on ^C
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmdName, cmdArgs := strings.ToLower(fields[0]), fields[1:]

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = dispatchShellCommand(ctx, out, cl, cmdName, cmdArgs)
		cancel()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func dispatchShellCommand(ctx context.Context, out io.Writer, cl *gatewayclient.Client, cmdName string, args []string) error {
	switch cmdName {
	case "help", "?":
		fmt.Fprint(out, `commands:
  sessions                           list current device sessions
  health                             check /health
  ready                              check /ready
  deploy <device> <file> <app-name>  deploy a wasm payload
  stop <device> <app-name>           stop an application
  disconnect <device>                force-close a session
  pairing-mode <on|off>              toggle pairing mode
  exit                               leave the shell
`)
		return nil
	case "exit", "quit":
		return io.EOF
	case "health":
		return cl.Health(ctx)
	case "ready":
		return cl.Ready(ctx)
	case "sessions":
		sessions, err := cl.Sessions(ctx)
		if err != nil {
			return err
		}
		return printSessions(out, sessions)
	case "deploy":
		if len(args) != 3 {
			return fmt.Errorf("usage: deploy <device> <file> <app-name>")
		}
		wasmBytes, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		res, err := cl.Deploy(ctx, args[0], gatewayclient.DeployRequest{
			ApplicationName:  args[2],
			WasmBytesBase64:  base64.StdEncoding.EncodeToString(wasmBytes),
			MemoryLimitBytes: 16 * 1024 * 1024,
			CPUTimeLimitMs:   1000,
			AutoRestart:      true,
			MaxRestarts:      3,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Kind)
		return nil
	case "stop":
		if len(args) != 2 {
			return fmt.Errorf("usage: stop <device> <app-name>")
		}
		res, err := cl.Stop(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Kind)
		return nil
	case "disconnect":
		if len(args) != 1 {
			return fmt.Errorf("usage: disconnect <device>")
		}
		return cl.Disconnect(ctx, args[0])
	case "pairing-mode":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: pairing-mode <on|off>")
		}
		return cl.SetPairingMode(ctx, args[0] == "on")
	default:
		return fmt.Errorf("unknown command %q (type 'help')", cmdName)
	}
}

func printSessions(out io.Writer, sessions []gatewayclient.SessionView) error {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "(no active sessions)")
		return nil
	}
	fmt.Fprintf(out, "# %d active session(s)\n", len(sessions))
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(sessions)
}
