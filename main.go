package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/ferric/cmd"
)

const defaultConfigFile = "/etc/ferric/ferric.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		addr := statusFlags.String("addr", "127.0.0.1:5050", "Service ingest address")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*addr); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "rules":
		rulesFlags := flag.NewFlagSet("rules", flag.ExitOnError)
		configFile := rulesFlags.String("config", defaultConfigFile, "Configuration file")
		rulesFlags.Parse(os.Args[2:])

		if err := cmd.RunRules(*configFile, rulesFlags.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Rules command failed: %v\n", err)
			os.Exit(1)
		}

	case "config":
		configFlags := flag.NewFlagSet("config", flag.ExitOnError)
		configFlags.Parse(os.Args[2:])

		if err := cmd.RunConfig(configFlags.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Config command failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ferricd - bare-metal introspection service

Usage:
  ferricd <command> [options]

Commands:
  start       Run the daemon in the foreground
  status      Show daemon and filter status
  rules       Manage introspection rules (list, import <file>, export)
  config      Configuration helpers (example, check <file>)
  version     Print version information

Options:
  -c, -config <file>   Configuration file (default /etc/ferric/ferric.hcl)

Examples:
  ferricd start -c /etc/ferric/ferric.hcl
  ferricd rules import /etc/ferric/rules.yaml
  ferricd config example > /etc/ferric/ferric.hcl`)
}
