package cmd

import (
	"fmt"
	"os"

	"grimm.is/ferric/internal/config"
)

// RunConfig handles configuration helper subcommands.
func RunConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: config <example|check <file>>")
	}

	switch args[0] {
	case "example":
		_, err := os.Stdout.WriteString(config.ExampleHCL)
		return err

	case "check":
		if len(args) < 2 {
			return fmt.Errorf("usage: config check <file>")
		}
		cfg, err := config.LoadFile(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s: OK (filter backend %s, database %s)\n",
			args[1], cfg.Filter.Backend, cfg.DatabasePath)
		return nil
	}

	return fmt.Errorf("unknown config subcommand %q (want example or check)", args[0])
}
