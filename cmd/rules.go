package cmd

import (
	"fmt"
	"os"

	"grimm.is/ferric/internal/nodecache"
	"grimm.is/ferric/internal/rules"
)

// RunRules manages the stored rule set directly against the database. The
// daemon picks changes up on the next pass since rules are loaded per
// evaluation.
func RunRules(configFile string, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := nodecache.New(nodecache.Options{Path: cfg.DatabasePath})
	if err != nil {
		return err
	}
	defer store.Close()
	ruleStore := rules.NewStore(store.DB())

	switch args[0] {
	case "list":
		stored, err := ruleStore.List()
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			fmt.Println("No rules stored")
			return nil
		}
		for i, rule := range stored {
			fmt.Printf("%2d. [%s] %s (%d conditions, %d actions)\n",
				i+1, rule.ID, rule.Description, len(rule.Conditions), len(rule.Actions))
		}
		return nil

	case "import":
		if len(args) < 2 {
			return fmt.Errorf("usage: rules import <file.yaml>")
		}
		loaded, err := rules.LoadFile(args[1])
		if err != nil {
			return err
		}
		if err := ruleStore.Replace(loaded); err != nil {
			return err
		}
		fmt.Printf("Imported %d rules from %s\n", len(loaded), args[1])
		return nil

	case "export":
		stored, err := ruleStore.List()
		if err != nil {
			return err
		}
		out, err := rules.Export(stored)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: rules delete <rule-id>")
		}
		if err := ruleStore.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted rule %s\n", args[1])
		return nil
	}

	return fmt.Errorf("unknown rules subcommand %q (want list, import, export or delete)", args[0])
}
