package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/myworld/mywdb/internal/upgrade"
)

var (
	upgradeTo     int
	upgradeBefore int
	upgradeDryRun bool
	upgradeList   bool
)

var installCmd = &cobra.Command{
	Use:   "install [module...]",
	Short: "Install the core schema and optional modules",
	RunE:  runInstall,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [module]",
	Short: "Apply pending upgrade steps of a module (default core)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUpgrade,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(upgradeCmd)

	upgradeCmd.Flags().IntVar(&upgradeTo, "to", 0, "apply steps up to and including this id")
	upgradeCmd.Flags().IntVar(&upgradeBefore, "stop-before", 0, "leave steps from this id on pending")
	upgradeCmd.Flags().BoolVar(&upgradeDryRun, "dry-run", false, "apply the steps then roll them back")
	upgradeCmd.Flags().BoolVar(&upgradeList, "list", false, "list registered modules")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp("install")
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := a.Session(ctx)
	if err != nil {
		return err
	}

	ok, v, err := upgrade.Installed(ctx, s)
	if err != nil {
		return err
	}
	if !ok {
		if err := upgrade.InstallCore(ctx, s); err != nil {
			return err
		}
		fmt.Println("Installed core schema")
	} else if len(args) == 0 {
		fmt.Printf("Core schema already installed at version %d\n", v)
	}
	for _, module := range args {
		if err := upgrade.InstallModule(ctx, s, module); err != nil {
			return err
		}
		fmt.Printf("Installed module %s\n", module)
	}
	return nil
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	if upgradeList {
		fmt.Println(strings.Join(upgrade.Modules(), "\n"))
		return nil
	}
	module := upgrade.CoreModule
	if len(args) == 1 {
		module = args[0]
	}

	ctx := cmd.Context()
	a, err := openApp("upgrade")
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := a.Session(ctx)
	if err != nil {
		return err
	}
	e, err := upgrade.EngineFor(s, module, upgradeTo)
	if err != nil {
		return err
	}
	applied, err := e.Run(ctx, upgradeBefore, upgradeDryRun)
	if err != nil {
		return err
	}
	verb := "Applied"
	if upgradeDryRun {
		verb = "Dry run applied"
	}
	return printResult(applied, "%s %d steps of %s %v", verb, len(applied), module, applied)
}
