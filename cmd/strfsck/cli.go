package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2021 stratafs.io
 */

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stratafs/stratafs/pkg/elog"
	"github.com/stratafs/stratafs/pkg/rgrepair"
	"github.com/stratafs/stratafs/pkg/scfg"
	"github.com/stratafs/stratafs/pkg/strata"
)

var (
	log elog.View

	flagVerbose   bool
	flagDebug     bool
	flagAssumeYes bool
	flagAssumeNo  bool
	flagTunables  string
)

func commandInit() {

	// setup logging across all commands
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	addRepairFlags(repairCmd.Flags())

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		initConfig()

		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug || confDebug() {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose || confVerbose() {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(infoCmd)

}

func addRepairFlags(f *pflag.FlagSet) {
	f.BoolVarP(&flagAssumeYes, "assume-yes", "y", false, "answer yes to every prompt")
	f.BoolVarP(&flagAssumeNo, "assume-no", "n", false, "answer no to every prompt")
	f.StringVar(&flagTunables, "tunables", "", "path to an engine tunables file")
}

var rootCmd = &cobra.Command{
	Use:   "strfsck",
	Short: "Offline consistency checker for Strata filesystems",
	Long: `The Strata consistency checker examines and repairs an unmounted Strata
filesystem. Its centrepiece is the resource group index repair engine, which
can rebuild a missing or damaged rindex from what is actually on the disk.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Long:  "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version: %s\nRef: %s\nReleased: %s\n", release, commit, date)
	},
}

// terminalPrompter asks the operator on stdin.
type terminalPrompter struct{}

func (terminalPrompter) Query(msg string) bool {
	for {
		fmt.Printf("%s ", msg)
		var answer string
		_, err := fmt.Scanln(&answer)
		if err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

func prompter() rgrepair.Prompter {
	if flagAssumeYes {
		return rgrepair.AlwaysYes
	}
	if flagAssumeNo {
		return rgrepair.AlwaysNo
	}
	return terminalPrompter{}
}

var repairCmd = &cobra.Command{
	Use:   "repair DEVICE",
	Short: "Repair a damaged resource group index",
	Long: `Validate the resource group index of the Strata filesystem on DEVICE and
repair it if necessary. The engine starts by believing the on-disk index and
escalates through ever more sceptical methods as evidence of corruption
accumulates, from recalculating the layout the way the formatter would have,
to walking the whole device hunting for resource groups by hand.

Every write is guarded by a prompt unless --assume-yes or --assume-no is
given. The filesystem must not be mounted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		tun, err := scfg.Load(flagTunables)
		if err != nil {
			SetError(fmt.Errorf("loading tunables: %w", err), 1)
			return
		}

		fs, err := strata.Mount(args[0], log)
		if err != nil {
			SetError(err, 1)
			return
		}
		defer fs.Close()

		r := rgrepair.New(&rgrepair.Args{
			FS:       fs,
			Log:      log,
			Prompter: prompter(),
			Tunables: tun,
		})

		err = r.RepairAll()
		if err != nil {
			if errors.Is(err, rgrepair.ErrRepairRefused) {
				SetError(err, 2)
				return
			}
			SetError(err, 1)
			return
		}

		log.Warnf("Resource group index on %s is valid.", args[0])

	},
}

var infoCmd = &cobra.Command{
	Use:   "info DEVICE",
	Short: "Print superblock and resource group index details",
	Long: `Print the superblock fields of the Strata filesystem on DEVICE, followed by
its resource group index, one row per resource group.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		fs, err := strata.Mount(args[0], log)
		if err != nil {
			SetError(err, 1)
			return
		}
		defer fs.Close()

		id, err := uuid.FromBytes(fs.SB.UUID[:])
		if err != nil {
			SetError(err, 1)
			return
		}
		fmt.Printf("UUID:        %s\n", id)
		fmt.Printf("Block size:  %d\n", fs.SB.BlockSize)
		fmt.Printf("Device:      %s (%d blocks)\n",
			bytefmt.ByteSize(fs.Dev.Len()*uint64(fs.Dev.BlockSize())), fs.Dev.Len())
		fmt.Printf("Rindex:      %d resource groups (sane: %v)\n\n", fs.NumRGs, fs.RindexOK)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"RG", "Address", "Length", "Data0", "Data", "Bitbytes"})
		i := 0
		fs.RGs.Ascend(func(rg *strata.RG) bool {
			i++
			table.Append([]string{
				fmt.Sprintf("%d", i),
				fmt.Sprintf("0x%x", rg.Addr),
				fmt.Sprintf("%d", rg.Length),
				fmt.Sprintf("0x%x", rg.Data0),
				fmt.Sprintf("%d", rg.Data),
				fmt.Sprintf("%d", rg.Bitbytes),
			})
			return true
		})
		table.Render()

	},
}
