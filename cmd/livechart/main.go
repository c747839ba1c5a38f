package main

import (
	"io"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livechart/cmd/livechart/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "livechart",
	Short: "livechart keeps terminal charts current from HTTP and websocket sources",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		// the TUI owns the terminal; without a log file, logs go nowhere
		if cmd.Annotations[cmds.AnnotationTUI] == "true" {
			if file, _ := cmd.Flags().GetString("log-file"); file == "" {
				log.Logger = log.Output(io.Discard)
			}
		}
		return nil
	},
}

func buildCommand(c glazedcmds.Command, tui bool) *cobra.Command {
	command, err := cli.BuildCobraCommand(c, cli.WithParserConfig(cmds.ParserConfig()))
	cobra.CheckErr(err)
	if tui {
		if command.Annotations == nil {
			command.Annotations = map[string]string{}
		}
		command.Annotations[cmds.AnnotationTUI] = "true"
	}
	return command
}

func main() {
	if err := clay.InitGlazed("livechart", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	watch, err := cmds.NewWatchCommand()
	cobra.CheckErr(err)
	poll, err := cmds.NewPollCommand()
	cobra.CheckErr(err)
	tail, err := cmds.NewTailCommand()
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		buildCommand(watch, true),
		buildCommand(poll, false),
		buildCommand(tail, false),
	)

	cobra.CheckErr(rootCmd.Execute())
}
