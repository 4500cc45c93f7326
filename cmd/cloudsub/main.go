package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.3.0"

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "cloudsub",
		Short: "Follow and drive remote agent sessions",
		Long: `cloudsub starts remote agent sessions, follows their event streams,
and keeps a local mirror of every conversation so sessions can be
reattached after a disconnect or restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				viper.Set("debug", true)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug logging")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newAttachCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newVersionCommand())

	viper.SetConfigName("cloudsub-config")
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	return rootCmd
}

func newRunCommand() *cobra.Command {
	var (
		repository string
		mode       string
		modelID    string
		orgID      string
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start a new session and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context(), runOptions{
				Prompt:     joinArgs(args),
				Repository: repository,
				Mode:       mode,
				ModelID:    modelID,
				OrgID:      orgID,
			})
		},
	}
	cmd.Flags().StringVarP(&repository, "repo", "R", "", "Repository the session works in")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Agent mode (default from config)")
	cmd.Flags().StringVar(&modelID, "model", "", "Model ID")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	return cmd
}

func newAttachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Reattach to an existing session and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Attach(cmd.Context(), args[0])
		},
	}
	return cmd
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List locally cached sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.ListSessions(cmd.Context())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", bold("cloudsub"), version)
		},
	}
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
