// Command autocron is the administration tool for an autocron
// database: inspect settings, tasks and results, mutate single
// settings, or delete the database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts adminOptions

	cmd := &cobra.Command{
		Use:   "autocron <dbfile>",
		Short: "inspect and configure an autocron database",
		Long: "Allows access to the autocron database to change default\n" +
			"settings and to inspect waiting tasks and stored results.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmin(cmd, args[0], &opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.info, "info", "i", false,
		"show settings and counts of task and result rows")
	flags.BoolVarP(&opts.tasks, "tasks", "t", false,
		"list all tasks waiting for execution")
	flags.BoolVarP(&opts.tasksOnDue, "tasks-on-due", "d", false,
		"list all waiting tasks that are on due")
	flags.BoolVarP(&opts.cronTasks, "cron-tasks", "c", false,
		"list all tasks that are cronjobs")
	flags.BoolVarP(&opts.results, "results", "r", false,
		"list all stored results")
	flags.IntVar(&opts.maxWorkers, "set-max-workers", 0,
		"set the number of worker processes")
	flags.StringVar(&opts.autocronLock, "set-autocron-lock", "",
		"enable or disable the engine (on|off|true|false)")
	flags.StringVar(&opts.monitorLock, "set-monitor-lock", "",
		"set or clear the monitor lock (on|off)")
	flags.StringVar(&opts.blockingMode, "set-blocking-mode", "",
		"enable or disable synchronous registration (on|off)")
	flags.IntVar(&opts.workerIdleTime, "set-worker-idle-time", -1,
		"worker idle time in seconds (0 selects the adaptive mode)")
	flags.IntVar(&opts.monitorIdleTime, "set-monitor-idle-time", -1,
		"monitor idle time in seconds")
	flags.IntVar(&opts.resultTTL, "set-result-ttl", -1,
		"result retention in seconds")
	flags.BoolVar(&opts.setDefaults, "set-defaults", false,
		"reset the settings to their defaults")
	flags.BoolVar(&opts.deleteDatabase, "delete-database", false,
		"delete the database file after confirmation")

	return cmd
}
