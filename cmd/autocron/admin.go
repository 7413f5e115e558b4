package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/autocron/internal/store"
)

type adminOptions struct {
	info            bool
	tasks           bool
	tasksOnDue      bool
	cronTasks       bool
	results         bool
	maxWorkers      int
	autocronLock    string
	monitorLock     string
	blockingMode    string
	workerIdleTime  int
	monitorIdleTime int
	resultTTL       int
	setDefaults     bool
	deleteDatabase  bool
}

func runAdmin(cmd *cobra.Command, dbfile string, opts *adminOptions) error {
	s, err := store.OpenExisting(dbfile)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbfile, err)
	}
	defer s.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch {
	case opts.info:
		return reportInfo(ctx, cmd, s)
	case opts.tasks:
		tasks, err := s.GetTasks(ctx)
		if err != nil {
			return err
		}
		return reportTasks(cmd, tasks, "tasks")
	case opts.tasksOnDue:
		tasks, err := s.GetTasksOnDue(ctx)
		if err != nil {
			return err
		}
		return reportTasks(cmd, tasks, "tasks on due")
	case opts.cronTasks:
		tasks, err := s.GetCronTasks(ctx)
		if err != nil {
			return err
		}
		return reportTasks(cmd, tasks, "cron tasks")
	case opts.results:
		return reportResults(ctx, cmd, s)
	case opts.setDefaults:
		return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
			*settings = store.DefaultSettings()
			return nil
		})
	case opts.maxWorkers != 0:
		return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
			if opts.maxWorkers < 1 {
				return fmt.Errorf("max workers must be at least 1, got %d", opts.maxWorkers)
			}
			settings.MaxWorkers = opts.maxWorkers
			return nil
		})
	case opts.autocronLock != "":
		return setBool(ctx, cmd, s, opts.autocronLock, func(settings *store.Settings, v bool) {
			settings.AutocronLock = v
		})
	case opts.monitorLock != "":
		return setBool(ctx, cmd, s, opts.monitorLock, func(settings *store.Settings, v bool) {
			settings.MonitorLock = v
		})
	case opts.blockingMode != "":
		return setBool(ctx, cmd, s, opts.blockingMode, func(settings *store.Settings, v bool) {
			settings.BlockingMode = v
		})
	case opts.workerIdleTime >= 0:
		return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
			settings.WorkerIdleTime = opts.workerIdleTime
			return nil
		})
	case opts.monitorIdleTime >= 0:
		return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
			settings.MonitorIdleTime = opts.monitorIdleTime
			return nil
		})
	case opts.resultTTL >= 0:
		return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
			settings.ResultTTL = opts.resultTTL
			return nil
		})
	case opts.deleteDatabase:
		return deleteDatabase(cmd, s)
	}
	return cmd.Help()
}

// parseOnOff accepts the on|off|true|false forms of the set-flags.
func parseOnOff(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true":
		return true, nil
	case "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("bad boolean value %q, want on|off|true|false", value)
}

func setBool(ctx context.Context, cmd *cobra.Command, s *store.Store, value string, apply func(*store.Settings, bool)) error {
	v, err := parseOnOff(value)
	if err != nil {
		return err
	}
	return updateSettings(ctx, cmd, s, func(settings *store.Settings) error {
		apply(settings, v)
		return nil
	})
}

func updateSettings(ctx context.Context, cmd *cobra.Command, s *store.Store, mutate func(*store.Settings) error) error {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	if err := mutate(&settings); err != nil {
		return err
	}
	if err := s.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	cmd.Println("Settings updated:")
	cmd.Println(settings.String())
	return nil
}

func reportInfo(ctx context.Context, cmd *cobra.Command, s *store.Store) error {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	taskCount, err := s.CountTasks(ctx)
	if err != nil {
		return err
	}
	resultCount, err := s.CountResults(ctx)
	if err != nil {
		return err
	}
	cmd.Println("Settings")
	cmd.Println(settings.String())
	cmd.Printf("tasks: %d\nresults: %d\n", taskCount, resultCount)
	return nil
}

func reportTasks(cmd *cobra.Command, tasks []*store.Task, kind string) error {
	cmd.Printf("%s found: %d\n", kind, len(tasks))
	divider := strings.Repeat("-", 50)
	for _, task := range tasks {
		cmd.Println(divider)
		cmd.Printf("schedule : %s\n", task.Schedule.Local().Format("2006-01-02 15:04:05"))
		cmd.Printf("status   : %s\n", store.StatusText(task.Status))
		cmd.Printf("function : %s.%s\n", task.FunctionModule, task.FunctionName)
		if task.Crontab != "" {
			cmd.Printf("crontab  : %s\n", task.Crontab)
		}
		if task.UUID != "" {
			cmd.Printf("uuid     : %s\n", task.UUID)
		}
	}
	cmd.Println(divider)
	return nil
}

func reportResults(ctx context.Context, cmd *cobra.Command, s *store.Store) error {
	results, err := s.GetResults(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("results found: %d\n", len(results))
	divider := strings.Repeat("-", 50)
	for _, result := range results {
		cmd.Println(divider)
		cmd.Printf("uuid     : %s\n", result.UUID)
		cmd.Printf("status   : %s\n", store.StatusText(result.Status))
		cmd.Printf("function : %s.%s\n", result.FunctionModule, result.FunctionName)
		if result.HasError() {
			cmd.Printf("error    : %s\n", result.ErrorMessage)
		} else if result.IsReady() {
			cmd.Printf("result   : %s\n", string(result.FunctionResult))
		}
	}
	cmd.Println(divider)
	return nil
}

func deleteDatabase(cmd *cobra.Command, s *store.Store) error {
	var confirmed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Delete the database %s?", s.Path())).
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return err
	}
	if !confirmed {
		cmd.Println("abort command")
		return nil
	}
	if err := s.DeleteDatabase(); err != nil {
		return err
	}
	cmd.Println("database deleted")
	return nil
}
