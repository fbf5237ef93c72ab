package main

import (
	"github.com/spf13/cobra"

	"cogkernel/internal/kernel"
	"cogkernel/internal/model"
)

var (
	taskPriority           string
	taskParentID           int64
	taskDependencies       []int64
	taskEstimatedEffortMin int

	transitionTaskID     int64
	transitionNewStatus  string

	criticalPathGoalID int64
)

var createTaskCmd = &cobra.Command{
	Use:   "create-task <content>",
	Short: "create a prospective task (create_task)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		var parent *int64
		if taskParentID != 0 {
			parent = &taskParentID
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpCreateTask,
			ProjectID: projectID,
			CreateTask: &kernel.CreateTaskParams{
				Content:            args[0],
				Priority:           model.TaskPriority(taskPriority),
				ParentID:           parent,
				Dependencies:       taskDependencies,
				EstimatedEffortMin: taskEstimatedEffortMin,
			},
		})
	},
}

var transitionTaskCmd = &cobra.Command{
	Use:   "transition-task",
	Short: "move a task to a new status (transition_task)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:        kernel.OpTransitionTask,
			ProjectID: projectID,
			TransitionTask: &kernel.TransitionTaskParams{
				TaskID:    transitionTaskID,
				NewStatus: model.TaskStatus(transitionNewStatus),
			},
		})
	},
}

var readyTasksCmd = &cobra.Command{
	Use:   "ready-tasks",
	Short: "list tasks whose dependencies are all satisfied (ready_tasks)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:         kernel.OpReadyTasks,
			ProjectID:  projectID,
			ReadyTasks: &kernel.ReadyTasksParams{},
		})
	},
}

var criticalPathCmd = &cobra.Command{
	Use:   "critical-path",
	Short: "compute the critical path to a goal task (critical_path)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext(cmd)
		defer cancel()

		projectID, err := resolveProjectID(ctx)
		if err != nil {
			return err
		}

		return dispatchAndPrint(ctx, kernel.Request{
			Op:           kernel.OpCriticalPath,
			ProjectID:    projectID,
			CriticalPath: &kernel.CriticalPathParams{GoalID: criticalPathGoalID},
		})
	},
}

func init() {
	createTaskCmd.Flags().StringVar(&taskPriority, "priority", string(model.PriorityMedium), "task priority")
	createTaskCmd.Flags().Int64Var(&taskParentID, "parent-id", 0, "parent task id")
	createTaskCmd.Flags().Int64SliceVar(&taskDependencies, "depends-on", nil, "dependency task ids")
	createTaskCmd.Flags().IntVar(&taskEstimatedEffortMin, "effort-min", 0, "estimated effort in minutes")

	transitionTaskCmd.Flags().Int64Var(&transitionTaskID, "task-id", 0, "task id")
	transitionTaskCmd.Flags().StringVar(&transitionNewStatus, "status", string(model.TaskPending), "new task status")
	transitionTaskCmd.MarkFlagRequired("task-id")

	criticalPathCmd.Flags().Int64Var(&criticalPathGoalID, "goal-id", 0, "goal task id")
	criticalPathCmd.MarkFlagRequired("goal-id")
}
