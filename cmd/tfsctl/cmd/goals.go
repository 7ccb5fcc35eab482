package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tfshome/tfsctl/internal/api"
)

var goalsCmd = &cobra.Command{
	Use:     "goals",
	Aliases: []string{"goal"},
	Short:   "Manage goals that weight task importance",
	Long: `Goals carry a weight from 1 to 10. Tasks linked to a heavier goal score
higher on importance when analysed.

Examples:
  tfsctl goals create "Ship v2" --weight 8
  tfsctl goals list
  tfsctl goals archive 3`,
}

var goalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals",
	Args:  cobra.NoArgs,
	RunE:  runGoalsList,
}

var goalsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a goal",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalsCreate,
}

var goalsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a goal",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalsArchive,
}

var goalsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a goal",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalsDelete,
}

func init() {
	goalsListCmd.Flags().Bool("all", false, "include archived goals")
	goalsListCmd.Flags().Bool("json", false, "output as JSON")

	goalsCreateCmd.Flags().String("description", "", "goal description")
	goalsCreateCmd.Flags().Int("weight", 0, "importance weight 1-10 (server default when unset)")

	goalsCmd.AddCommand(goalsListCmd, goalsCreateCmd, goalsArchiveCmd, goalsDeleteCmd)
	rootCmd.AddCommand(goalsCmd)
}

func runGoalsList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	goals, err := s.client.ListGoals(cmd.Context())
	if err != nil {
		return explain(err)
	}
	if all, _ := cmd.Flags().GetBool("all"); !all {
		active := goals[:0]
		for _, g := range goals {
			if !g.IsArchived {
				active = append(active, g)
			}
		}
		goals = active
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), goals)
	}
	if len(goals) == 0 {
		outln(cmd, "No goals.")
		return nil
	}
	return renderGoals(cmd.OutOrStdout(), goals)
}

func runGoalsCreate(cmd *cobra.Command, args []string) error {
	in := api.GoalInput{Title: strings.TrimSpace(args[0])}
	in.Description, _ = cmd.Flags().GetString("description")
	in.Weight, _ = cmd.Flags().GetInt("weight")
	if cmd.Flags().Changed("weight") && (in.Weight < 1 || in.Weight > 10) {
		return errors.New("--weight must be between 1 and 10")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	goal, err := s.client.CreateGoal(cmd.Context(), in)
	if err != nil {
		return explain(err)
	}
	outf(cmd, "Created goal #%d %q (weight %d)\n", goal.ID, goal.Title, goal.Weight)
	return nil
}

func runGoalsArchive(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	archived := true
	goal, err := s.client.UpdateGoal(cmd.Context(), id, api.GoalPatch{IsArchived: &archived})
	if err != nil {
		if api.IsNotFound(err) {
			return fmt.Errorf("goal #%d not found", id)
		}
		return explain(err)
	}
	outf(cmd, "Archived goal #%d %q\n", goal.ID, goal.Title)
	return nil
}

func runGoalsDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	if err := s.client.DeleteGoal(cmd.Context(), id); err != nil {
		if api.IsNotFound(err) {
			return fmt.Errorf("goal #%d not found", id)
		}
		return explain(err)
	}
	outf(cmd, "Deleted goal #%d\n", id)
	return nil
}
