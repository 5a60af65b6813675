package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/triage"
)

func newTriageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Triage a lead against a workspace's rules",
		Long: `Evaluate a lead against the workspace's no-go rules, service radius and
service catalogue, and print the verdict. With --lead-id the verdict is
also saved onto the lead.

Examples:
  earlymark triage -w ws-1 --title "Gas heater install"
  earlymark triage -w ws-1 --title "Blocked drain" --lat -33.87 --lng 151.21`,
		RunE: runTriage,
	}

	cmd.Flags().StringP("workspace", "w", "", "workspace ID")
	cmd.Flags().String("lead-id", "", "lead to record the verdict on")
	cmd.Flags().String("title", "", "lead title")
	cmd.Flags().String("description", "", "lead description")
	cmd.Flags().Float64("lat", 0, "lead latitude")
	cmd.Flags().Float64("lng", 0, "lead longitude")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func runTriage(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	workspace, _ := cmd.Flags().GetString("workspace")
	leadID, _ := cmd.Flags().GetString("lead-id")
	lead := domain.Lead{ID: leadID}
	lead.Title, _ = cmd.Flags().GetString("title")
	lead.Description, _ = cmd.Flags().GetString("description")
	if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		lead.Location = &domain.GeoPoint{Lat: lat, Lng: lng}
	}

	engine := triage.NewEngine(st, logger)
	engine.SetDefaultRadius(cfg.Triage.DefaultRadiusKm)
	verdict := engine.Triage(ctx, workspace, lead)

	if leadID != "" {
		if err := st.SaveTriageVerdict(ctx, workspace, leadID, string(verdict.Recommendation), verdict.Flags); err != nil {
			logger.Warn("saving triage verdict failed", "lead", leadID, "error", err)
		}
	}

	b, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
