package dr

import (
	"fmt"
	"os"

	"github.com/forgevault/forgevault/cmd/fvctl/cmdutil"
	"github.com/forgevault/forgevault/pkg/disaster"
	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List recovery plans",
	Long: `List the recovery plans loaded from the configured plan directory.

Examples:
  fvctl dr plans
  fvctl dr plans -o yaml`,
	RunE: runPlans,
}

var planSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the recovery-plan JSON Schema",
	Long: `Print the JSON Schema recovery-plan documents must conform to.
Useful for editor validation and CI linting of plan files.

Examples:
  fvctl dr plans schema > recovery-plan.schema.json`,
	RunE: runPlanSchema,
}

// planRow holds resolved plan info for table display.
type planRow struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Kind           string `json:"kind"`
	Severity       string `json:"severity,omitempty"`
	Steps          int    `json:"steps"`
	ManualApproval bool   `json:"manual_approval"`
}

// PlanList is a list of recovery plans for table rendering.
type PlanList []planRow

// Headers implements TableRenderer.
func (pl PlanList) Headers() []string {
	return []string{"ID", "NAME", "KIND", "SEVERITY", "STEPS", "MANUAL APPROVAL"}
}

// Rows implements TableRenderer.
func (pl PlanList) Rows() [][]string {
	rows := make([][]string, 0, len(pl))
	for _, p := range pl {
		severity := p.Severity
		if severity == "" {
			severity = "any"
		}
		rows = append(rows, []string{
			p.ID, p.Name, p.Kind, severity,
			fmt.Sprintf("%d", p.Steps),
			fmt.Sprintf("%t", p.ManualApproval),
		})
	}
	return rows
}

func runPlans(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Disaster.PlanDir == "" {
		return cmdutil.ConfigError(fmt.Errorf("no plan directory configured (disaster.plan_dir)"))
	}

	registry := disaster.NewRegistry(cfg.Disaster.PlanDir)
	if err := registry.LoadDir(); err != nil {
		return cmdutil.ValidationError(fmt.Errorf("failed to load recovery plans: %w", err))
	}
	plans := registry.List()

	rows := make(PlanList, 0, len(plans))
	for _, p := range plans {
		rows = append(rows, planRow{
			ID:             p.ID,
			Name:           p.Name,
			Kind:           p.Kind,
			Severity:       p.Severity,
			Steps:          len(p.Steps),
			ManualApproval: p.ManualApproval,
		})
	}

	return cmdutil.PrintOutput(os.Stdout, plans, len(rows) == 0, "No recovery plans loaded.", rows)
}

func runPlanSchema(cmd *cobra.Command, args []string) error {
	schema, err := disaster.PlanSchema()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(schema, '\n'))
	return err
}

func init() {
	plansCmd.AddCommand(planSchemaCmd)
}
