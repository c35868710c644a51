package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List face groups with their member counts",
	Long: `List every face group in creation order with its member count.

Examples:
  face-grouper groups
  face-grouper groups --min-count 3
  face-grouper groups --json`,
	RunE: runGroups,
}

func init() {
	rootCmd.AddCommand(groupsCmd)

	groupsCmd.Flags().Bool("json", false, "Output as JSON")
	groupsCmd.Flags().Int("min-count", 0, "Only show groups with at least this many faces")
}

// GroupsOutput is the JSON output of the groups command
type GroupsOutput struct {
	TotalGroups     int                 `json:"total_groups"`
	TotalEmbeddings int                 `json:"total_embeddings"`
	Groups          []GroupOutputRecord `json:"groups"`
}

// GroupOutputRecord is one group in the JSON output
type GroupOutputRecord struct {
	GroupID   string    `json:"group_id"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func buildGroupsOutput(summaries []database.GroupSummary, minCount int) GroupsOutput {
	out := GroupsOutput{Groups: make([]GroupOutputRecord, 0, len(summaries))}
	for _, s := range summaries {
		out.TotalEmbeddings += s.Count
		if s.Count < minCount {
			continue
		}
		out.Groups = append(out.Groups, GroupOutputRecord{
			GroupID:   s.GroupID,
			Count:     s.Count,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	out.TotalGroups = len(summaries)
	return out
}

// printGroups writes a human-readable table with locale-formatted counts.
func printGroups(w io.Writer, out GroupsOutput) {
	p := message.NewPrinter(language.English)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	p.Fprintf(tw, "GROUP\tFACES\tCREATED\tUPDATED\n")
	for _, g := range out.Groups {
		p.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			g.GroupID,
			g.Count,
			g.CreatedAt.Format(time.RFC3339),
			g.UpdatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush()

	p.Fprintf(w, "\n%d groups, %d faces\n", out.TotalGroups, out.TotalEmbeddings)
	if hidden := out.TotalGroups - len(out.Groups); hidden > 0 {
		p.Fprintf(w, "(%d smaller groups hidden)\n", hidden)
	}
}

func runGroups(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	minCount := mustGetInt(cmd, "min-count")

	ctx := context.Background()
	cfg := loadConfig()
	cfg.Probe.Enabled = false

	svc, store, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := svc.Groups(ctx)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}

	out := buildGroupsOutput(summaries, minCount)
	if jsonOutput {
		return outputJSON(out)
	}
	printGroups(os.Stdout, out)
	return nil
}
