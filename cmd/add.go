package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <image-id> <vector-file>",
	Short: "Assign one face embedding to a group",
	Long: `Assign one face embedding to a group.

The vector file holds a JSON array of numbers. Use "-" to read it from stdin.

Examples:
  face-grouper add img-0001 face.json
  echo '[0.12, -0.4, 0.9]' | face-grouper add img-0002 - --metadata '{"camera":"x100"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)

	addCmd.Flags().String("metadata", "", "Optional JSON metadata stored with the face")
	addCmd.Flags().Bool("json", false, "Output as JSON")
}

// AddOutput is the JSON output of the add command
type AddOutput struct {
	ImageID    string   `json:"image_id"`
	GroupID    string   `json:"group_id"`
	IsNewGroup bool     `json:"is_new_group"`
	Distance   *float64 `json:"distance,omitempty"`
}

// readVectorFile reads a JSON array of floats from path, or stdin for "-".
func readVectorFile(path string) ([]float32, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = readAllStdin()
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading vector: %w", err)
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, fmt.Errorf("vector must be a JSON array of numbers: %w", err)
	}
	return vector, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	imageID, vectorPath := args[0], args[1]
	metadata := mustGetString(cmd, "metadata")
	jsonOutput := mustGetBool(cmd, "json")

	vector, err := readVectorFile(vectorPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, store, err := newService(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	req := grouping.AddRequest{ImageID: imageID, Embedding: vector}
	if metadata != "" {
		req.Metadata = json.RawMessage(metadata)
	}

	result, err := svc.Add(ctx, req)
	if err != nil {
		return fmt.Errorf("assigning %s: %w", imageID, err)
	}

	out := AddOutput{
		ImageID:    result.ImageID,
		GroupID:    result.GroupID,
		IsNewGroup: result.IsNewGroup,
		Distance:   finiteDistance(result.Distance),
	}
	if jsonOutput {
		return outputJSON(out)
	}

	if out.IsNewGroup {
		fmt.Printf("%s -> new group %s\n", out.ImageID, out.GroupID)
	} else {
		fmt.Printf("%s -> group %s\n", out.ImageID, out.GroupID)
	}
	if out.Distance != nil {
		fmt.Printf("  Nearest distance: %.4f\n", *out.Distance)
	}
	return nil
}
