package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/dump"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write every stored face to a dump file",
	Long: `Write every stored face embedding to a dump file, group by group in
creation order and members in insertion order. Files ending in .zst are
zstd-compressed.

Re-importing an export with --workers 1 reproduces the same grouping.

Examples:
  face-grouper export faces.jsonl
  face-grouper export backup.jsonl.zst --backend bolt`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().Bool("quiet", false, "Do not show a progress bar")
}

// exportStore streams every embedding of reader into w.
func exportStore(ctx context.Context, reader database.GroupReader, w *dump.Writer, onProgress func()) error {
	return reader.ListEmbeddings(ctx, func(emb database.StoredEmbedding) error {
		createdAt := emb.CreatedAt
		if err := w.Write(dump.Record{
			ImageID:   emb.ImageID,
			GroupID:   emb.GroupID,
			Embedding: emb.Embedding,
			Metadata:  emb.Metadata,
			CreatedAt: &createdAt,
		}); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress()
		}
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	path := args[0]
	quiet := mustGetBool(cmd, "quiet")

	ctx := context.Background()
	cfg := loadConfig()
	// The probe index is not needed to read the store.
	cfg.Probe.Enabled = false

	svc, store, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading store stats: %w", err)
	}

	w, err := dump.Create(path)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions(stats.Embeddings,
			progressbar.OptionSetDescription("Exporting faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("faces"),
			progressbar.OptionFullWidth(),
		)
	}

	reader, err := database.GetGroupReader(ctx)
	if err != nil {
		w.Close()
		return err
	}

	exportErr := exportStore(ctx, reader, w, func() {
		if bar != nil {
			bar.Add(1)
		}
	})
	closeErr := w.Close()
	if exportErr != nil {
		return fmt.Errorf("exporting faces: %w", exportErr)
	}
	if closeErr != nil {
		return closeErr
	}

	if bar != nil {
		fmt.Println()
	}
	fmt.Printf("Exported %d faces from %d groups to %s\n", w.Count(), stats.Groups, path)
	return nil
}
