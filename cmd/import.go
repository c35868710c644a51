package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/constants"
	"github.com/kozaktomas/face-grouper/internal/dump"
	"github.com/kozaktomas/face-grouper/internal/grouping"
	"github.com/kozaktomas/face-grouper/internal/logging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Assign every face of a dump file",
	Long: `Replay a dump of face embeddings through the assignment engine.

The file holds one JSON object per line: {"image_id", "embedding", "metadata"}.
Files ending in .zst are read as zstd-compressed. Group IDs present in the
file are ignored; every face is assigned anew. Faces whose image ID is already
stored are skipped.

With --workers 1 (the default) faces are assigned in file order, which makes
the resulting groups reproducible. More workers trade that for throughput.

Examples:
  face-grouper import faces.jsonl
  face-grouper import faces.jsonl.zst --workers 4 --rate 200`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Int("workers", constants.DefaultImportWorkers, "Number of parallel workers")
	importCmd.Flags().Float64("rate", 0, "Maximum assignments per second (0 = unlimited)")
	importCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// ImportResult summarizes an import run
type ImportResult struct {
	Success       bool   `json:"success"`
	Processed     int    `json:"processed"`
	NewGroups     int    `json:"new_groups"`
	Joined        int    `json:"joined"`
	Duplicates    int    `json:"duplicates"`
	Invalid       int    `json:"invalid"`
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"duration_human,omitempty"`
}

// setDuration records how long the run took in both machine and human form.
func (r *ImportResult) setDuration(d time.Duration) {
	r.DurationMs = d.Milliseconds()
	r.DurationHuman = formatDuration(d)
}

type importOptions struct {
	workers    int
	rate       float64
	onProgress func()
}

type importCounters struct {
	processed  atomic.Int64
	newGroups  atomic.Int64
	joined     atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
}

func (c *importCounters) result() ImportResult {
	return ImportResult{
		Success:    true,
		Processed:  int(c.processed.Load()),
		NewGroups:  int(c.newGroups.Load()),
		Joined:     int(c.joined.Load()),
		Duplicates: int(c.duplicates.Load()),
		Invalid:    int(c.invalid.Load()),
	}
}

// importDump assigns every record read from r. Duplicate and invalid records
// are counted and skipped; a malformed line or an unavailable store aborts.
func importDump(ctx context.Context, svc *grouping.Service, r *dump.Reader, opts importOptions) (ImportResult, error) {
	workers := max(1, min(opts.workers, constants.MaxImportWorkers))

	var limiter *rate.Limiter
	if opts.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rate), constants.ImportBurst)
	}

	var counters importCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var readErr error
	for gctx.Err() == nil {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		line := r.Line()

		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			defer func() {
				counters.processed.Add(1)
				if opts.onProgress != nil {
					opts.onProgress()
				}
			}()

			result, err := svc.Add(gctx, grouping.AddRequest{
				ImageID:   rec.ImageID,
				Embedding: rec.Embedding,
				Metadata:  rec.Metadata,
			})
			switch {
			case err == nil:
				if result.IsNewGroup {
					counters.newGroups.Add(1)
				} else {
					counters.joined.Add(1)
				}
				return nil
			case errors.Is(err, apperr.ErrDuplicateSourceID):
				counters.duplicates.Add(1)
				return nil
			case errors.Is(err, apperr.ErrInvalidInput):
				counters.invalid.Add(1)
				logging.Default().Warn("skipping invalid record",
					"line", line,
					"image_id", rec.ImageID,
					"error", err.Error(),
				)
				return nil
			default:
				return fmt.Errorf("line %d (%s): %w", line, rec.ImageID, err)
			}
		})
	}

	waitErr := g.Wait()
	result := counters.result()
	if readErr != nil {
		return result, readErr
	}
	if waitErr != nil {
		return result, waitErr
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	workers := mustGetInt(cmd, "workers")
	rateLimit := mustGetFloat64(cmd, "rate")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	startTime := time.Now()

	reader, err := dump.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	svc, store, err := newService(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer store.Close()

	// Create progress bar (only for non-JSON output); total is unknown while streaming
	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Assigning faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("faces"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
	}

	result, err := importDump(ctx, svc, reader, importOptions{
		workers: workers,
		rate:    rateLimit,
		onProgress: func() {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("import stopped after %d faces: %w", result.Processed, err)
	}

	result.setDuration(time.Since(startTime))

	if jsonOutput {
		return outputJSON(result)
	}

	fmt.Println("\nImport complete!")
	fmt.Printf("  Faces processed: %d\n", result.Processed)
	fmt.Printf("  New groups:      %d\n", result.NewGroups)
	fmt.Printf("  Joined groups:   %d\n", result.Joined)
	if result.Duplicates > 0 {
		fmt.Printf("  Duplicates:      %d\n", result.Duplicates)
	}
	if result.Invalid > 0 {
		fmt.Printf("  Invalid:         %d\n", result.Invalid)
	}
	fmt.Printf("  Duration:        %s\n", result.DurationHuman)
	return nil
}
