package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/engine/tesseract"
	"github.com/textlens/textlens/internal/pool"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
)

// imageCmd recognizes a local image file and prints the text.
var imageCmd = &cobra.Command{
	Use:   "image [flags] <file>",
	Short: "Recognize text in a local image file",
	Long: `Run recognition on a single image file and print the extracted text.

The result is cached by content hash, so recognizing the same file twice
returns instantly the second time.

Examples:
  textlens image menu.png
  textlens image receipt.jpg --format json
  textlens image screenshot.png --no-cache`,
	Args: cobra.ExactArgs(1),
	RunE: runImage,
}

type imageOutput struct {
	File          string `json:"file"`
	CorrelationID string `json:"correlation_id"`
	Text          string `json:"text"`
	Cached        bool   `json:"cached"`
}

func runImage(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	format, _ := cmd.Flags().GetString("format")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	showProgress, _ := cmd.Flags().GetBool("progress")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}

	var store cache.Store
	if noCache {
		store, err = cache.NewMemoryStore(1)
	} else {
		store, err = cache.Open(cfg.Cache.Dir, cfg.Cache.MaxEntries)
	}
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}

	enginePool := pool.New(tesseract.Factory(cfg.Engine), time.Minute)
	defer enginePool.Close()

	eventRelay := relay.New()
	terminal := make(chan relay.Event, 1)
	eventRelay.Register(relay.NewDestination("cli", func(e relay.Event) error {
		if e.Terminal() {
			select {
			case terminal <- e:
			default:
			}
			return nil
		}
		if showProgress {
			if e.Fraction != nil {
				fmt.Fprintf(os.Stderr, "%s %3.0f%%\n", e.Stage, *e.Fraction*100)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", e.Stage)
			}
		}
		return nil
	}))

	scheduler := queue.New(nil, store, enginePool, eventRelay, cfg.Queue)
	defer scheduler.Close()

	job := queue.NewInlineJob(data, "cli")
	if err := scheduler.Submit(job); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	e := <-terminal
	if e.Type == relay.EventError {
		return fmt.Errorf("recognition failed: %s", e.Message)
	}

	switch format {
	case "json":
		out := imageOutput{
			File:          args[0],
			CorrelationID: e.CorrelationID,
			Text:          e.Text,
			Cached:        e.Cached,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		_, err := fmt.Fprintln(cmd.OutOrStdout(), e.Text)
		return err
	}
}

func init() {
	rootCmd.AddCommand(imageCmd)
	imageCmd.Flags().StringP("format", "f", "text", "output format: text or json")
	imageCmd.Flags().Bool("no-cache", false, "skip the persistent result cache")
	imageCmd.Flags().Bool("progress", false, "print stage progress to stderr")
}
