package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/logging"
	"github.com/rescale/httptransfer/internal/transfer"
)

// downloadManifest is the JSON input of the download command.
type downloadManifest []struct {
	FileURL  string `json:"fileUrl"`
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
}

func newDownloadCmd() *cobra.Command {
	var (
		size   int64
		output string
	)

	cmd := &cobra.Command{
		Use:   "download <manifest.json> | download --size <n> --output <path> <url>",
		Short: "Download files from the repository",
		Long: `Download files listed in a JSON manifest:

  [{"fileUrl": "https://repo/content/dam/a.jpg", "filePath": "a.jpg", "fileSize": 1234}, ...]

or a single file given as a URL with --size and --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []transfer.DownloadFile
			if size > 0 {
				files = append(files, transfer.DownloadFile{
					FileURL:  args[0],
					FilePath: output,
					FileSize: size,
				})
			} else {
				var manifest downloadManifest
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read manifest: %w", err)
				}
				if err := json.Unmarshal(data, &manifest); err != nil {
					return fmt.Errorf("failed to parse manifest: %w", err)
				}
				for _, f := range manifest {
					files = append(files, transfer.DownloadFile(f))
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to download")
			}

			engine, err := transfer.NewEngine(engineOptions())
			if err != nil {
				return err
			}

			ui := newUI(len(files))
			ui.Attach(engine.Controller())
			logging.SetOutput(ui.Writer())

			var failed atomic.Int64
			engine.On(events.FileError, func(events.Event) { failed.Add(1) })

			if err := engine.DownloadFiles(cmd.Context(), files); err != nil {
				return err
			}
			ui.Wait()

			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d of %d files failed", n, len(files))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&size, "size", 0, "declared size for a single-URL download")
	cmd.Flags().StringVarP(&output, "output", "o", "", "local path for a single-URL download")
	return cmd
}
