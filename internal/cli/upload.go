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

// uploadManifest is the JSON input of the upload command.
type uploadManifest []struct {
	FileURL        string `json:"fileUrl"`
	FilePath       string `json:"filePath"`
	FileSize       int64  `json:"fileSize"`
	CreateVersion  bool   `json:"createVersion"`
	VersionLabel   string `json:"versionLabel"`
	VersionComment string `json:"versionComment"`
	Replace        bool   `json:"replace"`
}

func newUploadCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "upload <manifest.json> | upload --target <fileUrl> <localPath>",
		Short: "Upload files to the repository",
		Long: `Upload files listed in a JSON manifest:

  [{"fileUrl": "https://repo/content/dam/a.jpg", "filePath": "a.jpg"}, ...]

or a single local file given as a path with --target.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var files []transfer.UploadFile
			if target != "" {
				files = append(files, transfer.UploadFile{
					FileURL:  target,
					FilePath: args[0],
				})
			} else {
				var manifest uploadManifest
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read manifest: %w", err)
				}
				if err := json.Unmarshal(data, &manifest); err != nil {
					return fmt.Errorf("failed to parse manifest: %w", err)
				}
				for _, f := range manifest {
					files = append(files, transfer.UploadFile{
						FileURL:        f.FileURL,
						FilePath:       f.FilePath,
						FileSize:       f.FileSize,
						CreateVersion:  f.CreateVersion,
						VersionLabel:   f.VersionLabel,
						VersionComment: f.VersionComment,
						Replace:        f.Replace,
					})
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to upload")
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

			if err := engine.UploadFiles(cmd.Context(), files); err != nil {
				return err
			}
			ui.Wait()

			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d of %d files failed", n, len(files))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target file URL for a single-path upload")
	return cmd
}
