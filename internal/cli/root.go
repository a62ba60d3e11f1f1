// Package cli provides the command-line interface for httptransfer.
package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/httptransfer/internal/client"
	"github.com/rescale/httptransfer/internal/logging"
	"github.com/rescale/httptransfer/internal/progress"
	"github.com/rescale/httptransfer/internal/transfer"
)

var (
	// Global flags
	verbose       bool
	concurrent    bool
	maxConcurrent int
	partSize      int64
	headerFlags   []string
	retryCount    int

	// Proxy flags
	proxyMode string
	proxyURL  string
)

// Version is set by the build via LDFLAGS.
var Version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "httptransfer",
		Short:   "Bulk file transfer against a content repository",
		Long:    "httptransfer moves files to and from a content repository using ranged, partitioned HTTP transfers with bounded concurrency.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(verbose)
		},
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&concurrent, "concurrent", true, "transfer parts of multiple files concurrently")
	pf.IntVar(&maxConcurrent, "max-concurrent", 0, "cap on in-flight part transfers (0 = default)")
	pf.Int64Var(&partSize, "part-size", 0, "preferred part size in bytes (0 = default)")
	pf.StringArrayVarP(&headerFlags, "header", "H", nil, "header attached to every request (name=value, repeatable)")
	pf.IntVar(&retryCount, "retry-count", 0, "retries per part for transient failures (0 = default)")
	pf.StringVar(&proxyMode, "proxy-mode", "", "proxy mode: system, basic or ntlm")
	pf.StringVar(&proxyURL, "proxy-url", "", "proxy endpoint for basic/ntlm modes")

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newUploadCmd())
	return rootCmd
}

// engineOptions assembles transfer options from the global flags.
func engineOptions() *transfer.Options {
	opts := &transfer.Options{
		Concurrent:        concurrent,
		MaxConcurrent:     maxConcurrent,
		PreferredPartSize: partSize,
	}

	if len(headerFlags) > 0 {
		opts.Headers = make(map[string]string, len(headerFlags))
		for _, h := range headerFlags {
			if name, value, ok := strings.Cut(h, "="); ok {
				opts.Headers[name] = value
			}
		}
	}

	opts.RequestOptions.RetryOptions.RetryMaxCount = retryCount
	if proxyMode != "" {
		opts.RequestOptions.Proxy = &client.ProxyOptions{
			Mode: proxyMode,
			URL:  proxyURL,
		}
	}
	return opts
}

// newUI picks the progress renderer for the batch size and mode.
func newUI(totalFiles int) progress.UI {
	if concurrent {
		return progress.NewTransferUI(totalFiles)
	}
	return progress.NewSerialUI()
}
