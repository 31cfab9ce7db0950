// Package cli is the command line front end of the ingestion pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/observability/logging"
)

const (
	ModeLocal     = "local"
	ModeDelegated = "delegated"

	StorageBackendAzure = "azure"

	lagReminder = "Indexing can lag behind this run by several minutes; searches issued right away may miss new content."
)

// Flags are the effective settings of one invocation. Defaults come from the
// environment, explicit flags win.
type Flags struct {
	Category       string
	SkipBlobs      bool
	StorageBackend string
	StoragePath    string
	StorageAccount string
	StorageKey     string
	Container      string
	SearchBackend  string
	SearchEndpoint string
	Index          string
	SearchKey      string
	Remove         bool
	RemoveAll      bool
	SkipIndexing   bool
	FromContainer  bool
	Mode           string
	Workers        int
	ChunkSize      int
	KeyEncoding    string
	Force          bool
	Verbose        bool
}

// Pipeline is the set of operations the command drives.
type Pipeline interface {
	IngestFiles(ctx context.Context, req domain.FilesRequest) (*domain.IngestReport, error)
	IngestContainer(ctx context.Context, req domain.ContainerRequest) (*domain.IngestReport, error)
	Remove(ctx context.Context, filename string) (int, error)
	RemoveAll(ctx context.Context) (int, error)
	Submit(ctx context.Context, req domain.ContainerRequest) (*domain.JobTicket, error)
}

// Builder assembles a pipeline for the given flags. The returned func
// releases its resources.
type Builder func(ctx context.Context, flags Flags, logger *slog.Logger) (Pipeline, func(), error)

func NewRootCommand(defaults Flags, build Builder) *cobra.Command {
	if defaults.Mode == "" {
		defaults.Mode = ModeLocal
	}
	flags := defaults
	cmd := &cobra.Command{
		Use:   "ingest [files-glob]",
		Short: "Chunk, upload and index energy data documents",
		Long: `Splits PDF, JSON, spreadsheet and text documents into chunks, uploads them
to blob storage and indexes them for retrieval.

Files are matched by a glob. With --from-container the documents already in
the storage container are indexed instead, either in this process or by a
remote worker (--mode delegated).`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("storageaccount") && !cmd.Flags().Changed("storage-backend") {
				flags.StorageBackend = StorageBackendAzure
			}
			return run(cmd, flags, args, build)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.Category, "category", defaults.Category, "value for the category field of every record indexed in this run")
	f.BoolVar(&flags.SkipBlobs, "skipblobs", defaults.SkipBlobs, "skip uploading source files to blob storage")
	f.StringVar(&flags.StorageBackend, "storage-backend", defaults.StorageBackend, "blob store backend: local or azure")
	f.StringVar(&flags.StoragePath, "storage-path", defaults.StoragePath, "root directory of the local blob store")
	f.StringVar(&flags.StorageAccount, "storageaccount", defaults.StorageAccount, "azure storage account name, selects the azure blob store")
	f.StringVar(&flags.StorageKey, "storagekey", defaults.StorageKey, "azure storage account key")
	f.StringVar(&flags.Container, "container", defaults.Container, "blob storage container name")
	f.StringVar(&flags.SearchBackend, "search-backend", defaults.SearchBackend, "search index backend: bleve or azure")
	f.StringVar(&flags.SearchEndpoint, "search-endpoint", defaults.SearchEndpoint, "search service endpoint (azure) or index directory (bleve)")
	f.StringVar(&flags.Index, "index", defaults.Index, "search index name, created when missing")
	f.StringVar(&flags.SearchKey, "search-key", defaults.SearchKey, "search service api key")
	f.BoolVar(&flags.Remove, "remove", false, "remove the matched documents from blob storage and the index")
	f.BoolVar(&flags.RemoveAll, "removeall", false, "remove every blob and every index record")
	f.BoolVar(&flags.SkipIndexing, "skip-indexing", defaults.SkipIndexing, "upload blobs without indexing them")
	f.BoolVar(&flags.FromContainer, "from-container", false, "index the documents already stored in the container")
	f.StringVar(&flags.Mode, "mode", defaults.Mode, "execution strategy for --from-container: local or delegated")
	f.IntVar(&flags.Workers, "workers", defaults.Workers, "concurrent documents, 0 means one per CPU")
	f.IntVar(&flags.ChunkSize, "chunk-size", defaults.ChunkSize, "minimum chunk length in bytes")
	f.StringVar(&flags.KeyEncoding, "key-encoding", defaults.KeyEncoding, "record key encoding: colon or base64")
	f.BoolVar(&flags.Force, "force", false, "reindex documents whose content did not change")
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")

	return cmd
}

func run(cmd *cobra.Command, flags Flags, args []string, build Builder) error {
	if err := validate(flags, args); err != nil {
		return err
	}

	level := "info"
	if flags.Verbose {
		level = "debug"
	}
	logger := logging.NewTextLogger(cmd.ErrOrStderr(), level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pipeline, release, err := build(ctx, flags, logger)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}

	out := cmd.OutOrStdout()
	switch {
	case flags.RemoveAll:
		removed, err := pipeline.RemoveAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed all blobs and %d index records\n", removed)
		return nil

	case flags.Remove:
		return removeMatches(ctx, out, pipeline, args[0])

	case flags.FromContainer:
		return ingestContainer(ctx, out, pipeline, flags)
	}

	fmt.Fprintln(out, "Processing files...")
	report, err := pipeline.IngestFiles(ctx, domain.FilesRequest{
		Pattern:        args[0],
		Category:       flags.Category,
		SkipBlobUpload: flags.SkipBlobs,
		SkipIndexing:   flags.SkipIndexing || flags.Mode == ModeDelegated,
		Force:          flags.Force,
	})
	if err != nil {
		return err
	}
	printReport(out, report)

	if flags.Mode == ModeDelegated && !flags.SkipIndexing {
		return submit(ctx, out, pipeline, flags)
	}
	if !flags.SkipIndexing {
		fmt.Fprintln(out, lagReminder)
	}
	return nil
}

func validate(flags Flags, args []string) error {
	if flags.Mode != ModeLocal && flags.Mode != ModeDelegated {
		return domain.WrapError(domain.ErrInvalidInput, "parse flags", fmt.Errorf("unknown mode %q", flags.Mode))
	}
	if flags.RemoveAll || flags.FromContainer {
		return nil
	}
	if len(args) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "parse flags", errors.New("a files glob is required"))
	}
	if _, err := filepath.Match(args[0], ""); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "parse flags", fmt.Errorf("bad glob %q: %w", args[0], err))
	}
	return nil
}

func removeMatches(ctx context.Context, out io.Writer, pipeline Pipeline, pattern string) error {
	matches, _ := filepath.Glob(pattern)
	if len(matches) == 0 {
		matches = []string{pattern}
	}
	total := 0
	for _, filename := range matches {
		removed, err := pipeline.Remove(ctx, filename)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s (%d index records)\n", filename, removed)
		total += removed
	}
	if len(matches) > 1 {
		fmt.Fprintf(out, "Removed %d index records in total\n", total)
	}
	return nil
}

func ingestContainer(ctx context.Context, out io.Writer, pipeline Pipeline, flags Flags) error {
	if flags.Mode == ModeDelegated {
		return submit(ctx, out, pipeline, flags)
	}
	report, err := pipeline.IngestContainer(ctx, domain.ContainerRequest{
		Container: flags.Container,
		Category:  flags.Category,
		Force:     flags.Force,
	})
	if err != nil {
		return err
	}
	printReport(out, report)
	fmt.Fprintln(out, lagReminder)
	return nil
}

func submit(ctx context.Context, out io.Writer, pipeline Pipeline, flags Flags) error {
	ticket, err := pipeline.Submit(ctx, domain.ContainerRequest{
		Container: flags.Container,
		Category:  flags.Category,
		Force:     flags.Force,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Submitted indexing job %s (manifest %s)\n", ticket.ID, ticket.Manifest)
	fmt.Fprintln(out, ticket.Message)
	return nil
}

func printReport(out io.Writer, report *domain.IngestReport) {
	if report == nil {
		return
	}
	fmt.Fprintf(out, "Documents: %d, indexed: %d, unchanged: %d, failed: %d, records: %d",
		report.Documents, report.Indexed, report.Skipped, report.Failed, report.Records)
	if report.FailedRecords > 0 {
		fmt.Fprintf(out, ", rejected records: %d", report.FailedRecords)
	}
	fmt.Fprintln(out)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  failed %s after %s: %s\n", f.SourceFile, f.Stage, f.Error)
	}
}
