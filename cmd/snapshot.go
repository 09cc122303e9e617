package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
)

// newSnapshotCmd creates the 'snapshot' subcommand, which summarizes a saved
// session checkpoint without touching the network.
func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the state of a saved crawl snapshot",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotCommand,
	}
	cmd.Flags().String("site", "", "site whose default snapshot to read")
	cmd.Flags().String("path", "", "snapshot file to read")
	cmd.Flags().String("output", "output", "output directory holding default snapshots")
	cmd.MarkFlagsMutuallyExclusive("site", "path")
	cmd.MarkFlagsOneRequired("site", "path")
	return cmd
}

func runSnapshotCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	path, err := cmd.Flags().GetString("path")
	if err != nil {
		return fmt.Errorf("read path flag: %w", err)
	}
	if path == "" {
		site, err := cmd.Flags().GetString("site")
		if err != nil {
			return fmt.Errorf("read site flag: %w", err)
		}
		seed, err := crawler.SeedURL(site)
		if err != nil {
			return fmt.Errorf("invalid site %q: %w", site, err)
		}
		path = e.cfg.ResolveSnapshotPath(crawler.FileSafeHost(crawler.HostOf(seed)))
	}

	snap, err := local.NewSnapshotFile(path).ReadSnapshot(cmd.Context())
	if errors.Is(err, crawler.ErrSnapshotNotFound) {
		return fmt.Errorf("no snapshot at %s", path)
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	printSnapshot(cmd.OutOrStdout(), path, snap)
	return nil
}

func printSnapshot(w io.Writer, path string, snap crawler.Snapshot) {
	counts := map[crawler.Status]int{}
	for _, rec := range snap.Frontier.Records {
		counts[rec.Status]++
	}
	fmt.Fprintf(w, "snapshot:       %s\n", path)
	fmt.Fprintf(w, "session:        %s\n", snap.SessionID)
	fmt.Fprintf(w, "created:        %s\n", snap.CreatedAt.Format(time.RFC3339))
	for _, seed := range snap.Seeds {
		fmt.Fprintf(w, "seed:           %s\n", seed)
	}
	fmt.Fprintf(w, "visited:        %d\n", counts[crawler.StatusVisited])
	fmt.Fprintf(w, "failed:         %d\n", counts[crawler.StatusFailed])
	fmt.Fprintf(w, "pending:        %d\n", len(snap.Frontier.Pending))
	fmt.Fprintf(w, "edges:          %d\n", len(snap.Frontier.Edges))
	fmt.Fprintf(w, "external hosts: %d\n", len(snap.Frontier.ExternalHosts))
	fmt.Fprintf(w, "cached pages:   %d\n", len(snap.Cache))
}
