package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssd-technologies/confluence/internal/merge"
	"github.com/ssd-technologies/confluence/internal/record"
	"github.com/ssd-technologies/confluence/internal/storage"
)

// storeFlags selects the database an inspection command reads.
type storeFlags struct {
	db    string
	limit int
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.db, "db", "", "database path (default: storage.path from config)")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "maximum rows")
}

func (f *storeFlags) open(rootOpts *RootOptions) (*storage.DB, error) {
	path := f.db
	if path == "" {
		cfg, err := rootOpts.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Storage.Path
	}
	db, err := storage.NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// NewEntitiesCommand creates the entities command.
func NewEntitiesCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		sf            storeFlags
		kind          string
		partition     string
		minConfidence float64
	)

	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List merged knowledge entities",
		Long: `List entities from the local store, ordered by ID.

Examples:
  confluence-node entities --kind memory --min-confidence 0.8
  confluence-node entities --partition shared --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sf.open(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			ents, err := db.QueryEntities(cmd.Context(), merge.EntityQuery{
				Kind:          record.Kind(kind),
				Partition:     record.Partition(partition),
				MinConfidence: minConfidence,
				Limit:         sf.limit,
			})
			if err != nil {
				return err
			}

			p := printer{w: cmd.OutOrStdout(), format: rootOpts.Format}
			if p.format == "json" {
				return p.json(ents)
			}
			rows := make([][]string, 0, len(ents))
			for _, e := range ents {
				rows = append(rows, []string{
					e.ID,
					string(e.Kind),
					string(e.Partition),
					strconv.FormatFloat(e.Confidence, 'f', 3, 64),
					strconv.Itoa(len(e.Sources)),
					truncate(e.Content, 60),
				})
			}
			return p.table([]string{"ID", "KIND", "PARTITION", "CONFIDENCE", "SOURCES", "CONTENT"}, rows)
		},
	}

	sf.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&partition, "partition", "", "filter by partition")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "minimum confidence")
	return cmd
}

// NewPeersCommand creates the peers command.
func NewPeersCommand(rootOpts *RootOptions) *cobra.Command {
	var sf storeFlags

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List known peers and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sf.open(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			peers, err := db.LoadPeers(cmd.Context())
			if err != nil {
				return err
			}
			if sf.limit > 0 && len(peers) > sf.limit {
				peers = peers[:sf.limit]
			}

			p := printer{w: cmd.OutOrStdout(), format: rootOpts.Format}
			if p.format == "json" {
				return p.json(peers)
			}
			rows := make([][]string, 0, len(peers))
			for _, d := range peers {
				rows = append(rows, []string{
					string(d.ID),
					d.Endpoint,
					strconv.FormatFloat(d.Health, 'f', 2, 64),
					strconv.FormatFloat(d.Reliability, 'f', 2, 64),
					formatTime(d.LastContact),
				})
			}
			return p.table([]string{"ID", "ENDPOINT", "HEALTH", "RELIABILITY", "LAST CONTACT"}, rows)
		},
	}

	sf.register(cmd)
	return cmd
}

// NewDecisionsCommand creates the decisions command.
func NewDecisionsCommand(rootOpts *RootOptions) *cobra.Command {
	var sf storeFlags

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent capability resolution decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sf.open(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			decs, err := db.ListDecisions(cmd.Context(), sf.limit)
			if err != nil {
				return err
			}

			p := printer{w: cmd.OutOrStdout(), format: rootOpts.Format}
			if p.format == "json" {
				return p.json(decs)
			}
			rows := make([][]string, 0, len(decs))
			for _, d := range decs {
				source := string(d.Source)
				if d.Fallback {
					source += " (fallback)"
				}
				rows = append(rows, []string{
					formatTime(d.At),
					string(d.Operation),
					source,
					d.Latency.Round(time.Microsecond).String(),
					truncate(d.Reason, 50),
					d.Error,
				})
			}
			return p.table([]string{"AT", "OPERATION", "SOURCE", "LATENCY", "REASON", "ERROR"}, rows)
		},
	}

	sf.register(cmd)
	return cmd
}

// NewReviewsCommand creates the reviews command and its resolve subcommand.
func NewReviewsCommand(rootOpts *RootOptions) *cobra.Command {
	var sf storeFlags

	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List merges deferred for human review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sf.open(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()

			reviews, err := db.PendingReviews(cmd.Context(), sf.limit)
			if err != nil {
				return err
			}

			p := printer{w: cmd.OutOrStdout(), format: rootOpts.Format}
			if p.format == "json" {
				return p.json(reviews)
			}
			rows := make([][]string, 0, len(reviews))
			for _, r := range reviews {
				rows = append(rows, []string{
					r.ID,
					r.EntityID,
					strconv.FormatFloat(r.Score, 'f', 3, 64),
					truncate(r.Reason, 50),
					formatTime(r.CreatedAt),
				})
			}
			return p.table([]string{"ID", "ENTITY", "SCORE", "REASON", "CREATED"}, rows)
		},
	}
	sf.register(cmd)

	var resolveFlags storeFlags
	resolve := &cobra.Command{
		Use:   "resolve <review-id>",
		Short: "Mark a deferred review as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := resolveFlags.open(rootOpts)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.ResolveReview(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[0])
			return nil
		},
	}
	resolveFlags.register(resolve)
	cmd.AddCommand(resolve)

	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
