package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramai/engramlite/pkg/engramlite"
	"github.com/engramai/engramlite/pkg/graph"
	"github.com/engramai/engramlite/pkg/query"
	"github.com/engramai/engramlite/pkg/search"
	"github.com/engramai/engramlite/pkg/storage"
)

// engramCommands covers storing, reading, querying, and searching
// engrams.
func engramCommands() []*cobra.Command {
	return []*cobra.Command{
		newAddEngramCmd(),
		newGetEngramCmd(),
		newListEngramsCmd(),
		newDeleteEngramCmd(),
		newQueryCmd(),
		newFilterByConfidenceCmd(),
		newFilterBySourceCmd(),
		newSearchCmd(),
		newRelationshipsCmd(),
		newConnectionsOfCmd(),
		newTraverseCmd(),
		newFindPathsCmd(),
	}
}

func newAddEngramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-engram <content> <source> <confidence>",
		Short: "Store a new engram and print its id",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			confidence, err := parseFloatArg(args[2], "confidence")
			if err != nil {
				return err
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				e, err := db.AddEngram(cmd.Context(), args[0], args[1], confidence)
				if err != nil {
					return err
				}
				fmt.Println(e.ID)
				return nil
			})
		},
	}
}

func newGetEngramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-engram <id>",
		Short: "Print one engram record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				e, err := db.GetEngram(args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func newListEngramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-engrams",
		Short: "Print the newest engrams, most recent first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				engrams, err := db.ListEngrams()
				if err != nil {
					return err
				}
				return printJSON(notNil(engrams))
			})
		},
	}
}

func newDeleteEngramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-engram <id>",
		Short: "Delete an engram and everything referencing it",
		Long: `Delete an engram together with its vector, every connection touching
it, and its memberships in collections and contexts. Prints what the
cascade removed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				res, err := db.DeleteEngram(args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [source]",
		Short: "Select engrams by any combination of index criteria",
		Long: `Select engrams by the conjunction of the given criteria. With no
criteria at all the newest engrams are returned. Timestamps for --before
and --after use RFC 3339, for example 2026-08-25T00:00:00Z.`,
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.EngramQuery{}
			if len(args) == 1 {
				q.Source = args[0]
			}
			q.Text, _ = cmd.Flags().GetString("text")
			q.ExactText, _ = cmd.Flags().GetBool("exact")
			q.MetadataKey, _ = cmd.Flags().GetString("metadata-key")
			if cmd.Flags().Changed("metadata-value") {
				v, _ := cmd.Flags().GetString("metadata-value")
				q.MetadataValue = v
			}
			q.MetadataSubstring, _ = cmd.Flags().GetBool("metadata-substring")
			q.MinConfidence, _ = cmd.Flags().GetFloat64("min-confidence")
			q.MinImportance, _ = cmd.Flags().GetFloat64("min-importance")
			q.MinAccessCount, _ = cmd.Flags().GetUint64("min-access-count")
			q.Limit, _ = cmd.Flags().GetInt("limit")

			var err error
			if q.Before, err = parseTimeFlag(cmd, "before"); err != nil {
				return err
			}
			if q.After, err = parseTimeFlag(cmd, "after"); err != nil {
				return err
			}
			q.Year, _ = cmd.Flags().GetInt("year")
			month, _ := cmd.Flags().GetInt("month")
			q.Month = time.Month(month)
			q.Day, _ = cmd.Flags().GetInt("day")

			sortOrder, _ := cmd.Flags().GetString("sort")
			if q.Sort, err = query.ParseSort(sortOrder); err != nil {
				return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}

			return withDB(cmd, func(db *engramlite.DB) error {
				engrams, err := db.QueryEngrams(q)
				if err != nil {
					return err
				}
				return printJSON(notNil(engrams))
			})
		},
	}
	cmd.Flags().String("text", "", "match content against the text index")
	cmd.Flags().Bool("exact", false, "require every text token to match")
	cmd.Flags().String("metadata-key", "", "require a metadata key")
	cmd.Flags().String("metadata-value", "", "require the metadata key to carry this value")
	cmd.Flags().Bool("metadata-substring", false, "match the metadata value as a substring")
	cmd.Flags().Float64("min-confidence", 0, "minimum confidence")
	cmd.Flags().Float64("min-importance", 0, "minimum importance")
	cmd.Flags().Uint64("min-access-count", 0, "minimum access count")
	cmd.Flags().String("before", "", "created strictly before this RFC 3339 timestamp")
	cmd.Flags().String("after", "", "created strictly after this RFC 3339 timestamp")
	cmd.Flags().Int("year", 0, "created in this calendar year")
	cmd.Flags().Int("month", 0, "created in this month (requires --year)")
	cmd.Flags().Int("day", 0, "created on this day (requires --year and --month)")
	cmd.Flags().String("sort", "", "result order: recency, importance, or relevance")
	cmd.Flags().Int("limit", 0, "cap the result count")
	return cmd
}

func newFilterByConfidenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter-by-confidence <min>",
		Short: "Print engrams at or above a confidence threshold",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := parseFloatArg(args[0], "confidence")
			if err != nil {
				return err
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				engrams, err := db.FilterByConfidence(threshold)
				if err != nil {
					return err
				}
				return printJSON(notNil(engrams))
			})
		},
	}
}

func newFilterBySourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter-by-source <source>",
		Short: "Print engrams attributed to one source",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				engrams, err := db.FilterBySource(args[0])
				if err != nil {
					return err
				}
				return printJSON(notNil(engrams))
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	defaults := search.DefaultWeights()
	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Hybrid keyword, vector, and metadata search",
		Long: `Search engrams by fusing keyword relevance, embedding similarity, and
metadata filters. A bare text argument feeds both the keyword and the
vector component; --text and --vector-text steer them separately.`,
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := search.Query{}
			q.Text, _ = cmd.Flags().GetString("text")
			q.VectorText, _ = cmd.Flags().GetString("vector-text")
			if len(args) == 1 {
				if q.Text == "" {
					q.Text = args[0]
				}
				if q.VectorText == "" {
					q.VectorText = args[0]
				}
			}
			q.Source, _ = cmd.Flags().GetString("source")
			q.MinConfidence, _ = cmd.Flags().GetFloat64("min-confidence")
			q.MetadataKey, _ = cmd.Flags().GetString("metadata-key")
			if cmd.Flags().Changed("metadata-value") {
				v, _ := cmd.Flags().GetString("metadata-value")
				q.MetadataValue = v
			}
			q.Limit, _ = cmd.Flags().GetInt("limit")

			method, _ := cmd.Flags().GetString("method")
			var err error
			if q.Method, err = search.ParseMethod(method); err != nil {
				return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
			}
			q.Weights.Keyword, _ = cmd.Flags().GetFloat64("keyword-weight")
			q.Weights.Vector, _ = cmd.Flags().GetFloat64("vector-weight")
			q.Weights.Metadata, _ = cmd.Flags().GetFloat64("metadata-weight")

			collectionID, _ := cmd.Flags().GetString("collection")
			return withDB(cmd, func(db *engramlite.DB) error {
				var results []search.Result
				if collectionID != "" {
					results, err = db.SearchCollection(cmd.Context(), collectionID, q)
				} else {
					results, err = db.Search(cmd.Context(), q)
				}
				if err != nil {
					return err
				}
				return printJSON(notNil(results))
			})
		},
	}
	cmd.Flags().String("text", "", "keyword query")
	cmd.Flags().String("vector-text", "", "text to embed for the vector component")
	cmd.Flags().String("source", "", "restrict to one source")
	cmd.Flags().Float64("min-confidence", 0, "minimum confidence")
	cmd.Flags().String("metadata-key", "", "require a metadata key")
	cmd.Flags().String("metadata-value", "", "require the metadata key to carry this value")
	cmd.Flags().String("collection", "", "restrict to one collection's members")
	cmd.Flags().String("method", "", "fusion method: weighted, sum, or max")
	cmd.Flags().Float64("keyword-weight", defaults.Keyword, "keyword component weight")
	cmd.Flags().Float64("vector-weight", defaults.Vector, "vector component weight")
	cmd.Flags().Float64("metadata-weight", defaults.Metadata, "metadata component weight")
	cmd.Flags().Int("limit", search.DefaultLimit, "maximum results")
	return cmd
}

func newRelationshipsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relationships",
		Short: "Select connections by source, target, or type",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.RelationshipQuery{}
			q.SourceID, _ = cmd.Flags().GetString("source")
			q.TargetID, _ = cmd.Flags().GetString("target")
			q.Type, _ = cmd.Flags().GetString("type")
			q.MinWeight, _ = cmd.Flags().GetFloat64("min-weight")
			return withDB(cmd, func(db *engramlite.DB) error {
				conns, err := db.Relationships(q)
				if err != nil {
					return err
				}
				return printJSON(notNil(conns))
			})
		},
	}
	cmd.Flags().String("source", "", "connections leaving this engram")
	cmd.Flags().String("target", "", "connections arriving at this engram")
	cmd.Flags().String("type", "", "connections of this relationship type")
	cmd.Flags().Float64("min-weight", 0, "minimum connection weight")
	return cmd
}

func newConnectionsOfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections-of <engram-id> [type]",
		Short: "Print every connection touching an engram",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			relType := ""
			if len(args) == 2 {
				relType = args[1]
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				conns, err := db.ConnectionsOf(args[0], relType)
				if err != nil {
					return err
				}
				return printJSON(notNil(conns))
			})
		},
	}
}

func newTraverseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traverse <engram-id>",
		Short: "Walk connection edges from an engram",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			depth, _ := cmd.Flags().GetInt("depth")
			types, _ := cmd.Flags().GetStringSlice("type")
			dirName, _ := cmd.Flags().GetString("direction")
			dir, err := parseDirection(dirName)
			if err != nil {
				return err
			}
			t := query.Traversal{
				Origin:    args[0],
				MaxDepth:  depth,
				Types:     types,
				Direction: dir,
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				res, err := db.Traverse(t)
				if err != nil {
					return err
				}
				return printJSON(struct {
					Engrams     []*storage.Engram     `json:"engrams"`
					Connections []*storage.Connection `json:"connections"`
				}{notNil(res.Engrams), notNil(res.Connections)})
			})
		},
	}
	cmd.Flags().Int("depth", 1, "maximum hops from the origin")
	cmd.Flags().StringSlice("type", nil, "restrict the walk to these relationship types")
	cmd.Flags().String("direction", "outgoing", "edge direction: outgoing, incoming, or both")
	return cmd
}

func newFindPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-paths <source-id> <target-id> <max-depth>",
		Short: "Enumerate simple paths between two engrams",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			depth, err := parseIntArg(args[2], "max depth")
			if err != nil {
				return err
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				paths, err := db.FindPaths(args[0], args[1], depth)
				if err != nil {
					return err
				}
				return printJSON(notNil(paths))
			})
		},
	}
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --%s %q is not an RFC 3339 timestamp", storage.ErrInvalidInput, name, s)
	}
	return t, nil
}

func parseDirection(s string) (graph.Direction, error) {
	switch s {
	case "", "outgoing":
		return graph.Outgoing, nil
	case "incoming":
		return graph.Incoming, nil
	case "both":
		return graph.Both, nil
	}
	return 0, fmt.Errorf("%w: direction %q is not outgoing, incoming, or both", storage.ErrInvalidInput, s)
}
