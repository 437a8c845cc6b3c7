package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engramai/engramlite/pkg/engramlite"
	"github.com/engramai/engramlite/pkg/memory"
	"github.com/engramai/engramlite/pkg/storage"
)

// maintenanceCommands covers snapshots, store upkeep, and the memory
// manager's levers.
func maintenanceCommands() []*cobra.Command {
	return []*cobra.Command{
		newExportCmd(),
		newImportCmd(),
		newStatsCmd(),
		newCompactCmd(),
		newRefreshCmd(),
		newEmbedMissingCmd(),
		newTrainReducerCmd(),
		newRecalcImportanceCmd(),
		newSetImportanceCmd(),
		newSetTTLCmd(),
		newExpiredCmd(),
		newForgetCmd(),
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file> [collection-id]",
		Short: "Write a JSON snapshot of the store",
		Long: `Write a JSON snapshot of every engram, connection, collection, agent,
and context. With a collection id, the snapshot narrows to that
collection, its member engrams, and the connections between them.`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collectionID := ""
			if len(args) == 2 {
				collectionID = args[1]
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.Export(args[0], collectionID); err != nil {
					return err
				}
				fmt.Printf("snapshot written to %s\n", args[0])
				return nil
			})
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Restore a JSON snapshot into the store",
		Long: `Restore a snapshot produced by export. Records whose ids already exist
are replaced; everything lands in one atomic batch. Vectors are not part
of snapshots, so run embed-missing afterwards to rebuild them.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				counts, err := db.Import(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("imported %s\n", counts)
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store, graph, index, and cache statistics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				stats, err := db.Stats()
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the store and rebuild the vector index",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.Compact(); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the graph and every index from the store",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.Refresh(); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newEmbedMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embed-missing",
		Short: "Embed every engram that has no stored vector",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				n, err := db.EmbedMissing(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("embedded %d engrams\n", n)
				return nil
			})
		},
	}
}

func newTrainReducerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train-reducer",
		Short: "Fit the dimensionality reducer on the stored vectors",
		Long: `Fit the configured dimensionality reducer on the stored vectors,
rewrite every embedding record's reduced form, and rebuild the vector
index at the reduced width. Requires vector.reducer to be configured.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				n, err := db.TrainReducer()
				if err != nil {
					return err
				}
				fmt.Printf("rewrote %d embedding records\n", n)
				return nil
			})
		},
	}
}

func newRecalcImportanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc-importance",
		Short: "Rescore every engram's importance once",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				n, err := db.RecalculateImportance(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("rescored %d engrams\n", n)
				return nil
			})
		},
	}
}

func newSetImportanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-importance <id> <importance>",
		Short: "Pin an engram's importance in [0,1]",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			importance, err := parseFloatArg(args[1], "importance")
			if err != nil {
				return err
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.SetImportance(args[0], importance); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newSetTTLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-ttl <id> <seconds|none>",
		Short: "Set or clear an engram's time-to-live",
		Long: `Set how long an engram stays fresh after its last access, in seconds,
or clear the limit with the literal none. An expired engram stays
readable; it only goes away when a ttl forgetting policy runs.`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ttl *uint64
			if args[1] != "none" {
				secs, err := parseUintArg(args[1], "ttl seconds")
				if err != nil {
					return err
				}
				ttl = &secs
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.SetTTL(args[0], ttl); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expired",
		Short: "Print the ids of engrams whose TTL has elapsed",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				ids, err := db.ExpiredEngramIDs()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
}

func newForgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Apply a forgetting policy and print the removed ids",
		Long: `Apply a forgetting policy and delete every selected engram through the
usual cascade. Policies:

  age         engrams created at least --max-age ago
  importance  engrams scored at or below --max-importance
  access      engrams read at most --max-access-count times and idle
              for at least --min-idle
  hybrid      all three criteria at once
  ttl         engrams whose time-to-live has elapsed

--max-items caps how many engrams one pass removes; --dry-run prints
the candidates without deleting anything.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("policy")
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			maxImportance, _ := cmd.Flags().GetFloat64("max-importance")
			maxAccess, _ := cmd.Flags().GetUint64("max-access-count")
			minIdle, _ := cmd.Flags().GetDuration("min-idle")
			maxItems, _ := cmd.Flags().GetInt("max-items")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			var policy memory.Policy
			switch kind {
			case "age", string(memory.PolicyAgeBased):
				policy = memory.AgeBased(maxAge, maxItems)
			case "importance", string(memory.PolicyImportanceThreshold):
				policy = memory.ImportanceThreshold(maxImportance, maxItems)
			case "access", string(memory.PolicyAccessFrequency):
				policy = memory.AccessFrequency(maxAccess, minIdle, maxItems)
			case string(memory.PolicyHybrid):
				policy = memory.Hybrid(maxImportance, maxAccess, minIdle, maxItems)
			case "ttl", string(memory.PolicyTTLExpiration):
				policy = memory.TTLExpiration(maxItems)
			default:
				return fmt.Errorf("%w: unknown forgetting policy %q", storage.ErrInvalidInput, kind)
			}

			return withDB(cmd, func(db *engramlite.DB) error {
				var ids []string
				var err error
				if dryRun {
					ids, err = db.ForgettingCandidates(policy)
				} else {
					ids, err = db.Forget(policy)
				}
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("policy", "", "policy kind: age, importance, access, hybrid, or ttl")
	cmd.Flags().Duration("max-age", 0, "age threshold for the age policy, e.g. 720h")
	cmd.Flags().Float64("max-importance", 0, "importance ceiling for the importance and hybrid policies")
	cmd.Flags().Uint64("max-access-count", 0, "access ceiling for the access and hybrid policies")
	cmd.Flags().Duration("min-idle", 0, "idle floor for the access and hybrid policies, e.g. 168h")
	cmd.Flags().Int("max-items", 0, "cap on removals per pass, 0 means no cap")
	cmd.Flags().Bool("dry-run", false, "print candidates without deleting")
	return cmd
}
