package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/engramai/engramlite/pkg/engramlite"
)

// entityCommands covers connections, collections, agents, and contexts.
func entityCommands() []*cobra.Command {
	return []*cobra.Command{
		newAddConnectionCmd(),
		newGetConnectionCmd(),
		newListConnectionsCmd(),
		newDeleteConnectionCmd(),
		newCreateCollectionCmd(),
		newGetCollectionCmd(),
		newAddToCollectionCmd(),
		newRemoveFromCollectionCmd(),
		newListCollectionsCmd(),
		newDeleteCollectionCmd(),
		newCreateAgentCmd(),
		newGetAgentCmd(),
		newGrantAccessCmd(),
		newRevokeAccessCmd(),
		newListAgentsCmd(),
		newDeleteAgentCmd(),
		newCreateContextCmd(),
		newGetContextCmd(),
		newAddToContextCmd(),
		newRemoveFromContextCmd(),
		newAddAgentToContextCmd(),
		newRemoveAgentFromContextCmd(),
		newListContextsCmd(),
		newDeleteContextCmd(),
	}
}

func newAddConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-connection <source-id> <target-id> <type> <weight>",
		Short: "Connect two engrams and print the connection id",
		Args:  exactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := parseFloatArg(args[3], "weight")
			if err != nil {
				return err
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				c, err := db.AddConnection(args[0], args[1], args[2], weight)
				if err != nil {
					return err
				}
				fmt.Println(c.ID)
				return nil
			})
		},
	}
}

func newGetConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-connection <id>",
		Short: "Print one connection record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				c, err := db.GetConnection(args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func newListConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-connections",
		Short: "Print stored connections",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				conns, err := db.ListConnections()
				if err != nil {
					return err
				}
				return printJSON(notNil(conns))
			})
		},
	}
}

func newDeleteConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-connection <id>",
		Short: "Delete a connection; both endpoints stay",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.DeleteConnection(args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newCreateCollectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-collection <name> [description]",
		Short: "Create a collection and print its id",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := ""
			if len(args) == 2 {
				description = args[1]
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				col, err := db.CreateCollection(args[0], description)
				if err != nil {
					return err
				}
				fmt.Println(col.ID)
				return nil
			})
		},
	}
}

func newGetCollectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-collection <id>",
		Short: "Print one collection record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				col, err := db.GetCollection(args[0])
				if err != nil {
					return err
				}
				return printJSON(col)
			})
		},
	}
}

func newAddToCollectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-to-collection <engram-id> <collection-id>",
		Short: "Add an engram to a collection",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.AddToCollection(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newRemoveFromCollectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-from-collection <engram-id> <collection-id>",
		Short: "Remove an engram from a collection; the engram stays",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.RemoveFromCollection(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newListCollectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-collections",
		Short: "Print stored collections",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				cols, err := db.ListCollections()
				if err != nil {
					return err
				}
				return printJSON(notNil(cols))
			})
		},
	}
}

func newDeleteCollectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-collection <id>",
		Short: "Delete a collection; member engrams stay",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.DeleteCollection(args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newCreateAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-agent <name> [description]",
		Short: "Create an agent and print its id",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := ""
			if len(args) == 2 {
				description = args[1]
			}
			capabilities, _ := cmd.Flags().GetStringSlice("capability")
			return withDB(cmd, func(db *engramlite.DB) error {
				a, err := db.CreateAgent(args[0], description, capabilities...)
				if err != nil {
					return err
				}
				fmt.Println(a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("capability", nil, "capability to record on the agent (repeatable)")
	return cmd
}

func newGetAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-agent <id>",
		Short: "Print one agent record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				a, err := db.GetAgent(args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func newGrantAccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-access <agent-id> <collection-id>",
		Short: "Grant an agent access to a collection",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.GrantAccess(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newRevokeAccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-access <agent-id> <collection-id>",
		Short: "Revoke an agent's access to a collection",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.RevokeAccess(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newListAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-agents",
		Short: "Print stored agents",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				agents, err := db.ListAgents()
				if err != nil {
					return err
				}
				return printJSON(notNil(agents))
			})
		},
	}
}

func newDeleteAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-agent <id>",
		Short: "Delete an agent and withdraw it from every context",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.DeleteAgent(args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newCreateContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-context <name> [description]",
		Short: "Create a context and print its id",
		Args:  rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := ""
			if len(args) == 2 {
				description = args[1]
			}
			return withDB(cmd, func(db *engramlite.DB) error {
				c, err := db.CreateContext(args[0], description)
				if err != nil {
					return err
				}
				fmt.Println(c.ID)
				return nil
			})
		},
	}
}

func newGetContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-context <id>",
		Short: "Print one context record",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				c, err := db.GetContext(args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func newAddToContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-to-context <engram-id> <context-id>",
		Short: "Add an engram to a context",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.AddToContext(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newRemoveFromContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-from-context <engram-id> <context-id>",
		Short: "Remove an engram from a context; the engram stays",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.RemoveFromContext(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newAddAgentToContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-agent-to-context <agent-id> <context-id>",
		Short: "Register an agent as a context participant",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.AddAgentToContext(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newRemoveAgentFromContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-agent-from-context <agent-id> <context-id>",
		Short: "Withdraw an agent from a context",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.RemoveAgentFromContext(args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}

func newListContextsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-contexts",
		Short: "Print stored contexts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				ctxs, err := db.ListContexts()
				if err != nil {
					return err
				}
				return printJSON(notNil(ctxs))
			})
		},
	}
}

func newDeleteContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-context <id>",
		Short: "Delete a context; members and participants stay",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *engramlite.DB) error {
				if err := db.DeleteContext(args[0]); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}
