package main

import (
	"encoding/json"
	"fmt"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// withStore opens the configured store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(graphstore.Store) error) error {
	s, err := config.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(s)
}

// withGraph is withStore for graph commands.
func withGraph(cmd *cobra.Command, fn func(graphstore.GraphStore) error) error {
	g, err := config.OpenGraph(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(g)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func parseProps(raw string) (map[string]any, error) {
	props := map[string]any{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("--props must be a JSON object: %w", err)
	}
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

var setCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store an entity under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		id, _ := cmd.Flags().GetString("id")
		raw, _ := cmd.Flags().GetString("props")
		if id == "" {
			id = uuid.NewString()
		}
		props, err := parseProps(raw)
		if err != nil {
			return err
		}
		e := graphstore.Entity{ID: id, Type: typ, Properties: props}
		return withStore(cmd, func(s graphstore.Store) error {
			if err := s.Set(cmd.Context(), args[0], e); err != nil {
				return err
			}
			stored, _, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, stored)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the entity stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s graphstore.Store) error {
			e, ok, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %q not found", args[0])
			}
			return printJSON(cmd, e)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s graphstore.Store) error {
			ok, err := s.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]bool{"deleted": ok})
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every entity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s graphstore.Store) error {
			return s.Clear(cmd.Context())
		})
	},
}

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the number of stored keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s graphstore.Store) error {
			n, err := s.Size(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int{"size": n})
		})
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage edges",
}

var edgeAddCmd = &cobra.Command{
	Use:   "add <from> <to> <type>",
	Short: "Create or update an edge between two entity ids",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("props")
		props, err := parseProps(raw)
		if err != nil {
			return err
		}
		edge := graphstore.Edge{From: args[0], To: args[1], Type: args[2], Properties: props}
		return withGraph(cmd, func(g graphstore.GraphStore) error {
			return g.AddEdge(cmd.Context(), edge)
		})
	},
}

var edgesCmd = &cobra.Command{
	Use:   "edges <node>",
	Short: "List the edges touching an entity id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGraph(cmd, func(g graphstore.GraphStore) error {
			edges, err := g.GetEdges(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, edges)
		})
	},
}

var traverseCmd = &cobra.Command{
	Use:   "traverse <start>",
	Short: "List paths from an entity id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		dir, _ := cmd.Flags().GetString("direction")
		types, _ := cmd.Flags().GetStringSlice("types")
		pattern := graphstore.TraversalPattern{
			StartNode: args[0],
			MaxDepth:  depth,
			Direction: graphstore.Direction(dir),
			EdgeTypes: types,
		}
		return withGraph(cmd, func(g graphstore.GraphStore) error {
			paths, err := g.Traverse(cmd.Context(), pattern)
			if err != nil {
				return err
			}
			return printJSON(cmd, paths)
		})
	},
}

var connectedCmd = &cobra.Command{
	Use:   "connected <node>",
	Short: "List entities within a number of hops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		return withGraph(cmd, func(g graphstore.GraphStore) error {
			nodes, err := g.FindConnected(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}
			return printJSON(cmd, nodes)
		})
	},
}

var shortestCmd = &cobra.Command{
	Use:   "shortest <from> <to>",
	Short: "Print the shortest path between two entity ids",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		return withGraph(cmd, func(g graphstore.GraphStore) error {
			p, err := g.ShortestPath(cmd.Context(), args[0], args[1], depth)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no path from %q to %q within %d hops", args[0], args[1], depth)
			}
			return printJSON(cmd, p)
		})
	},
}
