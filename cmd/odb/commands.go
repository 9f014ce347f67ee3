package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andreyvit/odb"
)

var (
	dumpEntities bool
	dumpIndices  bool
	dumpLinks    bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print extents with their entities and indices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := odb.DumpExtentHeaders | odb.DumpStats
		if dumpEntities {
			flags |= odb.DumpEntities
		}
		if dumpIndices {
			flags |= odb.DumpIndices | odb.DumpIndexEntries
		}
		if dumpLinks {
			flags |= odb.DumpEntities | odb.DumpLinks
		}
		return withDB(func(db *odb.DB) error {
			return db.Read(func(tx *odb.Tx) error {
				fmt.Fprint(cmd.OutOrStdout(), tx.Dump(flags))
				return nil
			})
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that indices, links and counters agree with the stored entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(db *odb.DB) error {
			return db.Read(func(tx *odb.Tx) error {
				if err := tx.Verify(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [extent...]",
	Short: "Print per-extent statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(db *odb.DB) error {
			return db.Read(func(tx *odb.Tx) error {
				names := args
				if len(names) == 0 {
					names = tx.ExtentNames()
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-24s %10s %8s %12s %10s %12s\n", "EXTENT", "ENTITIES", "INDICES", "IDX ENTRIES", "LINKS", "DATA")
				for _, name := range names {
					st, err := tx.ExtentStats(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%-24s %10d %8d %12d %10d %12d\n", name, st.Entities, st.Indices, st.IndexEntries, st.Links, st.DataSize)
				}
				return nil
			})
		})
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal [dir]",
	Short: "Print change sets recorded in a journal directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) > 0 {
			dir = args[0]
		} else if configPath != "" {
			cfg, err := odb.LoadConfig(configPath)
			if err != nil {
				return err
			}
			dir = cfg.JournalDir
		}
		if dir == "" {
			return fmt.Errorf("no journal directory specified")
		}
		sets, err := odb.ReadJournal(dir)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, cs := range sets {
			var parts []string
			for _, chg := range cs.Changes {
				parts = append(parts, chg.String())
			}
			label := cs.Label
			if cs.Bulk {
				label += " (bulk)"
			}
			fmt.Fprintf(w, "%s %s %s: %s\n", cs.Time.Format("2006-01-02 15:04:05"), cs.ID, label, strings.Join(parts, ", "))
		}
		return nil
	},
}

var extentsCmd = &cobra.Command{
	Use:   "extents",
	Short: "List extents with their fields and indices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(db *odb.DB) error {
			return db.Read(func(tx *odb.Tx) error {
				w := cmd.OutOrStdout()
				for _, name := range tx.ExtentNames() {
					info, err := tx.Extent(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s #%d: %d entities, next oid %d\n", info.Name, info.ID, info.Count, info.NextOID)
					fmt.Fprintf(w, "  fields: %s\n", strings.Join(info.Fields, ", "))
					for _, idx := range info.Indices {
						kind := "index"
						if idx.Unique {
							kind = "key"
						}
						fmt.Fprintf(w, "  %s(%s)\n", kind, strings.Join(idx.Fields, ", "))
					}
				}
				return nil
			})
		})
	},
}

func init() {
	dumpCmd.Flags().BoolVarP(&dumpEntities, "entities", "e", false, "Include entities")
	dumpCmd.Flags().BoolVarP(&dumpIndices, "indices", "i", false, "Include index entries")
	dumpCmd.Flags().BoolVarP(&dumpLinks, "links", "l", false, "Include links of each entity")

	rootCmd.AddCommand(dumpCmd, verifyCmd, statsCmd, journalCmd, extentsCmd)
	rootCmd.SetErr(os.Stderr)
}
