package sessionscmder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/cmd/clinicassist/sqlitepath"
	"github.com/zlnick/PatientInfoSE/pkg/merkle"
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

const sessionsLongDesc string = `Inspect the local session database.

Examples:
  clinicassist sessions list
  clinicassist sessions show 6f1c...
  clinicassist sessions verify 6f1c...
  clinicassist sessions delete 6f1c...`

const sessionsShortDesc string = "Inspect stored sessions"

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

type sessionsCommander struct {
	sqlitePath string
}

func NewSessionsCmd() *cobra.Command {
	cmder := &sessionsCommander{}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: sessionsShortDesc,
		Long:  sessionsLongDesc,
	}
	cmd.PersistentFlags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to SQLite database")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.withStore(cmd, cmder.list)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withStore(cmd, func(ctx context.Context, cmd *cobra.Command, store *session.Store) error {
				return cmder.show(ctx, cmd, store, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <session-id>",
		Short: "Check the turn hash chain of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withStore(cmd, func(ctx context.Context, cmd *cobra.Command, store *session.Store) error {
				return cmder.verify(ctx, cmd, store, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withStore(cmd, func(ctx context.Context, cmd *cobra.Command, store *session.Store) error {
				if err := store.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func (c *sessionsCommander) withStore(cmd *cobra.Command, fn func(context.Context, *cobra.Command, *session.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dbPath, err := sqlitepath.ResolveSQLitePath(c.sqlitePath)
	if err != nil {
		return fmt.Errorf("could not resolve database: %w", err)
	}

	backend, err := session.NewSQLiteBackend(dbPath)
	if err != nil {
		return fmt.Errorf("could not open database %s: %w", dbPath, err)
	}
	store := session.NewStore(backend, zap.NewNop())
	defer store.Close()

	return fn(ctx, cmd, store)
}

func (c *sessionsCommander) list(ctx context.Context, cmd *cobra.Command, store *session.Store) error {
	ids, err := store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("could not list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}

	docs := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("could not read session %s: %w", id, err)
		}
		docs = append(docs, sess)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].LastUpdated.After(docs[j].LastUpdated)
	})

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "TURNS", "UPDATED", "LAST MESSAGE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, doc := range docs {
		last := ""
		if n := len(doc.History); n > 0 {
			last = ansi.Truncate(strings.ReplaceAll(doc.History[n-1].Content, "\n", " "), 40, "…")
		}
		t.Row(doc.ID, fmt.Sprint(len(doc.History)), doc.LastUpdated.Local().Format(time.DateTime), last)
	}

	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func (c *sessionsCommander) show(ctx context.Context, cmd *cobra.Command, store *session.Store, id string) error {
	sess, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}

func (c *sessionsCommander) verify(ctx context.Context, cmd *cobra.Command, store *session.Store, id string) error {
	err := store.Verify(ctx, id)

	var broken merkle.ErrBrokenChain
	switch {
	case err == nil:
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s: hash chain intact\n", id)
		return nil
	case errors.As(err, &broken):
		return fmt.Errorf("session %s: chain broken at turn %d: %s", id, broken.Index, broken.Reason)
	default:
		return err
	}
}
