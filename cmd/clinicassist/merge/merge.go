package mergecmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/cmd/clinicassist/sqlitepath"
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

const mergeLongDesc string = `Merge one or more source session databases into a target.

Sessions are keyed by id: a session that already exists in the target is
left untouched and counted as already existing. Sessions whose turn hash
chain does not verify are skipped.

Examples:
  clinicassist merge ward3.db ward5.db
  clinicassist merge --sqlite /tmp/merged.db ~/alice/sessions.db ~/bob/sessions.db`

const mergeShortDesc string = "Merge session databases"

type mergeCommander struct {
	sqlitePath string
}

func NewMergeCmd() *cobra.Command {
	cmder := &mergeCommander{}

	cmd := &cobra.Command{
		Use:   "merge [sources...]",
		Short: mergeShortDesc,
		Long:  mergeLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to target SQLite database")

	return cmd
}

func (c *mergeCommander) run(ctx context.Context, cmd *cobra.Command, sources []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	targetPath, err := sqlitepath.ResolveSQLitePath(c.sqlitePath)
	if err != nil {
		return fmt.Errorf("could not resolve target database: %w", err)
	}

	target, err := openStore(targetPath)
	if err != nil {
		return fmt.Errorf("could not open target database %s: %w", targetPath, err)
	}
	defer target.Close()

	var totalNew, totalDuped, totalBroken int

	for _, srcPath := range sources {
		srcNew, srcDuped, srcBroken, err := mergeSource(ctx, target, srcPath)
		if err != nil {
			return err
		}

		totalNew += srcNew
		totalDuped += srcDuped
		totalBroken += srcBroken

		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d new, %d already existed, %d broken\n",
			srcPath, srcNew, srcDuped, srcBroken)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Merged %d new sessions from %d sources (%d already existed, %d broken) into %s\n",
		totalNew, len(sources), totalDuped, totalBroken, targetPath)

	return nil
}

func mergeSource(ctx context.Context, target *session.Store, srcPath string) (int, int, int, error) {
	source, err := openStore(srcPath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("could not open source database %s: %w", srcPath, err)
	}
	defer source.Close()

	ids, err := source.IDs(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("could not list sessions from %s: %w", srcPath, err)
	}

	var srcNew, srcDuped, srcBroken int
	for _, id := range ids {
		sess, err := source.Get(ctx, id)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("could not read session %s: %w", id, err)
		}
		if err := sess.Verify(); err != nil {
			srcBroken++
			continue
		}

		isNew, err := target.Import(ctx, sess)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("could not import session %s: %w", id, err)
		}
		if isNew {
			srcNew++
		} else {
			srcDuped++
		}
	}

	return srcNew, srcDuped, srcBroken, nil
}

func openStore(path string) (*session.Store, error) {
	backend, err := session.NewSQLiteBackend(path)
	if err != nil {
		return nil, err
	}
	return session.NewStore(backend, zap.NewNop()), nil
}
