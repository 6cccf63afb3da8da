package pushcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/cmd/clinicassist/sqlitepath"
	"github.com/zlnick/PatientInfoSE/pkg/session"
)

const pushLongDesc string = `Push local sessions to a remote clinicassist server.

Reads every session from the local SQLite database and POSTs them to the
remote server's /sessions/import endpoint. Sessions whose id already
exists remotely are skipped, and sessions with a broken hash chain are
rejected by the server.

Examples:
  clinicassist push http://192.168.1.42:8080
  clinicassist push --sqlite ~/.clinicassist/sessions.db http://localhost:8080`

const pushShortDesc string = "Push sessions to a remote clinicassist server"

type pushCommander struct {
	sqlitePath string
	batchSize  int
	client     *http.Client
}

type pushResponse struct {
	New       []string `json:"new"`
	Duplicate []string `json:"duplicate"`
	Errors    []string `json:"errors"`
}

func NewPushCmd() *cobra.Command {
	cmder := &pushCommander{client: http.DefaultClient}

	cmd := &cobra.Command{
		Use:   "push <server-url>",
		Short: pushShortDesc,
		Long:  pushLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to local SQLite database")
	cmd.Flags().IntVar(&cmder.batchSize, "batch-size", 100, "Sessions per HTTP request")

	return cmd
}

func (c *pushCommander) run(ctx context.Context, cmd *cobra.Command, serverURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.batchSize)
	}
	serverURL = strings.TrimRight(serverURL, "/")

	dbPath, err := sqlitepath.ResolveSQLitePath(c.sqlitePath)
	if err != nil {
		return fmt.Errorf("could not resolve local database: %w", err)
	}

	backend, err := session.NewSQLiteBackend(dbPath)
	if err != nil {
		return fmt.Errorf("could not open local database %s: %w", dbPath, err)
	}
	store := session.NewStore(backend, zap.NewNop())
	defer store.Close()

	ids, err := store.IDs(ctx)
	if err != nil {
		return fmt.Errorf("could not list local sessions: %w", err)
	}

	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No local sessions to push.")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pushing %d sessions from %s to %s\n", len(ids), dbPath, serverURL)

	var totalNew, totalDup, totalErr int

	for i := 0; i < len(ids); i += c.batchSize {
		end := min(i+c.batchSize, len(ids))

		batch := make([]*session.Session, 0, end-i)
		for _, id := range ids[i:end] {
			sess, err := store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("could not read session %s: %w", id, err)
			}
			batch = append(batch, sess)
		}

		resp, err := c.postBatch(ctx, serverURL, batch)
		if err != nil {
			return fmt.Errorf("push failed on batch %d-%d: %w", i, end-1, err)
		}

		totalNew += len(resp.New)
		totalDup += len(resp.Duplicate)
		totalErr += len(resp.Errors)
		for _, e := range resp.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "  rejected: %s\n", e)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d new sessions (%d already existed, %d errors)\n",
		totalNew, totalDup, totalErr)

	return nil
}

func (c *pushCommander) postBatch(ctx context.Context, serverURL string, sessions []*session.Session) (*pushResponse, error) {
	body, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("could not marshal sessions: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/sessions/import", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("could not decode response: %w", err)
	}

	return &result, nil
}
