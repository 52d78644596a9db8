package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/config"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage/filestore"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

const defaultDir = "~/.8825/conversations"

type cli struct {
	dir     string
	verbose bool
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "hubctl",
		Short:         "Inspect the conversation hub",
		Long:          "Read and maintain the conversation directory shared by every Maestra surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dir := os.Getenv("CONVERSATIONS_DIR")
	if dir == "" {
		dir = defaultDir
	}
	root.PersistentFlags().StringVar(&c.dir, "dir", dir, "conversation directory")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log store activity to stderr")

	var filter struct{ owner, surface, status string }
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Long:  "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.list(cmd.Context(), cmd.OutOrStdout(), types.ListFilter{
				Owner:   filter.owner,
				Surface: filter.surface,
				Status:  types.Status(filter.status),
			})
		},
	}
	list.Flags().StringVar(&filter.owner, "owner", "", "only conversations owned by this user")
	list.Flags().StringVar(&filter.surface, "surface", "", "only conversations this surface took part in")
	list.Flags().StringVar(&filter.status, "status", "", "active or closed")
	root.AddCommand(list)

	root.AddCommand(&cobra.Command{
		Use:   "show [conversation-id]",
		Short: "Print a conversation record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.show(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})

	var limit int
	messages := &cobra.Command{
		Use:   "messages [conversation-id]",
		Short: "Print the last messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.messages(cmd.Context(), cmd.OutOrStdout(), args[0], limit)
		},
	}
	messages.Flags().IntVarP(&limit, "limit", "n", 20, "number of messages, 0 for all")
	root.AddCommand(messages)

	root.AddCommand(&cobra.Command{
		Use:   "close [conversation-id]",
		Short: "Close a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.close(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Rebuild index.json from the conversation records",
		Long:  "Rebuild index.json from the conversation records. Stop the server first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.reindex(cmd.Context(), cmd.OutOrStdout())
		},
	})

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a bearer token for a cloud surface",
		Long:  "Sign a bearer token for user-id with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd.OutOrStdout(), os.Getenv("JWT_SECRET"), args[0], ttl)
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	root.AddCommand(token)

	return root
}

// open opens the directory read-only, or as its single writer when write is
// set. A running server owns the directory, so writes go through its API then.
func (c *cli) open(ctx context.Context, write bool) (*filestore.Store, error) {
	dir, err := config.ExpandHome(c.dir)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if c.verbose {
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	store, err := filestore.Open(ctx, dir, filestore.Options{Logger: logger, ReadOnly: !write})
	if errors.Is(err, filestore.ErrDirectoryLocked) {
		return nil, fmt.Errorf("%w; is the server running? use its API instead (POST /conversations/:id/close)", err)
	}
	return store, err
}

func (c *cli) list(ctx context.Context, w io.Writer, filter types.ListFilter) error {
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", filter.Status)
	}
	store, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()
	entries, err := store.List(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMESSAGES\tOWNER\tSURFACES\tUPDATED\tTOPIC")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Status, e.MessageCount, e.Owner,
			strings.Join(e.Surfaces, ","), e.UpdatedAt.Format(time.RFC3339), e.Topic)
	}
	return tw.Flush()
}

func (c *cli) show(ctx context.Context, w io.Writer, id string) error {
	store, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()
	conv, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(conv)
}

func (c *cli) messages(ctx context.Context, w io.Writer, id string, limit int) error {
	store, err := c.open(ctx, false)
	if err != nil {
		return err
	}
	defer store.Close()
	msgs, err := store.GetMessages(ctx, id, limit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s@%s: %s\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Surface, m.Content)
	}
	return nil
}

func (c *cli) close(ctx context.Context, w io.Writer, id string) error {
	store, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CloseConversation(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "closed %s\n", id)
	return nil
}

func (c *cli) reindex(ctx context.Context, w io.Writer) error {
	store, err := c.open(ctx, true)
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Reindex(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "indexed %d conversations\n", n)
	return nil
}

func issueToken(w io.Writer, secret, userID string, ttl time.Duration) error {
	if secret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	now := time.Now()
	token, err := service.NewAuthService("", secret).IssueToken(userID, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	return nil
}
