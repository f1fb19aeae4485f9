package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rxsync/internal/mutation"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Read an entity, from the backend when online or the local copy otherwise",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <type>",
		Short: "List locally stored entities of a type",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}
}

func newPrefetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefetch <type> <id>...",
		Short: "Download entities into the local store for offline use",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPrefetch,
	}

	cmd.Flags().Int("workers", 0, "concurrent downloads (0 uses the default)")

	return cmd
}

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <type> <create|update|delete> [id]",
		Short: "Queue a change for upload",
		Long: `Apply a change to the local copy at once and queue it for upload. A create
without an id gets a generated one. --data takes a JSON object, or @file to
read it from a file.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runEnqueue,
	}

	cmd.Flags().String("data", "", "JSON payload, or @path to read it from a file")

	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued changes in upload order",
		Args:  cobra.NoArgs,
		RunE:  runQueue,
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <type>",
		Short: "Delete every locally stored entity of a type",
		Long:  "Remove cached copies of a type. Queued changes are not touched.",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurge,
	}
}

type getOutput struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Stale     bool            `json:"stale"`
	UpdatedAt string          `json:"updated_at,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Fetch(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := getOutput{Type: args[0], ID: args[1], Stale: res.IsStale, Data: res.Data}
		if !res.UpdatedAt.IsZero() {
			out.UpdatedAt = res.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}

		return printJSON(cc.Out, out)
	}

	if res.IsStale {
		cc.Statusf("offline: showing local copy from %s\n", formatTime(res.UpdatedAt))
	}

	return printJSON(cc.Out, res.Data)
}

func runList(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	records, err := c.Cached(ctx, args[0])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		items := make([]getOutput, 0, len(records))
		for _, r := range records {
			items = append(items, getOutput{
				Type:      r.EntityType,
				ID:        r.EntityID,
				Stale:     true,
				UpdatedAt: r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
				Data:      r.Value,
			})
		}

		return printJSON(cc.Out, items)
	}

	if len(records) == 0 {
		cc.Statusf("No %s stored locally.\n", args[0])
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.EntityID, formatTime(r.UpdatedAt), strconv.Itoa(len(r.Value))})
	}

	printTable(cc.Out, []string{"ID", "UPDATED", "BYTES"}, rows)

	return nil
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	workers, err := cmd.Flags().GetInt("workers")
	if err != nil {
		return err
	}

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids := args[1:]

	fresh, err := c.Prefetch(ctx, args[0], ids, workers)
	cc.Statusf("Prefetched %d of %d %s\n", fresh, len(ids), args[0])

	return err
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	op, err := mutation.ParseOp(args[1])
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	var id string
	if len(args) == 3 {
		id = args[2]
	}

	raw, err := cmd.Flags().GetString("data")
	if err != nil {
		return err
	}

	payload, err := readPayload(raw)
	if err != nil {
		return err
	}

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := c.EnqueueMutation(ctx, args[0], op, id, payload)
	if err != nil {
		return err
	}

	// A one-shot command uploads right away when it can; whatever is left
	// stays queued for the next sync. A running daemon owns the queue.
	if c.Online() && c.Token() != nil {
		handed, hupErr := handOffToDaemon(cc)

		switch {
		case hupErr != nil:
			cc.Logger.Warn("upload deferred", "error", hupErr)
		case !handed:
			if _, drainErr := c.DrainOnce(ctx); drainErr != nil {
				cc.Logger.Warn("upload deferred", "error", drainErr)
			}
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, map[string]string{
			"mutation_id": m.ID,
			"type":        m.EntityType,
			"id":          m.EntityID,
			"op":          m.Op.String(),
		})
	}

	cc.Statusf("Queued %s %s/%s\n", m.Op, m.EntityType, m.EntityID)

	return nil
}

// readPayload parses --data: inline JSON or @path.
func readPayload(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}

	data := []byte(raw)

	if raw[0] == '@' {
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}

		data = b
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: --data is not valid JSON", errUsage)
	}

	return json.RawMessage(data), nil
}

func runQueue(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	pending, err := c.Pending(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		type item struct {
			ID         string `json:"id"`
			Type       string `json:"type"`
			EntityID   string `json:"entity_id"`
			Op         string `json:"op"`
			RetryCount int    `json:"retry_count"`
			EnqueuedAt string `json:"enqueued_at"`
		}

		items := make([]item, 0, len(pending))
		for _, m := range pending {
			items = append(items, item{
				ID:         m.ID,
				Type:       m.EntityType,
				EntityID:   m.EntityID,
				Op:         m.Op.String(),
				RetryCount: m.RetryCount,
				EnqueuedAt: m.EnqueuedAt.UTC().Format("2006-01-02T15:04:05Z"),
			})
		}

		return printJSON(cc.Out, items)
	}

	if len(pending) == 0 {
		cc.Statusf("Queue is empty.\n")
		return nil
	}

	rows := make([][]string, 0, len(pending))
	for _, m := range pending {
		rows = append(rows, []string{
			formatTime(m.EnqueuedAt), m.Op.String(), m.EntityType, m.EntityID, strconv.Itoa(m.RetryCount),
		})
	}

	printTable(cc.Out, []string{"QUEUED", "OP", "TYPE", "ID", "RETRIES"}, rows)

	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	if args[0] == "" {
		return errors.New("entity type is required")
	}

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Purge(ctx, args[0])
	if err != nil {
		return err
	}

	cc.Statusf("Removed %d %s from the local store\n", n, args[0])

	return nil
}
