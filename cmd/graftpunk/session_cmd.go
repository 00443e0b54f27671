package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stavxyz/graftpunk-sub002/pkg/session"
	"github.com/stavxyz/graftpunk-sub002/pkg/storage"
)

var (
	showReveal    bool
	exportFormat  string
	pruneSchedule string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage stored sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions with their status",
	Args:  cobra.NoArgs,
	RunE:  sessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [name...]",
	Short: "Decrypt and summarize one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  sessionShow,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionDelete,
}

var sessionExportCmd = &cobra.Command{
	Use:   "export [name]",
	Short: "Export a session for other tools",
	Long: `Writes a session to stdout in one of two formats:

  httpie    HTTPie session JSON keyed by domain
  netscape  Netscape cookies.txt, as read by curl -b and wget`,
	Args: cobra.ExactArgs(1),
	RunE: sessionExport,
}

var sessionPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired sessions",
	Long: `Deletes every session whose TTL has elapsed.

With --schedule the command keeps running and prunes on a cron schedule,
for example --schedule "@every 1h" or --schedule "0 3 * * *".`,
	Args: cobra.NoArgs,
	RunE: sessionPrune,
}

func init() {
	sessionShowCmd.Flags().BoolVar(&showReveal, "reveal", false, "Print cookie and token values")
	sessionExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "httpie", "Export format: httpie or netscape")
	sessionPruneCmd.Flags().StringVar(&pruneSchedule, "schedule", "", "Cron schedule to prune on until interrupted")

	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionDeleteCmd, sessionExportCmd, sessionPruneCmd)
}

func sessionList(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	metas, err := c.Cache().Info(cmd.Context())
	if err != nil {
		return err
	}
	writeSessionTable(cmd.OutOrStdout(), metas)
	return nil
}

func writeSessionTable(w io.Writer, metas []*storage.Metadata) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDOMAIN\tCOOKIES\tSTATUS\tMODIFIED")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			m.Name, orDash(m.Domain), m.CookieCount, m.Status, m.ModifiedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func sessionShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	states := make([]*session.State, len(args))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range args {
		g.Go(func() error {
			st, err := c.Cache().Load(gctx, name, session.AllowExpired())
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, st := range states {
		if i > 0 {
			fmt.Fprintln(out)
		}
		describeState(out, args[i], st, time.Now(), showReveal)
	}
	return nil
}

func describeState(w io.Writer, name string, st *session.State, now time.Time, reveal bool) {
	status := storage.StatusActive
	if st.Expired(now) {
		status = storage.StatusExpired
	}
	fmt.Fprintf(w, "Session:  %s (%s)\n", name, status)
	fmt.Fprintf(w, "Domain:   %s\n", orDash(st.Metadata.Domain))
	fmt.Fprintf(w, "Created:  %s\n", st.Metadata.CreatedAt.Format(time.RFC3339))
	if ttl := st.TTL(); ttl > 0 {
		fmt.Fprintf(w, "TTL:      %s\n", ttl)
	}

	roles := make([]string, 0, len(st.HeaderProfiles))
	for _, r := range st.Roles() {
		roles = append(roles, string(r))
	}
	fmt.Fprintf(w, "Profiles: %s\n", orDash(strings.Join(roles, ", ")))

	fmt.Fprintf(w, "Cookies:  %d\n", len(st.Cookies))
	for _, ck := range st.Cookies {
		fmt.Fprintf(w, "  %s=%s  %s%s\n", ck.Name, mask(ck.Value, reveal), ck.Domain, ck.Path)
	}
	if len(st.TokenCache) > 0 {
		fmt.Fprintf(w, "Tokens:   %d\n", len(st.TokenCache))
		for _, tn := range slices.Sorted(maps.Keys(st.TokenCache)) {
			tok := st.TokenCache[tn]
			fmt.Fprintf(w, "  %s=%s  extracted %s\n", tn, mask(tok.Value, reveal), tok.ExtractedAt.Format(time.RFC3339))
		}
	}
}

func sessionDelete(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	existed, err := c.Cache().Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !existed {
		fmt.Fprintf(cmd.OutOrStdout(), "No session named %q\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func sessionExport(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Cache().Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return exportState(cmd.OutOrStdout(), st, exportFormat)
}

func exportState(w io.Writer, st *session.State, format string) error {
	switch format {
	case "httpie":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(session.ExportHTTPie(st))
	case "netscape":
		return session.ExportNetscape(st, w)
	default:
		return fmt.Errorf("unknown export format %q (want httpie or netscape)", format)
	}
}

func sessionPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	prune := func() {
		pruned, err := c.Cache().Prune(ctx)
		if err != nil {
			logger.Error("prune failed", zap.Error(err))
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired session(s)\n", len(pruned))
	}

	if pruneSchedule == "" {
		pruned, err := c.Cache().Prune(ctx)
		for _, name := range pruned {
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s\n", name)
		}
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(pruneSchedule, prune); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", pruneSchedule, err)
	}
	logger.Info("pruning on schedule", zap.String("schedule", pruneSchedule))
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}

func mask(v string, reveal bool) string {
	if reveal || v == "" {
		return v
	}
	if len(v) <= 4 {
		return "****"
	}
	return v[:2] + strings.Repeat("*", 6)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

