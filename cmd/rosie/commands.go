package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/PL-James/ROSIE/pkg/sorclient"
	"github.com/PL-James/ROSIE/pkg/tracegraph"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

const rule = "  ──────────────────────────────────────────────"

func (c *cli) header(title string) {
	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, cyan("  "+title))
	fmt.Fprintln(c.stdout, gray(rule))
}

func (c *cli) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("rosie "+name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func sorURLFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("sor-url", "s", "", "system of record URL (default $ROSIE_SOR_URL or "+sorclient.DefaultBaseURL+")")
}

func (c *cli) sorURL(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(c.getenv("ROSIE_SOR_URL")); v != "" {
		return v
	}
	return sorclient.DefaultBaseURL
}

func (c *cli) parse(fs *pflag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

func (c *cli) fail(format string, args ...any) int {
	fmt.Fprintln(c.stdout, red("  Error: "+fmt.Sprintf(format, args...)))
	return exitFailure
}

func (c *cli) buildGraph() (*tracegraph.Graph, error) {
	logger := slog.New(slog.NewTextHandler(c.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return tracegraph.Build(c.dir, tracegraph.Options{Logger: logger})
}

func (c *cli) graphOrFail() (*tracegraph.Graph, int) {
	g, err := c.buildGraph()
	if errors.Is(err, tracegraph.ErrNoManifest) {
		c.fail("No %s manifest found", tracegraph.ProductFile)
		fmt.Fprintln(c.stdout, gray("  Make sure you are in a ROSIE-compliant project directory."))
		return nil, exitFailure
	}
	if err != nil {
		return nil, c.fail("%v", err)
	}
	return g, exitOK
}

func (c *cli) scan(args []string) int {
	fs := c.flagSet("scan")
	format := fs.StringP("format", "f", "graph", "output format: graph, table, json")
	verify := fs.Bool("verify", false, "recompute the manifest hash and fail on mismatch")
	if code, ok := c.parse(fs, args); !ok {
		return code
	}
	switch *format {
	case "graph", "table", "json":
	default:
		fmt.Fprintf(c.stderr, "unknown format %q\n", *format)
		return exitUsage
	}

	g, code := c.graphOrFail()
	if g == nil {
		return code
	}

	if *format == "json" {
		out, err := json.MarshalIndent(g, "", "  ")
		if err != nil {
			return c.fail("%v", err)
		}
		fmt.Fprintln(c.stdout, string(out))
	} else {
		c.header("ROSIE Scan")
		fmt.Fprintln(c.stdout, gray("  Scanning: "+c.dir))
		fmt.Fprintln(c.stdout)
		if *format == "table" {
			c.printTable(g)
		} else {
			fmt.Fprintln(c.stdout, tracegraph.RenderASCII(g))
			fmt.Fprintf(c.stdout, "  %s nodes, %s edges\n", green(len(g.Nodes)), green(len(g.Edges)))
		}
	}

	if *verify {
		if err := g.Verify(); err != nil {
			return c.fail("%v", err)
		}
		if *format != "json" {
			fmt.Fprintln(c.stdout, green("  ✓ Manifest hash verified"))
		}
	}
	return exitOK
}

func (c *cli) printTable(g *tracegraph.Graph) {
	line := "  " + strings.Repeat("─", 70)
	fmt.Fprintln(c.stdout, cyan("  Nodes:"))
	fmt.Fprintln(c.stdout, line)
	fmt.Fprintln(c.stdout, gray(fmt.Sprintf("  %-16s  %-6s  %-8s  %s", "ID", "Type", "Source", "Title")))
	fmt.Fprintln(c.stdout, line)
	for _, n := range g.Nodes {
		title := n.Title
		if title == "" {
			title = "-"
		}
		if r := []rune(title); len(r) > 35 {
			title = string(r[:35])
		}
		fmt.Fprintf(c.stdout, "  %s  %-6s  %-8s  %s\n", cyan(fmt.Sprintf("%-16s", n.GxpID)), n.Type, n.Source, title)
	}
	fmt.Fprintln(c.stdout, line)
	fmt.Fprintf(c.stdout, "\n  %s nodes, %s edges\n", green(len(g.Nodes)), green(len(g.Edges)))
	fmt.Fprintf(c.stdout, "  Hash: %s\n", yellow(g.ManifestHash))
}

func (c *cli) sync(ctx context.Context, args []string) int {
	fs := c.flagSet("sync")
	url := sorURLFlag(fs)
	commit := fs.StringP("commit-sha", "c", "", "commit SHA (default: git HEAD)")
	if code, ok := c.parse(fs, args); !ok {
		return code
	}
	base := c.sorURL(*url)

	c.header("ROSIE Sync")
	fmt.Fprintln(c.stdout, gray("  Project: "+c.dir))
	fmt.Fprintln(c.stdout, gray("  SoR URL: "+base))
	fmt.Fprintln(c.stdout)

	g, code := c.graphOrFail()
	if g == nil {
		return code
	}

	sha := strings.TrimSpace(*commit)
	if sha == "" {
		var err error
		sha, err = c.gitSHA(ctx, c.dir)
		if err != nil || sha == "" {
			sha = "demo-commit-" + strconv.FormatInt(c.now().UnixMilli(), 16)
			fmt.Fprintln(c.stdout, yellow("  Warning: Not a git repository, using demo commit SHA"))
		}
	}

	req := sorclient.SyncRequest{
		ProductCode:  g.ProductCode,
		Version:      g.Version,
		CommitSHA:    sha,
		ManifestHash: g.ManifestHash,
		Nodes:        make([]sorclient.SyncNode, 0, len(g.Nodes)),
		Edges:        make([]sorclient.SyncEdge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		req.Nodes = append(req.Nodes, sorclient.SyncNode{
			GxpID: n.GxpID, Type: string(n.Type), Title: n.Title, Description: n.Description, Risk: string(n.Risk),
		})
	}
	for _, e := range g.Edges {
		req.Edges = append(req.Edges, sorclient.SyncEdge{Source: e.Source, Target: e.Target})
	}
	fmt.Fprintln(c.stdout, gray(fmt.Sprintf("  Syncing %d nodes, %d edges...", len(req.Nodes), len(req.Edges))))

	res, err := sorclient.New(base, defaultActor).Sync(ctx, req)
	if err != nil {
		fmt.Fprintln(c.stdout, red("\n  Sync failed: "+err.Error()))
		fmt.Fprintln(c.stdout, gray("  Make sure the SoR server is running."))
		return exitFailure
	}

	fmt.Fprintln(c.stdout, green("\n  Sync successful!"))
	fmt.Fprintln(c.stdout, gray(rule))
	fmt.Fprintf(c.stdout, "  Sync ID:     %s\n", cyan(res.SyncID))
	fmt.Fprintf(c.stdout, "  Nodes:       %s\n", green(res.NodesCreated))
	fmt.Fprintf(c.stdout, "  Edges:       %s\n", green(res.EdgesCreated))
	fmt.Fprintf(c.stdout, "  Pending:     %s approvals\n", yellow(len(res.PendingApprovals)))
	fmt.Fprintf(c.stdout, "  Commit:      %s\n", cyan(shortSHA(sha)))
	fmt.Fprintf(c.stdout, "  Hash:        %s\n", yellow(g.ManifestHash))
	if len(res.PendingApprovals) > 0 {
		fmt.Fprintln(c.stdout, gray("\n  Pending approvals:"))
		c.bullets(res.PendingApprovals, 5)
	}
	return exitOK
}

func (c *cli) bullets(items []string, max int) {
	for i, s := range items {
		if i == max {
			fmt.Fprintln(c.stdout, gray(fmt.Sprintf("    ... and %d more", len(items)-max)))
			return
		}
		fmt.Fprintln(c.stdout, yellow("    • "+s))
	}
}

func (c *cli) status(ctx context.Context, args []string) int {
	fs := c.flagSet("status")
	url := sorURLFlag(fs)
	if code, ok := c.parse(fs, args); !ok {
		return code
	}
	base := c.sorURL(*url)

	c.header("ROSIE Status")
	fmt.Fprintln(c.stdout, gray("  SoR URL: "+base))
	fmt.Fprintln(c.stdout)

	st, err := sorclient.New(base, "").ApprovalStatus(ctx)
	var apiErr *sorclient.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
		fmt.Fprintln(c.stdout, yellow("  No manifest synced yet."))
		fmt.Fprintln(c.stdout, gray("  Run `rosie sync` first."))
		return exitOK
	}
	if err != nil {
		c.fail("%v", err)
		fmt.Fprintln(c.stdout, gray("  Make sure the SoR server is running."))
		return exitFailure
	}

	percent := 0
	if st.Total > 0 {
		percent = (st.Approved*100 + st.Total/2) / st.Total
	}
	fmt.Fprintf(c.stdout, "  Total:      %s\n", cyan(st.Total))
	fmt.Fprintf(c.stdout, "  Approved:   %s (%d%%)\n", green(st.Approved), percent)
	fmt.Fprintf(c.stdout, "  Pending:    %s\n", yellow(st.Pending))
	fmt.Fprintf(c.stdout, "  Rejected:   %s\n", red(st.Rejected))
	fmt.Fprintln(c.stdout)
	if st.IsFullyApproved {
		fmt.Fprintln(c.stdout, green("  ✓ All requirements approved!"))
		return exitOK
	}
	fmt.Fprintln(c.stdout, yellow("  ✗ Not ready for release"))
	if len(st.PendingNodes) > 0 {
		fmt.Fprintln(c.stdout, gray("\n  Pending approvals:"))
		items := make([]string, 0, len(st.PendingNodes))
		for _, n := range st.PendingNodes {
			label := n.Title
			if label == "" {
				label = string(n.Type)
			}
			items = append(items, n.GxpID+" - "+label)
		}
		c.bullets(items, 5)
	}
	return exitOK
}

// loadEvidenceFile reads JSON or JSON with comments and trailing commas.
func loadEvidenceFile(path string) (sorclient.EvidenceRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sorclient.EvidenceRequest{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.DisallowUnknownFields()
	var req sorclient.EvidenceRequest
	if err := dec.Decode(&req); err != nil {
		return sorclient.EvidenceRequest{}, fmt.Errorf("invalid evidence file: %w", err)
	}
	if strings.TrimSpace(req.ExecutionID) == "" || req.Results == nil {
		return sorclient.EvidenceRequest{}, errors.New("invalid evidence file: expected { execution_id, results: [...] }")
	}
	return req, nil
}

func (c *cli) evidence(ctx context.Context, args []string) int {
	fs := c.flagSet("evidence")
	url := sorURLFlag(fs)
	file := fs.StringP("file", "f", "./gxp-execution.json", "path to the execution evidence file")
	if code, ok := c.parse(fs, args); !ok {
		return code
	}
	base := c.sorURL(*url)
	path := *file
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}

	c.header("ROSIE Evidence Upload")
	fmt.Fprintln(c.stdout, gray("  SoR URL: "+base))
	fmt.Fprintln(c.stdout, gray("  File:    "+*file))
	fmt.Fprintln(c.stdout)

	req, err := loadEvidenceFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c.fail("Evidence file not found: %s", *file)
	}
	if err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, gray(fmt.Sprintf("  Uploading %d test results...", len(req.Results))))

	res, err := sorclient.New(base, defaultActor).UploadEvidence(ctx, req)
	if err != nil {
		c.fail("%v", err)
		fmt.Fprintln(c.stdout, gray("  Make sure the SoR server is running."))
		return exitFailure
	}
	fmt.Fprintln(c.stdout, green("\n  Evidence uploaded successfully!"))
	fmt.Fprintln(c.stdout, gray(rule))
	fmt.Fprintf(c.stdout, "  Evidence ID: %s\n", cyan(res.EvidenceID))
	fmt.Fprintf(c.stdout, "  Passed:      %s\n", green(res.Summary.Passed))
	fmt.Fprintf(c.stdout, "  Failed:      %s\n", red(res.Summary.Failed))
	fmt.Fprintf(c.stdout, "  Skipped:     %s\n", gray(res.Summary.Skipped))
	if res.Summary.Failed > 0 {
		fmt.Fprintln(c.stdout, yellow("\n  Warning: Some tests failed. Release may be blocked."))
	}
	return exitOK
}

func (c *cli) release(ctx context.Context, args []string) int {
	fs := c.flagSet("release")
	url := sorURLFlag(fs)
	commit := fs.StringP("commit-sha", "c", "", "commit SHA (default: git HEAD)")
	expected := fs.String("expected-hash", "", "fail unless the recorded manifest hash equals this value")
	local := fs.Bool("local-hash", false, "use the hash of the graph built from the working tree as --expected-hash")
	if code, ok := c.parse(fs, args); !ok {
		return code
	}
	base := c.sorURL(*url)

	sha := strings.TrimSpace(*commit)
	if sha == "" {
		var err error
		sha, err = c.gitSHA(ctx, c.dir)
		if err != nil || sha == "" {
			c.fail("Could not determine commit SHA.")
			fmt.Fprintln(c.stdout, gray("  Provide --commit-sha or run from a git repository."))
			return exitFailure
		}
	}
	want := strings.TrimSpace(*expected)
	if *local && want == "" {
		g, code := c.graphOrFail()
		if g == nil {
			return code
		}
		want = g.ManifestHash
	}

	c.header("ROSIE Release Check")
	fmt.Fprintln(c.stdout, gray("  SoR URL: "+base))
	fmt.Fprintln(c.stdout, gray("  Commit:  "+sha))
	fmt.Fprintln(c.stdout)

	rd, err := sorclient.New(base, "").Readiness(ctx, sha, want)
	if err != nil {
		c.fail("%v", err)
		fmt.Fprintln(c.stdout, gray("  Make sure the SoR server is running."))
		return exitFailure
	}

	fmt.Fprintln(c.stdout, gray("  Gate Conditions"))
	fmt.Fprintln(c.stdout, gray(rule))
	for _, cond := range rd.Conditions {
		if cond.Passed {
			fmt.Fprintf(c.stdout, "  %s %s\n", green("✓"), green(cond.Name))
		} else {
			fmt.Fprintf(c.stdout, "  %s %s\n", red("✗"), red(cond.Name))
		}
		fmt.Fprintln(c.stdout, gray("    "+cond.Details))
	}
	fmt.Fprintln(c.stdout)

	if !rd.IsReady {
		fmt.Fprintln(c.stdout, red(bold("  ✗ RELEASE BLOCKED")))
		if len(rd.BlockingIssues) > 0 {
			fmt.Fprintln(c.stdout, gray("\n  Blocking issues:"))
			for _, issue := range rd.BlockingIssues {
				fmt.Fprintln(c.stdout, red("    • "+issue))
			}
		}
		return exitFailure
	}

	fmt.Fprintln(c.stdout, green(bold("  ✓ RRT ISSUED - CLEARED FOR RELEASE")))
	if rd.RRT != nil {
		tok := rd.RRT.Token
		if len(tok) > 50 {
			tok = tok[:50] + "..."
		}
		fmt.Fprintln(c.stdout, gray("\n  Release Readiness Token:"))
		fmt.Fprintln(c.stdout, cyan("  "+tok))
		fmt.Fprintln(c.stdout, gray("\n  Issued:  "+rd.RRT.IssuedAt.Local().Format("2006-01-02 15:04:05")))
		fmt.Fprintln(c.stdout, gray("  Expires: "+rd.RRT.ExpiresAt.Local().Format("2006-01-02 15:04:05")))
	}
	return exitOK
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
