package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/project"
	"github.com/chrisjsewell/fireflow/pkg/query"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

// ─────────────────────────────────────────────────────────────────────────────
// Listing plumbing
// ─────────────────────────────────────────────────────────────────────────────

type listOpts struct {
	dir      *string
	where    *string
	page     *int
	pageSize *int
}

func listFlags(fs *flag.FlagSet) listOpts {
	opts := listOpts{
		dir:      projectFlag(fs),
		where:    fs.String("where", "", `filter, e.g. "state == 'playing' AND pk > 3"`),
		page:     fs.Int("page", 1, "page number"),
		pageSize: fs.Int("page-size", 100, "rows per page"),
	}
	fs.StringVar(opts.where, "w", "", "filter (shorthand)")
	return opts
}

func (o listOpts) corePage() core.Page {
	return core.Page{Number: *o.page, Size: *o.pageSize}
}

// compileWhere turns a filter string into a Predicate. A nil *query.Filter
// must stay a nil Predicate, or the storage layer would call through a nil
// pointer.
func compileWhere(where string, cols query.Columns) (core.Predicate, error) {
	filter, err := query.Parse(where, cols)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return nil, nil
	}
	return filter, nil
}

func parsePK(fs *flag.FlagSet) (uint, error) {
	if fs.NArg() != 1 {
		return 0, errors.New("expected exactly one <pk> argument")
	}
	pk, err := strconv.ParseUint(fs.Arg(0), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("pk must be an integer, got %q", fs.Arg(0))
	}
	return uint(pk), nil
}

func kv(out io.Writer, key string, value any) {
	if key == "" {
		fmt.Fprintf(out, "  %-15s %v\n", "", value)
		return
	}
	fmt.Fprintf(out, "  %s %v\n", keyStyle.Render(fmt.Sprintf("%-15s", key+":")), value)
}

// sortedPaths renders an upload or retrieved path map with nil entries shown
// as directories.
func sortedPaths(paths map[string]*string) []string {
	rels := make([]string, 0, len(paths))
	for rel := range paths {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	lines := make([]string, 0, len(rels))
	for _, rel := range rels {
		if paths[rel] == nil {
			lines = append(lines, rel+" (directory)")
		} else {
			lines = append(lines, rel+" <- "+*paths[rel])
		}
	}
	return lines
}

// ─────────────────────────────────────────────────────────────────────────────
// client
// ─────────────────────────────────────────────────────────────────────────────

func clientGroup(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: fireflow client <list|show>")
	}
	switch args[0] {
	case "list":
		return clientList(args[1:], out)
	case "show":
		return clientShow(args[1:], out)
	default:
		return fmt.Errorf("unknown client command %q (want list|show)", args[0])
	}
}

func clientList(args []string, out io.Writer) error {
	fs := newFlagSet("client list", out)
	opts := listFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*opts.dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	pred, err := compileWhere(*opts.where, storage.ClientColumns)
	if err != nil {
		return err
	}
	clients, err := proj.Storage().ListClients(ctx, pred, opts.corePage())
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		fmt.Fprintln(out, okStyle.Render("No Clients to list"))
		return nil
	}
	count, err := proj.Storage().CountClients(ctx, pred)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(clients))
	for _, c := range clients {
		rows = append(rows, []string{formatPK(c.PK), c.Label, c.BaseURL, c.ClientID, c.MachineName})
	}
	fmt.Fprintln(out, rangeTitle("Clients", opts.corePage(), len(clients), count))
	fmt.Fprintln(out, renderTable([]string{"PK", "Label", "Base URL", "Client ID", "Machine"}, rows))
	return nil
}

func clientShow(args []string, out io.Writer) error {
	fs := newFlagSet("client show", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	pk, err := parsePK(fs)
	if err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	client, err := proj.Storage().GetClient(ctx, pk)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Client %d", client.PK)))
	kv(out, "Label", client.Label)
	kv(out, "Base URL", client.BaseURL)
	kv(out, "Client ID", client.ClientID)
	kv(out, "Client secret", redact(client.ClientSecret))
	kv(out, "Token URL", client.TokenURL)
	kv(out, "Machine", client.MachineName)
	kv(out, "Work dir", client.WorkDir)
	kv(out, "Small file", fmt.Sprintf("%d MB", client.SmallFileSizeMB))
	return nil
}

// redact hides credential material from terminal output.
func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	return "********"
}

// ─────────────────────────────────────────────────────────────────────────────
// code
// ─────────────────────────────────────────────────────────────────────────────

func codeGroup(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: fireflow code <list|show|tree>")
	}
	switch args[0] {
	case "list":
		return codeList(args[1:], out)
	case "show":
		return codeShow(args[1:], out)
	case "tree":
		return codeTreeCmd(args[1:], out)
	default:
		return fmt.Errorf("unknown code command %q (want list|show|tree)", args[0])
	}
}

func codeList(args []string, out io.Writer) error {
	fs := newFlagSet("code list", out)
	opts := listFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*opts.dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	pred, err := compileWhere(*opts.where, storage.CodeColumns)
	if err != nil {
		return err
	}
	codes, err := proj.Storage().ListCodes(ctx, pred, opts.corePage())
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		fmt.Fprintln(out, okStyle.Render("No Codes to list"))
		return nil
	}
	count, err := proj.Storage().CountCodes(ctx, pred)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(codes))
	for _, c := range codes {
		client := ""
		if c.Client != nil {
			client = c.Client.Label
		}
		rows = append(rows, []string{formatPK(c.PK), c.Label, client, strconv.Itoa(len(c.UploadPaths))})
	}
	fmt.Fprintln(out, rangeTitle("Codes", opts.corePage(), len(codes), count))
	fmt.Fprintln(out, renderTable([]string{"PK", "Label", "Client", "Uploads"}, rows))
	return nil
}

func codeShow(args []string, out io.Writer) error {
	fs := newFlagSet("code show", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	pk, err := parsePK(fs)
	if err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	code, err := proj.Storage().GetCode(ctx, pk)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Code %d", code.PK)))
	kv(out, "Label", code.Label)
	if code.Client != nil {
		kv(out, "Client", fmt.Sprintf("%s (pk=%d)", code.Client.Label, code.ClientPK))
	} else {
		kv(out, "Client", fmt.Sprintf("pk=%d", code.ClientPK))
	}
	for i, line := range sortedPaths(code.UploadPaths) {
		if i == 0 {
			kv(out, "Upload paths", line)
		} else {
			kv(out, "", line)
		}
	}
	fmt.Fprintln(out, titleStyle.Render("Script:"))
	fmt.Fprintln(out, code.Script)
	return nil
}

func codeTreeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("code tree", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	clients, codes, _, err := loadForest(ctx, proj, false)
	if err != nil {
		return err
	}

	root := newTree("Clients")
	for _, client := range clients {
		branch := newTree(fmt.Sprintf("%s (pk=%d)", client.Label, client.PK))
		for _, code := range codes[client.PK] {
			branch.Child(fmt.Sprintf("%s (pk=%d)", code.Label, code.PK))
		}
		root.Child(branch)
	}
	fmt.Fprintln(out, root.String())
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// calcjob
// ─────────────────────────────────────────────────────────────────────────────

func calcjobGroup(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: fireflow calcjob <list|show|tree>")
	}
	switch args[0] {
	case "list":
		return calcjobList(args[1:], out)
	case "show":
		return calcjobShow(args[1:], out)
	case "tree":
		return calcjobTreeCmd(args[1:], out)
	default:
		return fmt.Errorf("unknown calcjob command %q (want list|show|tree)", args[0])
	}
}

func calcjobList(args []string, out io.Writer) error {
	fs := newFlagSet("calcjob list", out)
	opts := listFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*opts.dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	pred, err := compileWhere(*opts.where, storage.CalcJobColumns)
	if err != nil {
		return err
	}
	calcs, err := proj.Storage().ListCalcJobs(ctx, pred, opts.corePage())
	if err != nil {
		return err
	}
	if len(calcs) == 0 {
		fmt.Fprintln(out, okStyle.Render("No CalcJobs to list"))
		return nil
	}
	count, err := proj.Storage().CountCalcJobs(ctx, pred)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(calcs))
	for _, calc := range calcs {
		code := ""
		if calc.Code != nil {
			code = calc.Code.Label
		}
		step, state := "", ""
		if calc.Processing != nil {
			step = string(calc.Processing.Step)
			state = stateTag(calc.Processing.State)
		}
		rows = append(rows, []string{formatPK(calc.PK), calc.Label, code, step, state})
	}
	fmt.Fprintln(out, rangeTitle("CalcJobs", opts.corePage(), len(calcs), count))
	fmt.Fprintln(out, renderTable([]string{"PK", "Label", "Code", "Step", "State"}, rows))
	return nil
}

func calcjobShow(args []string, out io.Writer) error {
	fs := newFlagSet("calcjob show", out)
	dir := projectFlag(fs)
	process := fs.Bool("process", false, "include the full processing record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pk, err := parsePK(fs)
	if err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	calc, err := proj.Storage().GetCalcJob(ctx, pk)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("CalcJob %d", calc.PK)))
	kv(out, "Label", calc.Label)
	kv(out, "UUID", calc.UUID)
	if calc.Code != nil {
		kv(out, "Code", fmt.Sprintf("%s (pk=%d)", calc.Code.Label, calc.CodePK))
	} else {
		kv(out, "Code", fmt.Sprintf("pk=%d", calc.CodePK))
	}
	for i, key := range sortedKeys(calc.Parameters) {
		label := ""
		if i == 0 {
			label = "Parameters"
		}
		kv(out, label, fmt.Sprintf("%s = %v", key, calc.Parameters[key]))
	}
	for i, line := range sortedPaths(calc.UploadPaths) {
		label := ""
		if i == 0 {
			label = "Upload paths"
		}
		kv(out, label, line)
	}
	for i, glob := range calc.DownloadGlobs {
		label := ""
		if i == 0 {
			label = "Download globs"
		}
		kv(out, label, glob)
	}
	if calc.Processing == nil {
		return nil
	}

	proc := calc.Processing
	kv(out, "Step", string(proc.Step))
	kv(out, "State", stateTag(proc.State))
	if !*process {
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render("Processing:"))
	kv(out, "Job ID", orDash(proc.JobID))
	kv(out, "Script key", orDash(proc.ScriptKey))
	kv(out, "Remote state", orDash(string(proc.RemoteState)))
	kv(out, "Exception", orDash(proc.Exception))
	for i, line := range sortedPaths(proc.RetrievedPaths) {
		label := ""
		if i == 0 {
			label = "Retrieved"
		}
		kv(out, label, line)
	}
	kv(out, "Locked by", orDash(proc.LockedBy))
	if proc.LockedUntil != nil {
		kv(out, "Locked until", proc.LockedUntil.Format("2006-01-02 15:04:05"))
	}
	kv(out, "Updated", proc.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func calcjobTreeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("calcjob tree", out)
	dir := projectFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()

	proj, err := project.Open(*dir)
	if err != nil {
		return err
	}
	defer func() { _ = proj.Close() }()

	clients, codes, calcs, err := loadForest(ctx, proj, true)
	if err != nil {
		return err
	}

	root := newTree("Clients")
	for _, client := range clients {
		clientBranch := newTree(fmt.Sprintf("%s (pk=%d)", client.Label, client.PK))
		for _, code := range codes[client.PK] {
			codeBranch := newTree(fmt.Sprintf("%s (pk=%d)", code.Label, code.PK))
			for _, calc := range calcs[code.PK] {
				state := core.StatePlaying
				if calc.Processing != nil {
					state = calc.Processing.State
				}
				codeBranch.Child(fmt.Sprintf("%s (pk=%d) %s", calc.Label, calc.PK, stateTag(state)))
			}
			clientBranch.Child(codeBranch)
		}
		root.Child(clientBranch)
	}
	fmt.Fprintln(out, root.String())
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tree assembly
// ─────────────────────────────────────────────────────────────────────────────

const forestPage = 500

// loadForest walks every page of clients and codes (plus calcjobs when
// withCalcJobs is set) and groups children under their parent's pk.
func loadForest(ctx context.Context, proj *project.Project, withCalcJobs bool) (
	[]*core.Client, map[uint][]*core.Code, map[uint][]*core.CalcJob, error,
) {
	store := proj.Storage()

	var clients []*core.Client
	err := eachPage(func(page core.Page) (int, error) {
		batch, err := store.ListClients(ctx, nil, page)
		clients = append(clients, batch...)
		return len(batch), err
	})
	if err != nil {
		return nil, nil, nil, err
	}

	codes := make(map[uint][]*core.Code)
	err = eachPage(func(page core.Page) (int, error) {
		batch, err := store.ListCodes(ctx, nil, page)
		for _, code := range batch {
			codes[code.ClientPK] = append(codes[code.ClientPK], code)
		}
		return len(batch), err
	})
	if err != nil {
		return nil, nil, nil, err
	}

	calcs := make(map[uint][]*core.CalcJob)
	if withCalcJobs {
		err = eachPage(func(page core.Page) (int, error) {
			batch, err := store.ListCalcJobs(ctx, nil, page)
			for _, calc := range batch {
				calcs[calc.CodePK] = append(calcs[calc.CodePK], calc)
			}
			return len(batch), err
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return clients, codes, calcs, nil
}

func eachPage(list func(core.Page) (int, error)) error {
	for number := 1; ; number++ {
		n, err := list(core.Page{Number: number, Size: forestPage})
		if err != nil {
			return err
		}
		if n < forestPage {
			return nil
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
