package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/drjoon/abuts.fit-sub008/internal/draft"
	"github.com/drjoon/abuts.fit-sub008/internal/draftapi"
	"github.com/drjoon/abuts.fit-sub008/internal/duplicate"
	"github.com/drjoon/abuts.fit-sub008/internal/finalize"
	"github.com/drjoon/abuts.fit-sub008/internal/upload"
)

var (
	onDuplicate string
	resolveArgs []string

	editFlags struct {
		clinic, patient, tooth            string
		manufacturer, system, implantType string
		maxDiameter, connectionDiameter   float64
		workType, shipping, shipDate      string
	}
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload files into the active draft",
	Long: `Upload scan files into the active draft, creating one when needed.

Files matching an earlier request are held back. Pass --on-duplicate to
decide for all of them, or --resolve <fileKey>=<strategy> per file.

Examples:
  draftctl upload scans/*.stl
  draftctl upload --on-duplicate remake crown_11.stl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reload the active draft and its file contents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := getContext()
		defer cancel()
		if _, err := pipe.Open(ctx); err != nil {
			return err
		}
		rep, err := pipe.Restore(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "restored %d of %d file(s) (blob %d, url %d, signed %d)\n",
			rep.Restored, rep.Expected, rep.ByTier["blob"], rep.ByTier["url"], rep.ByTier["signed"])
		for _, f := range rep.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", f.Name, f.Err)
		}
		return err
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <file>",
	Short: "Edit the case details of one file",
	Long: `Edit the case details of one file, named by file key or file name.
Use "default" to edit the values new files start with.

Examples:
  draftctl edit crown_11.stl --clinic "Seoul Dental" --tooth 11`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

var removeCmd = &cobra.Command{
	Use:   "remove <file>",
	Short: "Remove a file from the active draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := getContext()
		defer cancel()
		if err := loadDraft(ctx, cmd); err != nil {
			return err
		}
		key, err := resolveFile(args[0])
		if err != nil {
			return err
		}
		if err := pipe.Remove(ctx, key); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit the active draft as requests",
	Long: `Submit every registered file of the active draft.

When the server reports duplicates, pass decisions with --resolve
<caseId|fileKey>=skip|replace|remake or --on-duplicate for all.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Discard the active draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := getContext()
		defer cancel()
		if err := pipe.Cancel(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "draft discarded")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if pipe.Session().ID() == "" {
			fmt.Fprintln(out, "no active draft")
			return nil
		}
		ctx, cancel := getContext()
		defer cancel()
		if err := loadDraft(ctx, cmd); err != nil {
			return err
		}
		printStatus(out)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&onDuplicate, "on-duplicate", "", "strategy for every duplicate: skip, replace or remake")
	uploadCmd.Flags().StringArrayVar(&resolveArgs, "resolve", nil, "per-file decision as <fileKey>=<strategy>")
	submitCmd.Flags().StringVar(&onDuplicate, "on-duplicate", "", "strategy for every duplicate: skip, replace or remake")
	submitCmd.Flags().StringArrayVar(&resolveArgs, "resolve", nil, "per-case decision as <caseId|fileKey>=<strategy>")

	f := editCmd.Flags()
	f.StringVar(&editFlags.clinic, "clinic", "", "clinic name")
	f.StringVar(&editFlags.patient, "patient", "", "patient name")
	f.StringVar(&editFlags.tooth, "tooth", "", "tooth number")
	f.StringVar(&editFlags.manufacturer, "implant-manufacturer", "", "implant manufacturer")
	f.StringVar(&editFlags.system, "implant-system", "", "implant system")
	f.StringVar(&editFlags.implantType, "implant-type", "", "implant type")
	f.Float64Var(&editFlags.maxDiameter, "max-diameter", 0, "maximum diameter (mm)")
	f.Float64Var(&editFlags.connectionDiameter, "connection-diameter", 0, "connection diameter (mm)")
	f.StringVar(&editFlags.workType, "work-type", "", "work type")
	f.StringVar(&editFlags.shipping, "shipping", "", "shipping mode: normal or express")
	f.StringVar(&editFlags.shipDate, "ship-date", "", "requested ship date (YYYY-MM-DD)")
}

func readFiles(paths []string) ([]upload.File, error) {
	files := make([]upload.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		files = append(files, upload.File{Name: filepath.Base(p), ContentType: ct, Data: data})
	}
	return files, nil
}

// choices parses --resolve and --on-duplicate against the candidates.
func choices(cands []duplicate.Candidate) (map[string]draftapi.Strategy, error) {
	out := make(map[string]draftapi.Strategy)
	if onDuplicate != "" {
		s := draftapi.Strategy(onDuplicate)
		if !s.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", onDuplicate)
		}
		for _, c := range cands {
			if c.FileKey != "" {
				out[c.FileKey] = s
			} else {
				out[c.CaseID] = s
			}
		}
	}
	for _, arg := range resolveArgs {
		key, strategy, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --resolve %q, want <key>=<strategy>", arg)
		}
		s := draftapi.Strategy(strategy)
		if !s.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", strategy)
		}
		out[key] = s
	}
	return out, nil
}

func printCandidates(w io.Writer, title string, cands []duplicate.Candidate) {
	if len(cands) == 0 {
		return
	}
	fmt.Fprintln(w, title)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  KEY\tFILE\tREQUEST\tSTATUS")
	for _, c := range cands {
		key := c.FileKey
		if key == "" {
			key = c.CaseID
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", key, c.FileName, c.Existing.RequestID, c.Existing.Status)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, rep upload.Report) {
	for _, r := range rep.Registered {
		fmt.Fprintf(w, "registered %s\n", r.Name)
	}
	for _, f := range rep.Skipped {
		fmt.Fprintf(w, "skipped %s: %v\n", f.Name, f.Err)
	}
	for _, f := range rep.Rejected {
		fmt.Fprintf(w, "rejected %s: %v\n", f.Name, f.Err)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(w, "failed %s: %v\n", f.Name, f.Err)
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()
	out := cmd.OutOrStdout()

	files, err := readFiles(args)
	if err != nil {
		return err
	}
	if err := loadDraft(ctx, cmd); err != nil {
		return err
	}
	res, err := pipe.Add(ctx, files)
	printReport(out, res.Upload)
	printCandidates(out, "already in production, not uploaded:", res.Blocked)
	if err != nil {
		return err
	}
	if len(res.Pending) == 0 {
		return nil
	}

	ch, err := choices(res.Pending)
	if err != nil {
		return err
	}
	if len(ch) == 0 {
		printCandidates(out, "duplicates of earlier requests (re-run with --on-duplicate or --resolve):", res.Pending)
		return nil
	}
	rep, err := pipe.Resolve(ctx, ch)
	printReport(out, rep)
	return err
}

// resolveFile maps a file key or file name to the session's file key.
func resolveFile(arg string) (string, error) {
	if arg == "default" {
		return draft.DefaultKey, nil
	}
	var byName []string
	for _, f := range pipe.Session().Files() {
		if f.FileKey == arg {
			return f.FileKey, nil
		}
		if f.Name == arg {
			byName = append(byName, f.FileKey)
		}
	}
	switch len(byName) {
	case 0:
		return "", fmt.Errorf("no file %q in the draft", arg)
	case 1:
		return byName[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous, use one of: %s", arg, strings.Join(byName, ", "))
	}
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()
	if err := loadDraft(ctx, cmd); err != nil {
		return err
	}
	key, err := resolveFile(args[0])
	if err != nil {
		return err
	}
	changed := cmd.Flags().Changed
	c, err := pipe.Edit(key, func(c *draft.CaseInfo) {
		set := func(flag string, dst *string, v string) {
			if changed(flag) {
				*dst = v
			}
		}
		set("clinic", &c.ClinicName, editFlags.clinic)
		set("patient", &c.PatientName, editFlags.patient)
		set("tooth", &c.Tooth, editFlags.tooth)
		set("implant-manufacturer", &c.ImplantManufacturer, editFlags.manufacturer)
		set("implant-system", &c.ImplantSystem, editFlags.system)
		set("implant-type", &c.ImplantType, editFlags.implantType)
		set("work-type", &c.WorkType, editFlags.workType)
		set("shipping", &c.ShippingMode, editFlags.shipping)
		set("ship-date", &c.RequestedShipDate, editFlags.shipDate)
		if changed("max-diameter") {
			v := editFlags.maxDiameter
			c.MaxDiameter = &v
		}
		if changed("connection-diameter") {
			v := editFlags.connectionDiameter
			c.ConnectionDiameter = &v
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: clinic=%q patient=%q tooth=%q\n", key, c.ClinicName, c.PatientName, c.Tooth)
	return nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx, cancel := getContext()
	defer cancel()
	out := cmd.OutOrStdout()
	if err := loadDraft(ctx, cmd); err != nil {
		return err
	}

	// A 409 re-enters resolution; blocked-only conflicts are skipped on the
	// second attempt, decided ones on the one after.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := pipe.Submit(ctx)
		if err == nil {
			if len(res.Requests) == 0 {
				fmt.Fprintln(out, "nothing submitted (all files skipped)")
			}
			for _, r := range res.Requests {
				fmt.Fprintf(out, "request %s (%s)\n", r.RequestID, r.CaseInfos.Tooth)
			}
			return nil
		}
		var resErr *finalize.ResolutionError
		if !errors.As(err, &resErr) {
			return err
		}
		printCandidates(out, "already in production, will be skipped:", resErr.Conflicts.Blocked)
		if len(resErr.Conflicts.Resolvable) == 0 {
			continue
		}
		ch, err := choices(resErr.Conflicts.Resolvable)
		if err != nil {
			return err
		}
		if len(ch) == 0 {
			printCandidates(out, "duplicates of earlier requests (re-run with --on-duplicate or --resolve):", resErr.Conflicts.Resolvable)
			return finalize.ErrNeedsResolution
		}
		if _, err := pipe.Resolve(ctx, ch); err != nil {
			return err
		}
	}
	return finalize.ErrNeedsResolution
}

func printStatus(w io.Writer) {
	st := pipe.Status()
	fmt.Fprintf(w, "draft %s (generation %d)\n", st.DraftID, st.Generation)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  \tKEY\tCASE\tCLINIC\tPATIENT\tTOOTH\tBYTES")
	for i, f := range st.Files {
		c, _ := pipe.Session().Case(f.FileKey)
		mark := " "
		if i == st.Selected {
			mark = "*"
		}
		caseID := f.CaseID
		if caseID == "" {
			caseID = "(unregistered)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%d\n", mark, f.FileKey, caseID, c.ClinicName, c.PatientName, c.Tooth, len(f.Data))
	}
	_ = tw.Flush()
	if st.AIDisabled {
		fmt.Fprintln(w, "filename inference quota exhausted for this draft")
	}
}
