package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/config"
	"github.com/kalambet/notecoder/internal/notetext"
	"github.com/kalambet/notecoder/internal/pipeline"
	"github.com/kalambet/notecoder/internal/storage"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Suggest billing codes for a clinical note",
	Long: `Submit a clinical note and print the suggested codes.

Examples:
  notecoder generate --patient p-100 --specialty CARDIOLOGY --text "S: chest pain on exertion..."
  notecoder generate --patient p-100 --file ./visit.pdf
  notecoder generate --patient p-100 --file ./export.html --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		asJSON, _ := cmd.Flags().GetBool("json")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if file != "" {
			var err error
			if text, err = readNote(file); err != nil {
				return err
			}
		}

		req := pipeline.GenerateRequest{Note: text}
		req.PatientID, _ = cmd.Flags().GetString("patient")
		req.Specialty, _ = cmd.Flags().GetString("specialty")
		req.VisitType, _ = cmd.Flags().GetString("visit-type")
		req.ProviderID, _ = cmd.Flags().GetString("provider")
		req.SubmittedBy, _ = cmd.Flags().GetString("submitted-by")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/generate", req)
		if err != nil {
			return err
		}
		var res pipeline.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if asJSON {
			return printJSON(res)
		}
		printResult(res)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("text", "", "note text")
	generateCmd.Flags().String("file", "", "note file (.txt, .html, or .pdf)")
	generateCmd.Flags().String("patient", "", "patient id")
	generateCmd.Flags().String("specialty", "", "visit specialty")
	generateCmd.Flags().String("visit-type", "", "visit type")
	generateCmd.Flags().String("provider", "", "provider id")
	generateCmd.Flags().String("submitted-by", "", "submitter email")
	generateCmd.Flags().Bool("json", false, "print the raw result")
	generateCmd.MarkFlagRequired("patient")
}

// readNote extracts note text from a file by extension.
func readNote(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return notetext.FromPDF(data)
	case ".html", ".htm":
		return notetext.FromHTML(strings.NewReader(string(data)))
	default:
		return notetext.Normalize(string(data)), nil
	}
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import finalized historical notes into the corpus",
	Long: `Import historical notes from a JSONL file, one note per line.

Each line holds patientId, providerId, specialty, visitType, visitDate,
content, and the finalizedCodes, rejectedCodes and manualCodes recorded
for the note. Embeddings are computed in the background.

Example:
  notecoder import --file ./history.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postStream(cmd.Context(), "/corpus/import", "application/x-ndjson", f)
		if err != nil {
			return err
		}
		var stats struct {
			Imported int `json:"imported"`
			Skipped  int `json:"skipped"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printSuccess("Imported %d notes (%d already present)", stats.Imported, stats.Skipped)
		return nil
	},
}

func init() {
	importCmd.Flags().String("file", "", "JSONL file of historical notes")
}

// --- finalize ---

var finalizeCmd = &cobra.Command{
	Use:   "finalize <visit-id>",
	Short: "Record code decisions for a visit",
	Long: `Record which suggested codes were accepted or rejected, plus any codes
added by hand, and mark the visit completed.

Codes are given as CODE:TYPE, with TYPE one of ICD, CPT or HCPCS. A rejected
code may carry a reason after a second colon; a manual code a description.

Example:
  notecoder finalize 6f1c... --accept I10:ICD --accept 99213:CPT \
    --reject E11.9:ICD:"no diabetes documented" --manual J45.909:ICD:"asthma"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, _ := cmd.Flags().GetStringArray("accept")
		rejected, _ := cmd.Flags().GetStringArray("reject")
		manual, _ := cmd.Flags().GetStringArray("manual")
		by, _ := cmd.Flags().GetString("submitted-by")

		req, err := buildFinalizeRequest(accepted, rejected, manual)
		if err != nil {
			return err
		}
		req.SubmittedBy = by

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/visits/"+url.PathEscape(args[0])+"/decisions", req)
		if err != nil {
			return err
		}
		var res pipeline.FinalizeResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Recorded %d decisions on revision %s", res.Recorded, res.RevisionID)
		return nil
	},
}

func init() {
	finalizeCmd.Flags().StringArray("accept", nil, "accepted code as CODE:TYPE (repeatable)")
	finalizeCmd.Flags().StringArray("reject", nil, "rejected code as CODE:TYPE[:reason] (repeatable)")
	finalizeCmd.Flags().StringArray("manual", nil, "manually added code as CODE:TYPE[:description] (repeatable)")
	finalizeCmd.Flags().String("submitted-by", "", "submitter email")
}

func buildFinalizeRequest(accepted, rejected, manual []string) (pipeline.FinalizeRequest, error) {
	var req pipeline.FinalizeRequest
	for _, a := range accepted {
		ref, _, err := parseCodeArg(a)
		if err != nil {
			return req, err
		}
		req.Decisions = append(req.Decisions, pipeline.Decision{Code: ref.Code, System: ref.System, Decision: storage.DecisionFinalized})
	}
	for _, r := range rejected {
		ref, reason, err := parseCodeArg(r)
		if err != nil {
			return req, err
		}
		req.Decisions = append(req.Decisions, pipeline.Decision{Code: ref.Code, System: ref.System, Decision: storage.DecisionRejected, Reason: reason})
	}
	for _, m := range manual {
		ref, desc, err := parseCodeArg(m)
		if err != nil {
			return req, err
		}
		req.Manual = append(req.Manual, pipeline.ManualEntry{Code: ref.Code, System: ref.System, Description: desc})
	}
	if len(req.Decisions) == 0 && len(req.Manual) == 0 {
		return req, fmt.Errorf("at least one of --accept, --reject or --manual is required")
	}
	return req, nil
}

// parseCodeArg splits CODE:TYPE[:text].
func parseCodeArg(s string) (coding.Ref, string, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return coding.Ref{}, "", fmt.Errorf("invalid code %q: want CODE:TYPE", s)
	}
	sys, ok := coding.ParseSystem(strings.ToUpper(strings.TrimSpace(parts[1])))
	if !ok {
		return coding.Ref{}, "", fmt.Errorf("invalid code type %q: want ICD, CPT or HCPCS", parts[1])
	}
	var text string
	if len(parts) == 3 {
		text = strings.TrimSpace(parts[2])
	}
	return coding.Ref{Code: strings.TrimSpace(parts[0]), System: sys}, text, nil
}

// --- quarantine ---

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect model responses that failed validation",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined responses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/quarantine?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var entries []struct {
			ID          string `json:"id"`
			RevisionID  string `json:"revisionId"`
			RawResponse string `json:"rawResponse"`
			Error       string `json:"error"`
			CreatedAt   string `json:"createdAt"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No quarantined responses.")
			return nil
		}
		for _, e := range entries {
			raw := e.RawResponse
			if len(raw) > 80 {
				raw = raw[:80] + "..."
			}
			fmt.Printf("%s  %s  %s  %s\n",
				colorize(colorCyan, e.ID),
				e.CreatedAt,
				colorize(colorYellow, e.Error),
				raw,
			)
		}
		return nil
	},
}

func init() {
	quarantineListCmd.Flags().Int("limit", 20, "maximum number of entries")
	quarantineListCmd.Flags().Int("offset", 0, "number of entries to skip")
	quarantineCmd.AddCommand(quarantineListCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted suggestions as an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return fmt.Errorf("--out is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/exports/suggestions.xlsx")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		if err := writeFileAtomic(out, resp.Body); err != nil {
			return err
		}
		printSuccess("Suggestions exported to %s", out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output file path")
}

// writeFileAtomic writes r to a temp file beside path and renames it.
func writeFileAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".notecoder-export-*")
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the embedding cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cached embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.PurgeExpiredEmbeddings(cmd.Context())
		if err != nil {
			return fmt.Errorf("purging cache: %w", err)
		}
		printSuccess("Removed %d expired embeddings", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret (read from stdin) in the platform secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return fmt.Errorf("empty secret")
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
