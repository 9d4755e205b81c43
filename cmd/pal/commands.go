package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pal/internal/config"
	"github.com/kalambet/pal/internal/memory"
	"github.com/kalambet/pal/internal/personality"
	"github.com/kalambet/pal/internal/pipeline"
	"github.com/kalambet/pal/internal/storage"
)

// --- ask ---

type attachment struct {
	Name string `json:"name"`
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

type askRequest struct {
	Question    string       `json:"question"`
	UseMemory   bool         `json:"use_memory"`
	UseSearch   bool         `json:"use_search"`
	Personality string       `json:"personality,omitempty"`
	Images      []attachment `json:"images,omitempty"`
	Files       []attachment `json:"files,omitempty"`
}

// readAttachments loads each path and base64-encodes its contents.
func readAttachments(paths []string) ([]attachment, error) {
	var out []attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		out = append(out, attachment{
			Name: filepath.Base(p),
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}

func buildAskRequest(cmd *cobra.Command, args []string) (askRequest, error) {
	useMemory, _ := cmd.Flags().GetBool("memory")
	useSearch, _ := cmd.Flags().GetBool("search")
	persona, _ := cmd.Flags().GetString("personality")
	files, _ := cmd.Flags().GetStringArray("file")

	req := askRequest{
		Question:    strings.Join(args, " "),
		UseMemory:   useMemory,
		UseSearch:   useSearch,
		Personality: persona,
	}

	var err error
	if req.Files, err = readAttachments(files); err != nil {
		return askRequest{}, err
	}
	if cmd.Flags().Lookup("image") != nil {
		images, _ := cmd.Flags().GetStringArray("image")
		if req.Images, err = readAttachments(images); err != nil {
			return askRequest{}, err
		}
	}
	return req, nil
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question",
	Long: `Ask a question. Memory recall is on by default; web search is opt-in.

Examples:
  pal ask "what did I say about my trip to Lisbon?"
  pal ask --search "latest Go release"
  pal ask --image ./receipt.jpg "how much did I pay?"
  pal ask --file ./report.pdf "summarise this"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildAskRequest(cmd, args)
		if err != nil {
			return err
		}
		if strings.TrimSpace(req.Question) == "" && len(req.Images) == 0 {
			return fmt.Errorf("a question or at least one --image is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		client.httpClient.Timeout = timeout

		resp, err := client.post(cmd.Context(), "/ask", req)
		if err != nil {
			return err
		}
		var res pipeline.AskResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(out, res)
		}

		fmt.Fprintln(out, res.Answer)
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			printAskDetails(out, res)
		}
		if !res.Saved {
			printWarning("answer was not saved: %s", res.Warning)
		} else if res.Warning != "" {
			printWarning("%s", res.Warning)
		}
		return nil
	},
}

func printAskDetails(w io.Writer, res pipeline.AskResult) {
	fmt.Fprintln(w)
	if res.Interaction != nil {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Interaction:"), res.Interaction.ID)
	}
	if res.MemoryInfo.Error != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Memory error:"), res.MemoryInfo.Error)
	}
	if res.MemoryInfo.RecentError != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Recent history error:"), res.MemoryInfo.RecentError)
	}
	for _, m := range res.MemoryTexts {
		fmt.Fprintf(w, "%s %s\n", colorize(colorDim, "[memory]"), truncate(m, 200))
	}
	if res.SearchInfo.Status != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Search:"), res.SearchInfo.Status)
	}
	for _, s := range res.SearchTexts {
		fmt.Fprintf(w, "%s %s\n", colorize(colorDim, "[search]"), truncate(s, 200))
	}
	for _, k := range []string{"memory_query", "search_total", "prompt_build", "model_run", "total"} {
		if v, ok := res.Timings[k]; ok {
			fmt.Fprintf(w, "  %-13s %.2fs\n", k, v)
		}
	}
}

func init() {
	askCmd.Flags().Bool("memory", true, "recall related memories")
	askCmd.Flags().Bool("search", false, "run a web search")
	askCmd.Flags().String("personality", "", "personality instruction for this answer")
	askCmd.Flags().StringArray("image", nil, "image to attach (repeatable, max 3)")
	askCmd.Flags().StringArray("file", nil, "document to attach (repeatable, max 5)")
	askCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the answer")
	askCmd.Flags().Bool("json", false, "print the full result as JSON")
	askCmd.Flags().BoolP("verbose", "v", false, "show recalled memories, search results and timings")
}

// --- debug-prompt ---

var debugPromptCmd = &cobra.Command{
	Use:   "debug-prompt <question>",
	Short: "Show the prompt a question would produce, without calling the model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildAskRequest(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/debug-prompt", req)
		if err != nil {
			return err
		}
		var res pipeline.DebugResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), res.Prompt)
		return nil
	},
}

func init() {
	debugPromptCmd.Flags().Bool("memory", true, "recall related memories")
	debugPromptCmd.Flags().Bool("search", false, "run a web search")
	debugPromptCmd.Flags().String("personality", "", "personality instruction")
	debugPromptCmd.Flags().StringArray("file", nil, "document to attach (repeatable)")
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage stored memories",
}

func printRecords(w io.Writer, recs []memory.Record, withScore bool) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No memories found.")
		return
	}
	for _, r := range recs {
		label := fmt.Sprintf("%s [%s]", r.Key, r.Metadata.Type)
		if withScore {
			label += fmt.Sprintf(" score %.3f", r.Score)
		}
		if r.Pending {
			label += " (pending embedding)"
		}
		fmt.Fprintf(w, "%s\n  %s\n", colorize(colorCyan, label), truncate(r.Text, 300))
	}
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		recs, err := fetchMemories(cmd.Context(), client)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		printRecords(cmd.OutOrStdout(), recs, false)
		return nil
	},
}

var memoryQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Find memories similar to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		recs, err := queryMemories(cmd.Context(), client, strings.Join(args, " "), n)
		if err != nil {
			return err
		}
		printRecords(cmd.OutOrStdout(), recs, true)
		return nil
	},
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Store a memory",
	Long: `Store a memory. With --personality the text is saved as a reusable
personality instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		asPersonality, _ := cmd.Flags().GetBool("personality")

		md := map[string]string{}
		if asPersonality {
			md["type"] = string(memory.TypePersonality)
		}
		body := map[string]any{
			"key":      key,
			"text":     strings.Join(args, " "),
			"metadata": md,
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/memory/add", body)
		if err != nil {
			return err
		}
		var result struct {
			Key     string `json:"key"`
			Pending bool   `json:"pending"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Pending {
			printWarning("Stored %s; embedding model unavailable, it will be indexed later", result.Key)
			return nil
		}
		printSuccess("Stored %s", result.Key)
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/memory/delete", map[string]string{"key": args[0]})
		if err != nil {
			return err
		}
		var result struct {
			Deleted bool `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Deleted {
			printWarning("No memory with key %s", args[0])
			return nil
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var memoryReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed memories that are still waiting for an embedding",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), fmt.Sprintf("/memory/reindex?limit=%d", limit), nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Embedded %d memories", result["embedded"])
		return nil
	},
}

func init() {
	memoryListCmd.Flags().Bool("json", false, "print as JSON")
	memoryQueryCmd.Flags().Int("n", 4, "number of results")
	memoryAddCmd.Flags().String("key", "", "memory key (generated when empty)")
	memoryAddCmd.Flags().Bool("personality", false, "store as a personality")
	memoryReindexCmd.Flags().Int("limit", 100, "maximum number of memories to embed")

	memoryCmd.AddCommand(memoryListCmd, memoryQueryCmd, memoryAddCmd, memoryDeleteCmd, memoryReindexCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse chat history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		page, err := fetchHistory(cmd.Context(), client, limit, offset)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(page.Interactions) == 0 {
			fmt.Fprintln(out, "No interactions found.")
			return nil
		}
		for _, ix := range page.Interactions {
			fmt.Fprintf(out, "%s  %s  %s%s\n",
				colorize(colorCyan, ix.ID),
				ix.DisplayTimestamp,
				truncate(ix.Question, 80),
				attachmentNote(ix),
			)
		}
		fmt.Fprintf(out, "%d of %d\n", len(page.Interactions)+offset, page.Total)
		return nil
	},
}

func attachmentNote(ix storage.Interaction) string {
	var parts []string
	if n := len(ix.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("%d image(s)", n))
	}
	if n := len(ix.Files); n > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s)", n))
	}
	if len(parts) == 0 {
		return ""
	}
	return colorize(colorDim, " ["+strings.Join(parts, ", ")+"]")
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var ix storage.Interaction
		if err := decodeJSON(resp, &ix); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ix)
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an interaction, its memory and its attachments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/history/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	historyListCmd.Flags().Int("offset", 0, "number of interactions to skip")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
}

// --- personalities ---

var personalitiesCmd = &cobra.Command{
	Use:   "personalities",
	Short: "List previously used personalities",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/personalities")
		if err != nil {
			return err
		}
		var ps []personality.Personality
		if err := decodeJSON(resp, &ps); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(ps) == 0 {
			fmt.Fprintln(out, "No personalities yet.")
			return nil
		}
		for _, p := range ps {
			fmt.Fprintf(out, "- %s\n", p.Text)
		}
		return nil
	},
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage stored data",
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all memories, history and attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL stored data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/data/purge", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("All data purged")
		return nil
	},
}

func init() {
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataPurgeCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
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
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the platform secret store",
	Long: fmt.Sprintf(`Store a secret in the platform secret store.

Secret keys: %s`, strings.Join(config.SecretKeys(), ", ")),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetSecretCmd)
}
