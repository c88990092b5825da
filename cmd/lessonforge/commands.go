package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/lessonforge/internal/config"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/logging"
	"github.com/kalambet/lessonforge/internal/ollama"
	"github.com/kalambet/lessonforge/internal/pipeline"
	"github.com/kalambet/lessonforge/internal/proxy"
	"github.com/kalambet/lessonforge/internal/storage"
	"github.com/kalambet/lessonforge/internal/stream"
)

// --- generate ---

var kindPaths = map[lesson.Kind]string{
	lesson.KindLessonPlan: "/v1/lesson-plans",
	lesson.KindExercises:  "/v1/exercises",
	lesson.KindAnalysis:   "/v1/analysis",
}

var generateCmd = &cobra.Command{
	Use:   "generate <lesson_plan|exercises|analysis>",
	Short: "Generate a document and stream it to stdout",
	Long: `Generate a lesson plan, exercise set or content analysis.

By default the pipeline runs in this process. With --remote the request is
sent to a running server instead.

Examples:
  lessonforge generate lesson_plan --subject 数学 --grade 三年级 --topic 分数的初步认识
  lessonforge generate exercises --subject 语文 --grade 五年级 --topic 古诗 --count 5 --difficulty 中等
  lessonforge generate analysis --content-file ./plan.md --analysis-type 教学目标`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := lesson.ParseKind(args[0])
		if err != nil {
			return err
		}
		params, err := paramsFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if remote, _ := cmd.Flags().GetBool("remote"); remote {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			return generateRemote(ctx, client, kind, params, cmd.OutOrStdout())
		}
		return generateLocal(ctx, kind, params, cmd.OutOrStdout())
	},
}

func init() {
	f := generateCmd.Flags()
	f.String("subject", "", "subject, e.g. 数学")
	f.String("grade", "", "grade, e.g. 三年级")
	f.String("topic", "", "lesson topic")
	f.String("requirements", "", "extra requirements for the document")
	f.String("difficulty", "", "exercise difficulty")
	f.Int("count", 0, "number of exercises")
	f.String("question-type", "", "exercise question type")
	f.String("content", "", "content to analyze")
	f.String("content-file", "", "read the content to analyze from a file")
	f.String("analysis-type", "", "analysis focus")
	f.Bool("remote", false, "send the request to the running server")
}

func paramsFromFlags(cmd *cobra.Command) (lesson.Params, error) {
	f := cmd.Flags()
	var p lesson.Params
	p.Subject, _ = f.GetString("subject")
	p.Grade, _ = f.GetString("grade")
	p.Topic, _ = f.GetString("topic")
	p.Requirements, _ = f.GetString("requirements")
	p.Difficulty, _ = f.GetString("difficulty")
	p.Count, _ = f.GetInt("count")
	p.QuestionType, _ = f.GetString("question-type")
	p.Content, _ = f.GetString("content")
	p.AnalysisType, _ = f.GetString("analysis-type")

	if path, _ := f.GetString("content-file"); path != "" {
		if p.Content != "" {
			return p, fmt.Errorf("--content and --content-file are mutually exclusive")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("reading content file: %w", err)
		}
		p.Content = string(data)
	}
	return p, nil
}

func generateLocal(ctx context.Context, kind lesson.Kind, params lesson.Params, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Log.Level, os.Stderr)

	a, err := buildApp(ctx, cfg, logger, appOptions{
		retrievalTimeout: cfg.Retrieval.BatchTimeout,
		progress:         os.Stderr,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	return runGeneration(ctx, a.coordinator, kind, params, w)
}

// generator is the part of the coordinator the CLI drives.
type generator interface {
	Generate(ctx context.Context, kind lesson.Kind, params lesson.Params, sink stream.Sink) lesson.Outcome
}

func runGeneration(ctx context.Context, g generator, kind lesson.Kind, params lesson.Params, w io.Writer) error {
	sink := &writerSink{w: w}
	out := g.Generate(ctx, kind, params, sink)
	if out.FullText != "" && !strings.HasSuffix(out.FullText, "\n") {
		fmt.Fprintln(w)
	}

	switch {
	case out.Cancelled:
		return fmt.Errorf("generation %s cancelled", out.RequestID)
	case out.Failed:
		return out.Err
	}
	if out.FallbackUsed {
		printWarning("Model unavailable, template document used (%s)", out.RequestID)
	} else if out.CacheHit {
		printStep("Served from cache (%s)", out.RequestID)
	}
	return nil
}

// writerSink adapts an io.Writer to the generation sink. Terminal errors
// are reported through the outcome, so Close has nothing to do.
type writerSink struct {
	w io.Writer
}

func (s *writerSink) Write(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrClientGone, err)
	}
	return nil
}

func (s *writerSink) Close(error) {}

func generateRemote(ctx context.Context, c *apiClient, kind lesson.Kind, params lesson.Params, w io.Writer) error {
	resp, err := c.post(ctx, kindPaths[kind], params)
	if err != nil {
		return err
	}
	return copyStream(resp, w)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func showStatus(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/status")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var st pipeline.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	fmt.Fprintf(w, "Server:     running at %s\n", client.baseURL)
	if st.ProviderEnabled {
		fmt.Fprintf(w, "Provider:   %s (%s)\n", st.Provider, st.Model)
		if st.Temperature != nil {
			fmt.Fprintf(w, "Sampling:   max_tokens=%d temperature=%g\n", st.MaxTokens, *st.Temperature)
		} else {
			fmt.Fprintf(w, "Sampling:   max_tokens=%d\n", st.MaxTokens)
		}
	} else {
		fmt.Fprintf(w, "Provider:   disabled, template documents only\n")
	}
	fmt.Fprintf(w, "Retrieval:  %s\n", st.Retrieval)
	if st.CacheEnabled && st.Cache != nil {
		fmt.Fprintf(w, "Cache:      %d entries, %d hits, %d misses\n", st.Cache.Entries, st.Cache.Hits, st.Cache.Misses)
	} else {
		fmt.Fprintf(w, "Cache:      disabled\n")
	}
	m := st.Metrics
	fmt.Fprintf(w, "Requests:   %d total, %d failed, %d fallback, %d cache hits, %d cancelled\n", m.Requests, m.Failed, m.FallbackUsed, m.CacheHits, m.Cancelled)
	fmt.Fprintf(w, "Uptime:     %ds\n", st.UptimeSeconds)
	return nil
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available from the configured provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ids, err := listModels(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No models found.")
			return nil
		}
		sort.Strings(ids)
		for _, id := range ids {
			marker := "  "
			if id == cfg.Provider.Model {
				marker = colorize(colorGreen, "* ")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", marker, id)
		}
		return nil
	},
}

func listModels(ctx context.Context, cfg config.Config) ([]string, error) {
	switch cfg.Provider.Kind {
	case config.ProviderOllama:
		return ollama.New(cfg.Ollama.BaseURL).ListModels(ctx)
	case config.ProviderOpenRouter:
		if cfg.Provider.OpenRouterAPIKey == "" {
			return nil, errors.New("OpenRouter API key is not set")
		}
		models, err := proxy.NewClient(cfg.Provider.OpenRouterAPIKey).ListModels(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(models))
		for i, m := range models {
			ids[i] = m.ID
		}
		return ids, nil
	}
	return nil, fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the local reference knowledge base",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add <file.yaml>",
	Short: "Load reference chunks from a YAML file",
	Long: `Load reference chunks from a YAML file into the local knowledge base.

File format:
  source: 人教版数学三年级上册
  subject: 数学
  grade: 三年级
  chunks:
    - text: 把一个物体平均分成若干份，其中的一份可以用分数表示。
    - text: 分数各部分的名称是分子、分数线和分母。
      source: 教师用书`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		chunks, err := parseKnowledgeFile(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if err := store.AddChunks(cmd.Context(), chunks); err != nil {
			return err
		}
		total, err := store.CountChunks(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Added %d chunks (%d in knowledge base)", len(chunks), total)
		return nil
	},
}

func init() {
	knowledgeCmd.AddCommand(knowledgeAddCmd)
}

type knowledgeFile struct {
	Source  string           `yaml:"source"`
	Subject string           `yaml:"subject"`
	Grade   string           `yaml:"grade"`
	Chunks  []knowledgeChunk `yaml:"chunks"`
}

type knowledgeChunk struct {
	Text    string `yaml:"text"`
	Source  string `yaml:"source"`
	Subject string `yaml:"subject"`
	Grade   string `yaml:"grade"`
}

// parseKnowledgeFile turns a YAML knowledge file into chunks. Per-chunk
// fields override the file-level defaults.
func parseKnowledgeFile(data []byte) ([]storage.Chunk, error) {
	var kf knowledgeFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if len(kf.Chunks) == 0 {
		return nil, errors.New("no chunks found")
	}

	chunks := make([]storage.Chunk, 0, len(kf.Chunks))
	for i, c := range kf.Chunks {
		chunk := storage.Chunk{
			Subject: firstNonEmpty(c.Subject, kf.Subject),
			Grade:   firstNonEmpty(c.Grade, kf.Grade),
			Source:  firstNonEmpty(c.Source, kf.Source),
			Text:    strings.TrimSpace(c.Text),
		}
		if chunk.Text == "" {
			return nil, fmt.Errorf("chunk %d: text is empty", i+1)
		}
		if chunk.Subject == "" {
			return nil, fmt.Errorf("chunk %d: subject is required", i+1)
		}
		if chunk.Source == "" {
			return nil, fmt.Errorf("chunk %d: source is required", i+1)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
