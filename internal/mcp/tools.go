package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	"github.com/icm-sh/icm/internal/embedding"
	"github.com/icm-sh/icm/internal/icmerr"
	"github.com/icm-sh/icm/internal/model"
	"github.com/icm-sh/icm/internal/store"
)

// Handler dispatches tools/call requests onto the core.
type Handler struct {
	store    store.Store
	embedder embedding.Embedder // nil when embeddings are disabled
	// embedRequired makes store fail when the embedder does, instead of
	// degrading to an unembedded row.
	embedRequired bool
}

// NewHandler wires the tool surface. Policy is the embedder failure policy
// from config ("embed-optional" or "embed-required").
func NewHandler(st store.Store, emb embedding.Embedder, policy string) *Handler {
	return &Handler{store: st, embedder: emb, embedRequired: policy == "embed-required"}
}

func obj(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// toolDef is one entry of tools/list.
type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []toolDef {
	importanceEnum := map[string]any{
		"type": "string",
		"enum": []string{"critical", "high", "medium", "low"},
		"description": "critical=never forgotten, high=slow decay, medium=normal, low=fast decay",
	}
	kindEnum := map[string]any{
		"type":        "string",
		"enum":        relationKindStrings(),
		"description": "Relation type",
	}

	return []toolDef{
		{
			Name:        "icm_memory_store",
			Description: "Store important information in long-term memory: decisions, resolved errors, user preferences, project context.",
			InputSchema: obj(map[string]any{
				"topic":       str("Category/namespace grouping related memories"),
				"content":     str("Information to memorize, concise but complete"),
				"importance":  importanceEnum,
				"keywords":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Keywords to improve search"},
				"raw_excerpt": str("Optional verbatim excerpt (code, exact error message)"),
			}, "topic", "content"),
		},
		{
			Name:        "icm_memory_recall",
			Description: "Search long-term memory for past decisions, project context, preferences, or previously solved problems.",
			InputSchema: obj(map[string]any{
				"query":      str("Natural language search query"),
				"topic":      str("Filter by topic"),
				"keyword":    str("Filter by keyword substring"),
				"limit":      map[string]any{"type": "integer", "default": 5, "minimum": 1, "maximum": 20},
				"min_weight": map[string]any{"type": "number", "default": 0},
			}, "query"),
		},
		{
			Name:        "icm_memory_forget",
			Description: "Delete a memory by id when it is obsolete or incorrect.",
			InputSchema: obj(map[string]any{"id": str("Memory id to delete")}, "id"),
		},
		{
			Name:        "icm_memory_consolidate",
			Description: "Merge all memories of a topic into a single synthesized memory.",
			InputSchema: obj(map[string]any{
				"topic":          str("Topic to consolidate"),
				"keep_originals": map[string]any{"type": "boolean", "default": false},
			}, "topic"),
		},
		{
			Name:        "icm_memory_list_topics",
			Description: "List all topics with their memory counts.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "icm_memory_stats",
			Description: "Get global memory statistics.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "icm_memory_embed_all",
			Description: "Generate embeddings for memories that lack one, enabling vector recall.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "icm_memoir_create",
			Description: "Create a memoir: a permanent knowledge container whose concepts never decay.",
			InputSchema: obj(map[string]any{
				"name":        str("Unique memoir name"),
				"description": str("What this memoir is for"),
			}, "name"),
		},
		{
			Name:        "icm_memoir_list",
			Description: "List all memoirs.",
			InputSchema: obj(map[string]any{}),
		},
		{
			Name:        "icm_memoir_show",
			Description: "Show a memoir's stats and all its concepts.",
			InputSchema: obj(map[string]any{"name": str("Memoir name")}, "name"),
		},
		{
			Name:        "icm_memoir_add_concept",
			Description: "Add a permanent concept to a memoir.",
			InputSchema: obj(map[string]any{
				"memoir":     str("Memoir name"),
				"name":       str("Concept name, unique within the memoir"),
				"definition": str("Dense description of the concept"),
				"labels":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "memoir", "name", "definition"),
		},
		{
			Name:        "icm_memoir_refine",
			Description: "Refine a concept with an improved definition; bumps revision and confidence.",
			InputSchema: obj(map[string]any{
				"memoir":     str("Memoir name"),
				"concept":    str("Concept name"),
				"definition": str("New, refined definition"),
			}, "memoir", "concept", "definition"),
		},
		{
			Name:        "icm_memoir_search",
			Description: "Full-text search concepts within a memoir.",
			InputSchema: obj(map[string]any{
				"memoir": str("Memoir name"),
				"query":  str("Search query"),
				"label":  str("Restrict to concepts carrying this label"),
			}, "memoir", "query"),
		},
		{
			Name:        "icm_memoir_search_all",
			Description: "Full-text search concepts across every memoir.",
			InputSchema: obj(map[string]any{"query": str("Search query")}, "query"),
		},
		{
			Name:        "icm_memoir_link",
			Description: "Create a directed, typed edge between two concepts in the same memoir.",
			InputSchema: obj(map[string]any{
				"memoir": str("Memoir name"),
				"from":   str("Source concept name"),
				"to":     str("Target concept name"),
				"kind":   kindEnum,
			}, "memoir", "from", "to", "kind"),
		},
		{
			Name:        "icm_memoir_inspect",
			Description: "Inspect a concept and its BFS graph neighborhood.",
			InputSchema: obj(map[string]any{
				"memoir":  str("Memoir name"),
				"concept": str("Root concept name"),
				"depth":   map[string]any{"type": "integer", "default": 1},
			}, "memoir", "concept"),
		},
	}
}

func relationKindStrings() []string {
	out := make([]string, len(model.RelationKinds))
	for i, k := range model.RelationKinds {
		out[i] = string(k)
	}
	return out
}

// Call dispatches one tool invocation. Errors keep their taxonomy kind so
// the server can shape the -32000 response.
func (h *Handler) Call(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	switch name {
	case "icm_memory_store":
		return h.memoryStore(ctx, args)
	case "icm_memory_recall":
		return h.memoryRecall(ctx, args)
	case "icm_memory_forget":
		return h.memoryForget(ctx, args)
	case "icm_memory_consolidate":
		return h.memoryConsolidate(ctx, args)
	case "icm_memory_list_topics":
		return h.memoryListTopics(ctx)
	case "icm_memory_stats":
		return h.memoryStats(ctx)
	case "icm_memory_embed_all":
		return h.memoryEmbedAll(ctx)
	case "icm_memoir_create":
		return h.memoirCreate(ctx, args)
	case "icm_memoir_list":
		return h.memoirList(ctx)
	case "icm_memoir_show":
		return h.memoirShow(ctx, args)
	case "icm_memoir_add_concept":
		return h.memoirAddConcept(ctx, args)
	case "icm_memoir_refine":
		return h.memoirRefine(ctx, args)
	case "icm_memoir_search":
		return h.memoirSearch(ctx, args)
	case "icm_memoir_search_all":
		return h.memoirSearchAll(ctx, args)
	case "icm_memoir_link":
		return h.memoirLink(ctx, args)
	case "icm_memoir_inspect":
		return h.memoirInspect(ctx, args)
	default:
		return nil, icmerr.E(icmerr.NotFound, "unknown tool: %s", name)
	}
}

func decode(args json.RawMessage, into any) error {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return icmerr.Wrap(icmerr.InvalidInput, err, "invalid tool arguments")
	}
	return nil
}

func (h *Handler) memoryStore(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Topic      string   `json:"topic"`
		Content    string   `json:"content"`
		Importance string   `json:"importance"`
		Keywords   []string `json:"keywords"`
		RawExcerpt string   `json:"raw_excerpt"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Importance == "" {
		in.Importance = string(model.ImportanceMedium)
	}
	imp, err := model.ParseImportance(in.Importance)
	if err != nil {
		return nil, err
	}

	m := model.NewMemory(in.Topic, in.Content, imp)
	m.Keywords = in.Keywords
	m.RawExcerpt = in.RawExcerpt

	if h.embedder != nil {
		vec, err := h.embedder.Embed(ctx, in.Topic+" "+in.Content)
		switch {
		case err == nil:
			m.Embedding = vec
		case h.embedRequired:
			return nil, err
		default:
			slog.Warn("embedding failed, storing without vector", "error", err)
		}
	}

	id, err := h.store.Put(ctx, m)
	if err != nil {
		return nil, err
	}
	return textResult(map[string]string{"id": id})
}

func (h *Handler) memoryRecall(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Query     string  `json:"query"`
		Topic     string  `json:"topic"`
		Keyword   string  `json:"keyword"`
		Limit     int     `json:"limit"`
		MinWeight float64 `json:"min_weight"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	if in.Limit > 20 {
		in.Limit = 20
	}

	p := store.RecallParams{
		Query:     in.Query,
		Topic:     in.Topic,
		Keyword:   in.Keyword,
		MinWeight: in.MinWeight,
		Limit:     in.Limit,
	}
	if h.embedder != nil {
		if vec, err := h.embedder.Embed(ctx, in.Query); err != nil {
			slog.Warn("query embedding failed, falling back to lexical recall", "error", err)
		} else {
			p.QueryEmbedding = vec
		}
	}

	results, err := h.store.Recall(ctx, p)
	if err != nil {
		return nil, err
	}

	type hit struct {
		ID      string  `json:"id"`
		Topic   string  `json:"topic"`
		Summary string  `json:"summary"`
		Score   float64 `json:"score"`
		Weight  float64 `json:"weight"`
	}
	hits := make([]hit, len(results))
	for i, r := range results {
		hits[i] = hit{ID: r.ID, Topic: r.Topic, Summary: r.Summary, Score: r.Score, Weight: r.Weight}
	}
	return textResult(hits)
}

func (h *Handler) memoryForget(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	deleted, err := h.store.Delete(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return textResult(map[string]bool{"deleted": deleted})
}

func (h *Handler) memoryConsolidate(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Topic         string `json:"topic"`
		KeepOriginals bool   `json:"keep_originals"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	res, err := h.store.Consolidate(ctx, in.Topic, in.KeepOriginals)
	if err != nil {
		return nil, err
	}
	return textResult(res)
}

func (h *Handler) memoryListTopics(ctx context.Context) (*ToolResult, error) {
	topics, err := h.store.Topics(ctx)
	if err != nil {
		return nil, err
	}
	if topics == nil {
		topics = []model.TopicCount{}
	}
	return textResult(topics)
}

func (h *Handler) memoryStats(ctx context.Context) (*ToolResult, error) {
	st, err := h.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return textResult(st)
}

func (h *Handler) memoryEmbedAll(ctx context.Context) (*ToolResult, error) {
	if h.embedder == nil {
		return nil, icmerr.E(icmerr.Unavailable, "no embedder configured")
	}
	embedded, skipped, err := EmbedAll(ctx, h.store, h.embedder, "", false)
	if err != nil {
		return nil, err
	}
	return textResult(map[string]int{"embedded": embedded, "skipped": skipped})
}

func (h *Handler) memoirCreate(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	m, err := h.store.CreateMemoir(ctx, in.Name, in.Description)
	if err != nil {
		return nil, err
	}
	return textResult(m)
}

func (h *Handler) memoirList(ctx context.Context) (*ToolResult, error) {
	memoirs, err := h.store.ListMemoirs(ctx)
	if err != nil {
		return nil, err
	}
	if memoirs == nil {
		memoirs = []model.Memoir{}
	}
	return textResult(memoirs)
}

func (h *Handler) memoirShow(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	m, err := h.store.MemoirByName(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	stats, err := h.store.MemoirStats(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	concepts, err := h.store.ListConcepts(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return textResult(map[string]any{
		"memoir": m, "stats": stats, "concepts": concepts,
	})
}

func (h *Handler) memoirAddConcept(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Memoir     string   `json:"memoir"`
		Name       string   `json:"name"`
		Definition string   `json:"definition"`
		Labels     []string `json:"labels"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	m, err := h.store.MemoirByName(ctx, in.Memoir)
	if err != nil {
		return nil, err
	}
	c := model.NewConcept(m.ID, in.Name, in.Definition)
	c.Labels = in.Labels
	if _, err := h.store.AddConcept(ctx, c); err != nil {
		return nil, err
	}
	return textResult(c)
}

func (h *Handler) memoirRefine(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Memoir     string `json:"memoir"`
		Concept    string `json:"concept"`
		Definition string `json:"definition"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	m, err := h.store.MemoirByName(ctx, in.Memoir)
	if err != nil {
		return nil, err
	}
	c, err := h.store.RefineConcept(ctx, m.ID, in.Concept, in.Definition, nil)
	if err != nil {
		return nil, err
	}
	return textResult(c)
}

func (h *Handler) memoirSearch(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Memoir string `json:"memoir"`
		Query  string `json:"query"`
		Label  string `json:"label"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	m, err := h.store.MemoirByName(ctx, in.Memoir)
	if err != nil {
		return nil, err
	}
	concepts, err := h.store.SearchConcepts(ctx, m.ID, in.Query, in.Label, 10)
	if err != nil {
		return nil, err
	}
	if concepts == nil {
		concepts = []model.Concept{}
	}
	return textResult(concepts)
}

func (h *Handler) memoirSearchAll(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	concepts, err := h.store.SearchConceptsAll(ctx, in.Query, 10)
	if err != nil {
		return nil, err
	}
	if concepts == nil {
		concepts = []model.Concept{}
	}
	return textResult(concepts)
}

func (h *Handler) memoirLink(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Memoir string `json:"memoir"`
		From   string `json:"from"`
		To     string `json:"to"`
		Kind   string `json:"kind"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	kind, err := model.ParseRelationKind(in.Kind)
	if err != nil {
		return nil, err
	}
	m, err := h.store.MemoirByName(ctx, in.Memoir)
	if err != nil {
		return nil, err
	}
	r, err := h.store.Link(ctx, m.ID, in.From, in.To, kind)
	if err != nil {
		return nil, err
	}
	return textResult(r)
}

func (h *Handler) memoirInspect(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Memoir  string `json:"memoir"`
		Concept string `json:"concept"`
		Depth   int    `json:"depth"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Depth <= 0 {
		in.Depth = 1
	}
	m, err := h.store.MemoirByName(ctx, in.Memoir)
	if err != nil {
		return nil, err
	}
	res, err := h.store.Inspect(ctx, m.ID, in.Concept, in.Depth)
	if err != nil {
		return nil, err
	}
	res.Memoir = m.Name
	return textResult(res)
}

// EmbedAll backfills embeddings in chunks. Returns how many memories were
// embedded and how many already had a vector; a topic narrows both counts
// to that topic.
func EmbedAll(ctx context.Context, st store.Store, emb embedding.Embedder, topic string, force bool) (embedded, skipped int, err error) {
	missing, err := st.MissingEmbeddings(ctx, topic, force)
	if err != nil {
		return 0, 0, err
	}
	total, err := st.Stats(ctx)
	if err != nil {
		return 0, 0, err
	}
	inScope := total.TotalMemories
	if topic != "" {
		topics, err := st.Topics(ctx)
		if err != nil {
			return 0, 0, err
		}
		inScope = 0
		for _, tc := range topics {
			if tc.Topic == topic {
				inScope = tc.Count
			}
		}
	}
	skipped = inScope - len(missing)

	if len(missing) == 0 {
		return 0, skipped, nil
	}

	texts := make([]string, len(missing))
	for i, m := range missing {
		texts[i] = m.Topic + " " + m.Summary
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, skipped, err
	}
	for i, m := range missing {
		if err := st.SetEmbedding(ctx, m.ID, vecs[i]); err != nil {
			return embedded, skipped, err
		}
		embedded++
	}
	return embedded, skipped, nil
}
