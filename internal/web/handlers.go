package web

import (
	"html/template"
	"net/http"
	"strconv"

	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/vault"
)

// Handlers contains HTTP route handlers for the local viewer. All
// routes are read-only; mutations go through the MCP surface or CLI.
type Handlers struct {
	engine   *vault.Engine
	renderer *Renderer
}

// HandleList handles GET /memories.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ListMemories(r.Context(), vault.ListMemoriesInput{
		Limit:  parseIntParam(r, "limit", vault.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, "list", ListPageData{
		PageData: PageData{
			Title:   "Memories",
			Version: h.renderer.version,
			Nav:     "memories",
		},
		Items:      result.Memories,
		Pagination: result.Pagination,
	})
}

// HandleDetail handles GET /memories/{id} — decrypt and view one memory.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("memory id is required"))
		return
	}

	memory, err := h.engine.GetMemory(r.Context(), vault.GetMemoryInput{ID: id})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	data := DetailPageData{
		PageData: PageData{
			Title:   shortID(memory.MemoryID),
			Version: h.renderer.version,
			Nav:     "memories",
		},
		Memory: memory,
	}

	switch {
	case memory.ContentType == "text/markdown":
		data.RenderedHTML = renderMarkdown(string(memory.Content))
	case memory.Encoding == capsule.EncodingUTF8:
		data.Content = string(memory.Content)
	default:
		data.Content = "(binary content, " + strconv.Itoa(len(memory.Content)) + " bytes)"
	}

	h.renderer.renderPage(w, "detail", data)
}

// HandleAttachment handles GET /attachments/{id} — download one
// decrypted attachment.
func (h *Handlers) HandleAttachment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("attachment id is required"))
		return
	}

	attachment, err := h.engine.GetAttachment(r.Context(), id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", attachment.MediaType)
	w.Header().Set("Content-Disposition",
		`attachment; filename="`+template.JSEscapeString(attachment.Name)+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(attachment.SizeBytes, 10))
	_, _ = w.Write(attachment.Data)
}

// HandleEvents handles GET /events — the audit log with its chain
// verification result.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	verify, err := h.engine.VerifyLog(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	events, err := h.engine.ListEvents(r.Context(), parseIntParam(r, "limit", 100))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	// Newest first for display.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	h.renderer.renderPage(w, "events", EventsPageData{
		PageData: PageData{
			Title:   "Audit log",
			Version: h.renderer.version,
			Nav:     "events",
		},
		Events: events,
		Verify: verify,
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
