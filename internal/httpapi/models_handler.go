package httpapi

import (
	"net/http"
	"time"

	"hermes/internal/utils"
)

// modelEntry is one item of the OpenAI-style model list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels serves the deduplicated union of all active providers'
// effective model sets. The response is cached for 30 s keyed on the registry
// snapshot hash, so any provider mutation invalidates it implicitly.
func (d *Dependencies) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := d.Registry.Snapshot()
	cacheKey := "models:" + snap.Hash()
	if cached, ok := d.responseCache.Get(cacheKey); ok {
		_ = utils.RespondWithJSON(w, http.StatusOK, cached)
		return
	}

	union := snap.ModelsUnion()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(union))}
	for _, id := range union {
		list.Data = append(list.Data, modelEntry{ID: id, Object: "model", OwnedBy: "hermes-gateway"})
	}

	d.responseCache.Set(cacheKey, list, 30*time.Second)
	_ = utils.RespondWithJSON(w, http.StatusOK, list)
}
