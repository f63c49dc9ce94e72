package routes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kabili207/meshtg-gateway/pkg/meshtastic"
	"github.com/kabili207/meshtg-gateway/pkg/models"
	"github.com/kabili207/meshtg-gateway/pkg/store"
	"github.com/kabili207/meshtg-gateway/pkg/supervisor"
)

type RunnersResponse struct {
	Runners []supervisor.RunnerStatus `json:"runners"`
}

func (wr *WebRouter) getRunners(w http.ResponseWriter, r *http.Request) {
	resp := RunnersResponse{Runners: []supervisor.RunnerStatus{}}
	if wr.opts.Runners != nil {
		resp.Runners = append(resp.Runners, wr.opts.Runners.Status()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

type LinkStatsResponse struct {
	Counts []models.LinkStatusCount `json:"counts"`
}

func (wr *WebRouter) getLinkStats(w http.ResponseWriter, r *http.Request) {
	counts, err := wr.opts.Stores.Links.CountLinksByStatus(r.Context())
	if err != nil {
		wr.log.Error("failed to count links", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count links")
		return
	}
	writeJSON(w, http.StatusOK, LinkStatsResponse{Counts: counts})
}

type PendingLinksResponse struct {
	Links []*models.MessageLink `json:"links"`
	// Unreadable lists records whose stored identifiers could not be decoded.
	Unreadable []int64 `json:"unreadable,omitempty"`
}

func (wr *WebRouter) getPendingLinks(w http.ResponseWriter, r *http.Request) {
	resp := PendingLinksResponse{Links: []*models.MessageLink{}}
	directions := []models.LinkDirection{models.DirectionTelegramToMesh, models.DirectionMeshToTelegram}
	if d := r.URL.Query().Get("direction"); d != "" {
		dir := models.LinkDirection(d)
		if dir != models.DirectionTelegramToMesh && dir != models.DirectionMeshToTelegram {
			writeError(w, http.StatusBadRequest, "unknown direction")
			return
		}
		directions = []models.LinkDirection{dir}
	}

	for _, dir := range directions {
		seq, err := wr.opts.Stores.Links.IterPendingLinks(r.Context(), dir)
		if err != nil {
			wr.log.Error("failed to list pending links", "direction", dir, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list pending links")
			return
		}
		for link, err := range seq {
			var linkErr *store.LinkError
			if errors.As(err, &linkErr) {
				resp.Unreadable = append(resp.Unreadable, linkErr.ID)
				continue
			}
			if err != nil {
				wr.log.Error("failed to read pending link", "direction", dir, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to list pending links")
				return
			}
			resp.Links = append(resp.Links, link)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type LinkResponse struct {
	*models.MessageLink
	Aliases []*models.MessageLinkAlias `json:"aliases"`
}

func (wr *WebRouter) getLink(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	link, err := wr.opts.Stores.Links.GetLink(r.Context(), id)
	if err != nil {
		wr.log.Error("failed to load link", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load link")
		return
	}
	if link == nil {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	aliases, err := wr.opts.Stores.Links.ListLinkAliases(r.Context(), id)
	if err != nil {
		wr.log.Error("failed to load link aliases", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load link")
		return
	}
	writeJSON(w, http.StatusOK, LinkResponse{MessageLink: link, Aliases: aliases})
}

type NodesResponse struct {
	Nodes []*models.MeshtasticNode `json:"nodes"`
}

func (wr *WebRouter) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := wr.opts.Stores.Nodes.ListNodes(r.Context())
	if err != nil {
		wr.log.Error("failed to list nodes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, NodesResponse{Nodes: nodes})
}

// nodeParam accepts "!abcd1234", "0xabcd1234" or a decimal node number.
func nodeParam(r *http.Request) (string, bool) {
	id, err := meshtastic.ParseNodeID(mux.Vars(r)["id"])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

type NodeResponse struct {
	*models.MeshtasticNode
	LastPosition *models.Location `json:"last_position,omitempty"`
}

func (wr *WebRouter) getNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	node, err := wr.opts.Stores.Nodes.GetNode(r.Context(), nodeID)
	if err != nil {
		wr.log.Error("failed to load node", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load node")
		return
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	loc, err := wr.opts.Stores.Nodes.GetLastCoordinates(r.Context(), nodeID)
	if err != nil {
		wr.log.Warn("failed to load node position", "node", nodeID, "error", err)
	}
	writeJSON(w, http.StatusOK, NodeResponse{MeshtasticNode: node, LastPosition: loc})
}

type NodeStatsResponse struct {
	NodeID string `json:"node_id"`
	Stats  string `json:"stats"`
}

func (wr *WebRouter) getNodeStats(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	stats, err := wr.opts.Stores.Nodes.GetStats(r.Context(), nodeID)
	if err != nil {
		wr.log.Error("failed to load node stats", "node", nodeID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load node stats")
		return
	}
	writeJSON(w, http.StatusOK, NodeStatsResponse{NodeID: nodeID, Stats: stats})
}

type ClientsResponse struct {
	Enabled      bool                    `json:"enabled"`
	Nodes        []*models.ClientDetails `json:"nodes"`
	OtherClients []*models.ClientDetails `json:"other_clients"`
}

func (wr *WebRouter) getClients(w http.ResponseWriter, r *http.Request) {
	resp := ClientsResponse{
		Nodes:        []*models.ClientDetails{},
		OtherClients: []*models.ClientDetails{},
	}
	if wr.opts.Clients != nil {
		resp.Enabled = true
		for _, c := range wr.opts.Clients.Clients() {
			if c.IsMeshDevice() {
				resp.Nodes = append(resp.Nodes, c)
			} else {
				resp.OtherClients = append(resp.OtherClients, c)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
