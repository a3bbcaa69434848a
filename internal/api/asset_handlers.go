package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/renderfarm-mini/internal/asset"
	derror "github.com/shehryarbajwa/renderfarm-mini/internal/errors"
	"github.com/shehryarbajwa/renderfarm-mini/internal/session"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

type storeAssetRequest struct {
	SessionGuid    string `json:"session_guid"`
	UUID           string `json:"uuid"`
	CompressedJSON string `json:"compressed_json"`
	// StoreCache is the content hash to store the bytes under.
	StoreCache string `json:"store_cache"`
	// UseCache is the content hash of bytes stored earlier.
	UseCache string `json:"use_cache"`
}

type updateAssetRequest struct {
	SessionGuid string          `json:"session_guid"`
	JSON        json.RawMessage `json:"json"`
	Reupload    bool            `json:"reupload"`
}

type deleteAssetRequest struct {
	SessionGuid string `json:"session_guid"`
}

func assetKind(r *http.Request) (asset.Kind, error) {
	return asset.ParseKind(mux.Vars(r)["kind"])
}

// editableSession resolves an open session whose scene may be changed.
func (h *Handler) editableSession(ctx context.Context, guid string) (*models.Session, error) {
	if guid == "" {
		return nil, derror.Validation("missing session_guid")
	}
	s, err := h.deps.Sessions.Get(ctx, guid, session.GetOptions{Touch: true})
	if err != nil {
		return nil, err
	}
	if h.deps.Jobs.WorkerBusy(s.WorkerGuid) {
		return nil, derror.Forbidden("changes forbidden, session is being rendered")
	}
	return s, nil
}

// StoreAsset handles POST /v1/three/{kind}
func (h *Handler) StoreAsset(w http.ResponseWriter, r *http.Request) {
	kind, err := assetKind(r)
	if err != nil {
		h.writeError(w, r, "failed to store asset", err)
		return
	}
	var req storeAssetRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to store asset", err)
		return
	}
	s, err := h.editableSession(r.Context(), req.SessionGuid)
	if err != nil {
		h.writeError(w, r, "failed to store asset", err)
		return
	}

	storeReq := asset.StoreRequest{Kind: kind, UUID: req.UUID, Hash: req.StoreCache}
	if req.UseCache != "" {
		storeReq.Hash = req.UseCache
		storeReq.UseCache = true
	} else {
		if req.CompressedJSON == "" {
			h.writeError(w, r, "failed to store asset", derror.Validation("body missing .compressed_json"))
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.CompressedJSON)
		if err != nil {
			h.writeError(w, r, "failed to store asset", derror.Validation("compressed_json is not base64: %v", err))
			return
		}
		storeReq.Data = data
	}

	url, err := h.deps.Assets.Store(r.Context(), s, storeReq)
	if err != nil {
		h.writeError(w, r, "failed to store asset", err)
		return
	}
	writeData(w, http.StatusCreated, "url", []string{url})
}

// UpdateAsset handles PUT /v1/three/{kind}/{uuid}
func (h *Handler) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	kind, err := assetKind(r)
	if err != nil {
		h.writeError(w, r, "failed to update asset", err)
		return
	}
	var req updateAssetRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to update asset", err)
		return
	}
	if len(req.JSON) == 0 {
		h.writeError(w, r, "failed to update asset", derror.Validation("missing json"))
		return
	}
	s, err := h.editableSession(r.Context(), req.SessionGuid)
	if err != nil {
		h.writeError(w, r, "failed to update asset", err)
		return
	}

	uuid := mux.Vars(r)["uuid"]
	if err := h.deps.Assets.Update(r.Context(), s, kind, uuid, req.JSON, req.Reupload); err != nil {
		h.writeError(w, r, "failed to update asset", err)
		return
	}
	b, err := h.deps.Assets.Binding(kind, uuid)
	if err != nil {
		h.writeError(w, r, "failed to update asset", err)
		return
	}
	writeData(w, http.StatusOK, "url", []string{b.DownloadURL()})
}

// DeleteAsset handles DELETE /v1/three/{kind}/{uuid}
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	kind, err := assetKind(r)
	if err != nil {
		h.writeError(w, r, "failed to delete asset", err)
		return
	}
	var req deleteAssetRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, "failed to delete asset", err)
		return
	}
	s, err := h.editableSession(r.Context(), req.SessionGuid)
	if err != nil {
		h.writeError(w, r, "failed to delete asset", err)
		return
	}
	if err := h.deps.Assets.Delete(r.Context(), s, kind, mux.Vars(r)["uuid"]); err != nil {
		h.writeError(w, r, "failed to delete asset", err)
		return
	}
	writeMessage(w, http.StatusOK, "asset deleted")
}

// GetAssetFile handles GET /v1/three/{kind}/{uuid}/file
func (h *Handler) GetAssetFile(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, asset.Ref{UUID: mux.Vars(r)["uuid"]})
}

// GetCachedAssetFile handles GET /v1/three/{kind}/cache/{hash}/file
func (h *Handler) GetCachedAssetFile(w http.ResponseWriter, r *http.Request) {
	h.serveAsset(w, r, asset.Ref{Hash: mux.Vars(r)["hash"]})
}

func (h *Handler) serveAsset(w http.ResponseWriter, r *http.Request, ref asset.Ref) {
	kind, err := assetKind(r)
	if err != nil {
		h.writeError(w, r, "failed to get asset", err)
		return
	}
	ref.Kind = kind

	data, err := h.deps.Assets.Fetch(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, "failed to get asset", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HasCachedAsset handles GET /v1/three/{kind}/cache/{hash}
func (h *Handler) HasCachedAsset(w http.ResponseWriter, r *http.Request) {
	kind, err := assetKind(r)
	if err != nil {
		h.writeError(w, r, "failed to check asset cache", err)
		return
	}
	hash := mux.Vars(r)["hash"]

	ok, err := h.deps.Assets.Exists(r.Context(), kind, hash)
	if err != nil {
		h.writeError(w, r, "failed to check asset cache", err)
		return
	}
	if !ok {
		h.writeError(w, r, "failed to check asset cache", derror.NotFound("%s cache not found", kind))
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}
