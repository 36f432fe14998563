package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"virtual-product-owner/internal/domain"
	"virtual-product-owner/internal/usecase"
)

func (h *Handler) listStories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.svc.Stories.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoriesResponse(stories))
}

func (h *Handler) getStory(w http.ResponseWriter, r *http.Request) {
	story, err := h.svc.Stories.Get(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(story))
}

func (h *Handler) createStory(w http.ResponseWriter, r *http.Request) {
	in, ok := h.readStoryInput(w, r)
	if !ok {
		return
	}
	story, err := h.svc.Stories.Create(r.Context(), userFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStoryResponse(story))
}

func (h *Handler) updateStory(w http.ResponseWriter, r *http.Request) {
	in, ok := h.readStoryInput(w, r)
	if !ok {
		return
	}
	story, err := h.svc.Stories.Update(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(story))
}

func (h *Handler) deleteStory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stories.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) exportStories(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.svc.Stories.ExportCSV(r.Context(), userFrom(r.Context()), &buf); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="stories.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// importStories accepts a multipart form with a "file" part or a raw CSV
// body in the export layout.
func (h *Handler) importStories(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			h.badRequest(w, "invalid_upload")
			return
		}
		defer func() { _ = file.Close() }()
		src = file
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		h.badRequest(w, "invalid_upload")
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		h.badRequest(w, "empty_file")
		return
	}
	res, err := h.svc.Stories.ImportCSV(r.Context(), userFrom(r.Context()), bytes.NewReader(raw))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Imported: res.Imported, Skipped: res.Skipped})
}

func (h *Handler) applySuggestion(w http.ResponseWriter, r *http.Request) {
	var sug domain.RefinedSuggestion
	if err := decodeJSON(r, maxJSONBody, false, &sug); err != nil {
		h.badRequest(w, "invalid_body")
		return
	}
	story, err := h.svc.Stories.ApplySuggestion(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), sug)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(story))
}

// approval dispatches submit, approve, reject and sync. The approver is the
// calling user.
func (h *Handler) approval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFrom(ctx)
	id := chi.URLParam(r, "id")

	var (
		story domain.Story
		err   error
	)
	switch chi.URLParam(r, "action") {
	case "submit":
		story, err = h.svc.Approvals.Submit(ctx, userID, id)
	case "approve":
		story, err = h.svc.Approvals.Approve(ctx, userID, id, userID)
	case "reject":
		var req rejectRequest
		if err := decodeJSON(r, maxJSONBody, true, &req); err != nil {
			h.badRequest(w, "invalid_body")
			return
		}
		story, err = h.svc.Approvals.Reject(ctx, userID, id, strings.TrimSpace(req.Reason))
	case "sync":
		story, err = h.svc.Approvals.Sync(ctx, userID, id)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "unknown_action"})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStoryResponse(story))
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.Refinement.History(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Messages: toMessages(msgs)})
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, maxJSONBody, false, &req); err != nil {
		h.badRequest(w, "invalid_body")
		return
	}
	out, err := h.svc.Refinement.Refine(r.Context(), usecase.RefineInput{
		UserID:   userFrom(r.Context()),
		StoryID:  chi.URLParam(r, "id"),
		Message:  req.Message,
		AssetIDs: req.AssetIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sug := out.Suggestion
	writeJSON(w, http.StatusOK, conversationResponse{Messages: toMessages(out.Messages), Suggestion: &sug})
}

// generate returns drafts, persisting them first when save is set.
func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, maxJSONBody, false, &req); err != nil {
		h.badRequest(w, "invalid_body")
		return
	}
	userID := userFrom(r.Context())
	stories, err := h.svc.Refinement.Generate(r.Context(), usecase.GenerateInput{UserID: userID, Text: req.Input, AssetIDs: req.AssetIDs})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if req.Save {
		stories, err = h.svc.Stories.SaveDrafts(r.Context(), userID, stories)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = http.StatusCreated
	}
	writeJSON(w, status, toStoriesResponse(stories))
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.svc.Assets.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := assetsResponse{Assets: make([]assetResponse, 0, len(assets))}
	for _, a := range assets {
		out.Assets = append(out.Assets, toAssetResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Assets.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadAsset accepts either a multipart form with a "file" part or a JSON
// body carrying base64 data.
func (h *Handler) uploadAsset(w http.ResponseWriter, r *http.Request) {
	in, err := readUpload(w, r)
	if err != nil {
		h.badRequest(w, "invalid_upload")
		return
	}
	in.UserID = userFrom(r.Context())
	asset, err := h.svc.Assets.Upload(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssetResponse(asset))
}

func readUpload(w http.ResponseWriter, r *http.Request) (usecase.UploadInput, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
		file, header, err := r.FormFile("file")
		if err != nil {
			return usecase.UploadInput{}, err
		}
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(file)
		if err != nil {
			return usecase.UploadInput{}, err
		}
		return usecase.UploadInput{
			FileName:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}, nil
	}

	var req uploadRequest
	if err := decodeJSON(r, maxUploadBody, false, &req); err != nil {
		return usecase.UploadInput{}, err
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return usecase.UploadInput{}, err
	}
	return usecase.UploadInput{FileName: req.FileName, ContentType: req.ContentType, Data: data}, nil
}

func (h *Handler) readStoryInput(w http.ResponseWriter, r *http.Request) (usecase.StoryInput, bool) {
	var req storyRequest
	if err := decodeJSON(r, maxJSONBody, false, &req); err != nil {
		h.badRequest(w, "invalid_body")
		return usecase.StoryInput{}, false
	}
	in := usecase.StoryInput{
		Title:              req.Title,
		Description:        req.Description,
		Points:             req.Points,
		Area:               req.Area,
		Iteration:          req.Iteration,
		State:              req.State,
		AssignedTo:         req.AssignedTo,
		Priority:           req.Priority,
		Risk:               req.Risk,
		AcceptanceCriteria: req.AcceptanceCriteria,
		RelatedWorkItem:    req.RelatedWorkItem,
		UseCase:            req.UseCase,
	}
	if req.TargetDate != nil && strings.TrimSpace(*req.TargetDate) != "" {
		t, err := parseDate(*req.TargetDate)
		if err != nil {
			h.badRequest(w, "target_date_invalid")
			return usecase.StoryInput{}, false
		}
		in.TargetDate = &t
	}
	return in, true
}

func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errors.New("unrecognised date")
}
