package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"ozor-ai-web/internal/gemini"
)

type generationRequest struct {
	Prompt      string           `json:"prompt"`
	History     []gemini.Content `json:"history,omitempty"`
	Attachments []attachment     `json:"attachments,omitempty"`
	AspectRatio string           `json:"aspectRatio,omitempty"`
}

type attachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type chatResponse struct {
	Text       string `json:"text"`
	Thoughts   string `json:"thoughts,omitempty"`
	TokenCount *int32 `json:"tokenCount,omitempty"`
}

type imageResponse struct {
	Images []attachment `json:"images"`
	Text   string       `json:"text"`
}

type messageResponse struct {
	Intent     string       `json:"intent"`
	Text       string       `json:"text"`
	Thoughts   string       `json:"thoughts,omitempty"`
	Images     []attachment `json:"images,omitempty"`
	TokenCount *int32       `json:"tokenCount,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

var aspectRatios = map[string]bool{
	"1:1":  true,
	"4:3":  true,
	"3:4":  true,
	"16:9": true,
	"9:16": true,
}

func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (generationRequest, []gemini.Content, []gemini.Blob, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return generationRequest{}, nil, nil, requestError{status: http.StatusBadRequest, message: "invalid request body"}
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return generationRequest{}, nil, nil, requestError{status: http.StatusBadRequest, message: "prompt is required"}
	}

	req.AspectRatio = strings.TrimSpace(req.AspectRatio)
	if req.AspectRatio != "" && !aspectRatios[req.AspectRatio] {
		return generationRequest{}, nil, nil, requestError{status: http.StatusBadRequest, message: "invalid aspectRatio"}
	}

	blobs, err := decodeAttachments(r.Context(), req.Attachments)
	if err != nil {
		return generationRequest{}, nil, nil, err
	}

	return req, sanitizeHistory(req.History), blobs, nil
}

// sanitizeHistory keeps the caller-supplied history inside the wire contract:
// unknown roles become "user", parts with no payload and empty turns are dropped.
func sanitizeHistory(history []gemini.Content) []gemini.Content {
	out := make([]gemini.Content, 0, len(history))
	for _, turn := range history {
		role := turn.Role
		if role != "model" {
			role = "user"
		}

		parts := make([]gemini.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			if p.Text == "" && p.InlineData == nil {
				continue
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}

		out = append(out, gemini.Content{Role: role, Parts: parts})
	}
	return out
}

// decodeAttachments validates every attachment by round-tripping its base64
// payload and sniffs a MIME type from the decoded bytes when the client sent
// none. Decoding runs concurrently since payloads reach tens of megabytes.
func decodeAttachments(ctx context.Context, atts []attachment) ([]gemini.Blob, error) {
	if len(atts) == 0 {
		return nil, nil
	}

	blobs := make([]gemini.Blob, len(atts))
	eg, _ := errgroup.WithContext(ctx)
	for i, att := range atts {
		i, att := i, att
		eg.Go(func() error {
			payload := stripDataURLPrefix(strings.TrimSpace(att.Data))
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil || len(raw) == 0 {
				return requestError{status: http.StatusBadRequest, message: fmt.Sprintf("attachment %d is not valid base64", i)}
			}

			mimeType := strings.TrimSpace(att.MimeType)
			if mimeType == "" || mimeType == "application/octet-stream" {
				mimeType = http.DetectContentType(raw)
			}

			blobs[i] = gemini.Blob{Data: payload, MimeType: mimeType}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return blobs, nil
}

func stripDataURLPrefix(value string) string {
	if !strings.HasPrefix(value, "data:") {
		return value
	}
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		return value[idx+1:]
	}
	return value
}

func toAttachments(blobs []gemini.Blob) []attachment {
	out := make([]attachment, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, attachment{Data: b.Data, MimeType: b.MimeType})
	}
	return out
}
