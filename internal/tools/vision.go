package tools

import (
	"context"
	"fmt"

	"github.com/altermind/altermind/internal/browser"
	"github.com/altermind/altermind/internal/providers"
	"github.com/altermind/altermind/internal/store"
)

// VisionTool answers questions about the session's latest screenshot using
// the session's vision model.
type VisionTool struct {
	store     store.Store
	providers *providers.Registry
	images    *browser.ImageBuffer
}

// NewVisionTool wires the tool to the store, provider registry, and the
// latest-image buffer.
func NewVisionTool(st store.Store, reg *providers.Registry, images *browser.ImageBuffer) *VisionTool {
	return &VisionTool{store: st, providers: reg, images: images}
}

func (t *VisionTool) Definition() Definition {
	return Definition{
		Name:        "vision",
		Description: "Look at the latest screenshot captured in this conversation and answer a question about it.",
		Operations: map[string]Operation{
			"describe": {
				Description: "Describe the latest screenshot, optionally focused by a question",
				Params: map[string]Param{
					"question": {Type: "string", Description: "What to look for (optional)"},
				},
			},
		},
	}
}

func (t *VisionTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	img, ok := t.images.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("no screenshot captured yet; use the browser screenshot operation first")
	}

	sess, err := t.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		return "", err
	}
	model := sess.VisionModel
	if model == "" {
		model = sess.Model
	}
	provider, modelID, err := t.providers.Resolve(model)
	if err != nil {
		return "", fmt.Errorf("vision model: %w", err)
	}

	question, _ := args["question"].(string)
	if question == "" {
		question = "Describe what this screenshot shows."
	}

	dataURI := "data:" + img.MimeType + ";base64," + img.Base64
	resp, err := provider.GenerateResponse(ctx, []providers.Message{{
		Role:    "user",
		Content: question,
		Images:  []string{dataURI},
	}}, modelID)
	if err != nil {
		return "", fmt.Errorf("vision: %w", err)
	}
	return resp.Text, nil
}
