package services

import (
	"fmt"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
)

const errLoggerKey = "err"

// roadmapSystemPrompt appends the roadmap the user is viewing to the configured system prompt, so model
// providers without a roadmap-aware backend still answer in context.
func roadmapSystemPrompt(systemPrompt string, roadmap models.RoadmapContext) string {
	if roadmap.RoadmapSlug == "" {
		return systemPrompt
	}
	return fmt.Sprintf("%s\n\nThe user is viewing the %q roadmap. Keep answers focused on its topics.",
		systemPrompt, roadmap.RoadmapSlug)
}
