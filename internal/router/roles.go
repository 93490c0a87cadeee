package router

import (
	"strings"
	"unicode"

	"github.com/appforge/appforge/pkg/models"
)

// Role names.
const (
	RoleUI   = "ui_agent"
	RoleCode = "code_agent"
	RoleChat = "chat_agent"
)

// DefaultRoles is the built-in role table.
func DefaultRoles() map[string]models.AgentRole {
	return map[string]models.AgentRole{
		RoleUI: {
			Name:                 RoleUI,
			MinQuality:           5,
			MaxCostPer1K:         0.02,
			RequiredCapabilities: []models.Capability{models.CapText, models.CapCode},
			Strategy:             models.StrategyBalanced,
			Temperature:          0.4,
			MaxOutputTokens:      4096,
		},
		RoleCode: {
			Name:                 RoleCode,
			MinQuality:           6,
			MaxCostPer1K:         0.05,
			RequiredCapabilities: []models.Capability{models.CapText, models.CapCode},
			Strategy:             models.StrategyBestQuality,
			Temperature:          0.2,
			MaxOutputTokens:      8192,
		},
		RoleChat: {
			Name:                 RoleChat,
			MinQuality:           3,
			MaxCostPer1K:         0.01,
			RequiredCapabilities: []models.Capability{models.CapText},
			Strategy:             models.StrategyCheapest,
			Temperature:          0.7,
			MaxOutputTokens:      2048,
		},
	}
}

var (
	codeHints = map[string]bool{"code": true, "function": true, "implement": true, "refactor": true, "bug": true, "compile": true, "class": true, "api": true}
	uiHints   = map[string]bool{"screen": true, "layout": true, "ui": true, "button": true, "form": true, "page": true, "design": true, "component": true}
)

// InferRole guesses a role from task text when the caller gives none.
func InferRole(taskText string) string {
	words := strings.FieldsFunc(strings.ToLower(taskText), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	role := RoleChat
	for _, w := range words {
		if codeHints[w] {
			return RoleCode
		}
		if uiHints[w] {
			role = RoleUI
		}
	}
	return role
}
