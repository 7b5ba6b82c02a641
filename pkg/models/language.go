package models

import (
	"path/filepath"
	"strings"
)

var languages = map[string]struct{}{
	"c": {}, "cpp": {}, "csharp": {}, "go": {}, "java": {}, "javascript": {},
	"json": {}, "kotlin": {}, "markdown": {}, "php": {}, "python": {}, "ruby": {},
	"rust": {}, "scala": {}, "shell": {}, "sql": {}, "swift": {}, "terraform": {},
	"typescript": {}, "yaml": {},
}

// KnownLanguage reports whether lang is a language tag ingestion emits.
func KnownLanguage(lang string) bool {
	_, ok := languages[strings.ToLower(lang)]
	return ok
}

// GuessLanguage maps a file path to a language tag.
func GuessLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".sh", ".bash":
		return "shell"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
