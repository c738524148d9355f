package chunk

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammar binds a tree-sitter language to the node types treated as
// top-level split boundaries.
type grammar struct {
	language *sitter.Language

	// declarationTypes are AST node types that start a new chunk.
	declarationTypes map[string]bool
}

// grammars maps scanner language names to parsing support. Languages
// outside this table fall back to the recursive text splitter.
var grammars = map[string]*grammar{
	"go": {
		language: golang.GetLanguage(),
		declarationTypes: map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"type_declaration":     true,
			"const_declaration":    true,
			"var_declaration":      true,
			"import_declaration":   true,
		},
	},
	"python": {
		language: python.GetLanguage(),
		declarationTypes: map[string]bool{
			"function_definition":   true,
			"class_definition":      true,
			"decorated_definition":  true,
			"import_statement":      true,
			"import_from_statement": true,
		},
	},
	"javascript": {
		language: javascript.GetLanguage(),
		declarationTypes: map[string]bool{
			"function_declaration": true,
			"class_declaration":    true,
			"lexical_declaration":  true,
			"variable_declaration": true,
			"export_statement":     true,
			"import_statement":     true,
		},
	},
	"typescript": {
		language: typescript.GetLanguage(),
		declarationTypes: map[string]bool{
			"function_declaration":   true,
			"class_declaration":      true,
			"interface_declaration":  true,
			"type_alias_declaration": true,
			"enum_declaration":       true,
			"lexical_declaration":    true,
			"variable_declaration":   true,
			"export_statement":       true,
			"import_statement":       true,
		},
	},
}

func init() {
	// TSX shares the TypeScript declaration set.
	grammars["tsx"] = &grammar{
		language:         tsx.GetLanguage(),
		declarationTypes: grammars["typescript"].declarationTypes,
	}
}

// SupportedLanguages lists languages with syntax-aware chunking.
func SupportedLanguages() []string {
	out := make([]string, 0, len(grammars))
	for name := range grammars {
		out = append(out, name)
	}
	return out
}
