package insight

import (
	"path"
	"sort"
	"strings"

	"corr/internal/evidence"
)

// extTechnologies maps file extensions, from titles, bodies, and touched
// file paths, to a canonical technology name.
var extTechnologies = map[string]string{
	".go":     "go",
	".py":     "python",
	".rs":     "rust",
	".ts":     "typescript",
	".tsx":    "react",
	".js":     "javascript",
	".jsx":    "react",
	".rb":     "ruby",
	".java":   "java",
	".kt":     "kotlin",
	".swift":  "swift",
	".c":      "c",
	".h":      "c",
	".cc":     "c++",
	".cpp":    "c++",
	".hpp":    "c++",
	".cs":     "c#",
	".php":    "php",
	".scala":  "scala",
	".ex":     "elixir",
	".exs":    "elixir",
	".erl":    "erlang",
	".hs":     "haskell",
	".ml":     "ocaml",
	".clj":    "clojure",
	".lua":    "lua",
	".zig":    "zig",
	".sh":     "shell",
	".bash":   "shell",
	".ps1":    "powershell",
	".sql":    "sql",
	".proto":  "protobuf",
	".tf":     "terraform",
	".yaml":   "yaml",
	".yml":    "yaml",
	".toml":   "toml",
	".md":     "markdown",
	".css":    "css",
	".scss":   "css",
	".html":   "html",
	".vue":    "vue",
	".svelte": "svelte",
	".dart":   "dart",
	".jl":     "julia",
}

// keywordTechnologies maps bare tokens to a canonical technology name.
// Tokens that double as common English words stay out.
var keywordTechnologies = map[string]string{
	"kubernetes":    "kubernetes",
	"k8s":           "kubernetes",
	"docker":        "docker",
	"postgres":      "postgresql",
	"postgresql":    "postgresql",
	"mysql":         "mysql",
	"redis":         "redis",
	"kafka":         "kafka",
	"rabbitmq":      "rabbitmq",
	"grpc":          "grpc",
	"graphql":       "graphql",
	"react":         "react",
	"angular":       "angular",
	"django":        "django",
	"flask":         "flask",
	"rails":         "rails",
	"spring":        "spring",
	"terraform":     "terraform",
	"ansible":       "ansible",
	"helm":          "helm",
	"prometheus":    "prometheus",
	"grafana":       "grafana",
	"elasticsearch": "elasticsearch",
	"mongodb":       "mongodb",
	"mongo":         "mongodb",
	"sqlite":        "sqlite",
	"nginx":         "nginx",
	"aws":           "aws",
	"azure":         "azure",
	"gcp":           "gcp",
	"oauth":         "oauth",
	"jwt":           "jwt",
	"webpack":       "webpack",
	"vite":          "vite",
	"pytest":        "pytest",
	"jest":          "jest",
	"jenkins":       "jenkins",
	"golang":        "go",
	"rust":          "rust",
	"python":        "python",
	"typescript":    "typescript",
	"javascript":    "javascript",
	"kotlin":        "kotlin",
	"numpy":         "numpy",
	"pandas":        "pandas",
	"pytorch":       "pytorch",
	"tensorflow":    "tensorflow",
	"stripe":        "stripe",
}

// technologies detects the technologies a story touches. Each item votes
// at most once per technology; the result ranks by vote count, then name.
func technologies(items []*evidence.Evidence) []Technology {
	counts := make(map[string]int)
	for _, it := range items {
		seen := make(map[string]bool)
		mark := func(name string) {
			if name != "" && !seen[name] {
				seen[name] = true
				counts[name]++
			}
		}
		for _, tok := range techTokens(it.Title + " " + it.Body) {
			if name, ok := keywordTechnologies[tok]; ok {
				mark(name)
				continue
			}
			if ext := path.Ext(tok); ext != "" {
				mark(extTechnologies[ext])
			}
		}
		if files, ok := it.Attr(evidence.AttrFiles); ok {
			for _, f := range files.AsList() {
				mark(extTechnologies[strings.ToLower(path.Ext(f))])
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	out := make([]Technology, 0, len(counts))
	for name, n := range counts {
		out = append(out, Technology{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// techTokens splits free text into lowercase tokens, keeping the runes
// that matter for file paths and language names.
func techTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '.', r == '#', r == '+', r == '-', r == '_', r == '/':
			return false
		}
		return true
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "./-_")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
