// Package website pulls generated pages out of model replies and makes them
// self-contained.
package website

import (
	"regexp"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
)

// Placeholder is shown before the first page has been generated.
const Placeholder = `<!DOCTYPE html>
<html>
<head>
<style>
  body { background: #111; color: #fff; font-family: sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; }
</style>
</head>
<body>
  <h1>Ready to Code</h1>
</body>
</html>`

var htmlBlockRe = regexp.MustCompile("(?s)```html[ \\t]*\\r?\\n(.*?)\\r?\\n?```")

// ExtractHTML returns the body of the first fenced html block in content.
func ExtractHTML(content string) (string, bool) {
	m := htmlBlockRe.FindStringSubmatch(content)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", false
	}
	return m[1], true
}

// LatestHTML returns the page from the newest model message that has one.
func LatestHTML(messages []models.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleModel {
			continue
		}
		if html, ok := ExtractHTML(messages[i].Content); ok {
			return html, true
		}
	}
	return "", false
}

// InjectAssets replaces references to attachment names in src attributes and
// CSS url() values with inline data URIs.
func InjectAssets(html string, assets []models.Attachment) string {
	if len(assets) == 0 {
		return html
	}

	var pairs []string
	for _, a := range assets {
		if a.Name == "" || a.Data == "" {
			continue
		}
		uri := "data:" + a.MIMEType + ";base64," + a.Data
		pairs = append(pairs,
			`src="`+a.Name+`"`, `src="`+uri+`"`,
			`src='`+a.Name+`'`, `src='`+uri+`'`,
			`url("`+a.Name+`")`, `url("`+uri+`")`,
			`url('`+a.Name+`')`, `url('`+uri+`')`,
			`url(`+a.Name+`)`, `url(`+uri+`)`,
		)
	}
	return strings.NewReplacer(pairs...).Replace(html)
}
