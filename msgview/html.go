package msgview

import (
	"regexp"
	"strings"
)

var htmlTagPattern = regexp.MustCompile(`(?is)<[^>]*>`)

// stripTags is a minimal HTML-to-text degrade used only when a message
// has no text/plain part: just enough to give Text() and the dump
// --html flag a plain-text approximation of an HTML body.
func stripTags(html string) string {
	html = stripScriptsAndStyles(html)
	text := htmlTagPattern.ReplaceAllString(html, "")
	text = unescapeEntities(text)
	return strings.TrimSpace(text)
}

func stripScriptsAndStyles(html string) string {
	return removeBlock(removeBlock(html, "script"), "style")
}

func removeBlock(html, tag string) string {
	open := "(?is)<" + tag + `\b[^>]*>`
	closeTag := "(?is)</\\s*" + tag + `\s*>`
	re := regexp.MustCompile(open + ".*?" + closeTag)
	return re.ReplaceAllString(html, "")
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", "\"",
	"&#39;", "'",
)

func unescapeEntities(s string) string {
	return entityReplacer.Replace(s)
}
