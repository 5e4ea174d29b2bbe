// Package markdown rewrites relative file references in Markdown bodies into
// absolute remotedoc:// URLs so that clients can navigate documents
// recursively through the gateway.
package markdown

import (
	"path"
	"regexp"
	"strings"

	"github.com/docgate/docgate/internal/docurl"
)

var (
	// Inline links: [text](dest) or [text](dest "title"). The destination may
	// not contain ")".
	inlineLinkRe = regexp.MustCompile(`\[([^\]]*)\]\(([^)]+)\)`)

	// Destination plus optional quoted title inside the parentheses of an
	// inline link.
	destTitleRe = regexp.MustCompile(`^([^\s"'<>]+)(?:\s+["']([^"']*)["'])?$`)

	// Reference definitions: [ref]: dest or [ref]: dest "title", anchored at
	// line start with optional indentation.
	referenceLinkRe = regexp.MustCompile(`(?m)^([ \t]*)\[([^\]]+)\]:\s+([^\s"']+)(?:[ \t]+["']([^"']*)["'])?[ \t]*$`)

	absoluteURLRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

// Rewrite converts every relative link destination in content into an
// absolute remotedoc://owner/repo/branch/<path> URL, resolving relative
// segments against currentPath, the repository-relative path of the document
// being served. Absolute URLs, protocol-relative URLs, mailto: destinations,
// existing remotedoc:// URLs and #anchors pass through unchanged.
//
// The body is treated as raw text: link syntax inside fenced code blocks is
// rewritten too.
func Rewrite(content, owner, repo, branch, currentPath string) string {
	if content == "" {
		return content
	}

	r := rewriter{
		owner:  owner,
		repo:   repo,
		branch: branch,
		dir:    parentDir(currentPath),
	}

	content = inlineLinkRe.ReplaceAllStringFunc(content, r.replaceInlineLink)
	content = referenceLinkRe.ReplaceAllStringFunc(content, r.replaceReferenceLink)
	return content
}

type rewriter struct {
	owner  string
	repo   string
	branch string
	dir    string
}

func (r rewriter) replaceInlineLink(match string) string {
	groups := inlineLinkRe.FindStringSubmatch(match)
	text, body := groups[1], groups[2]

	dt := destTitleRe.FindStringSubmatch(body)
	if dt == nil {
		// No recognisable dest/title split; treat the whole body as the
		// destination.
		return "[" + text + "](" + r.rewriteTarget(body) + ")"
	}

	dest, title := dt[1], dt[2]
	converted := r.rewriteTarget(dest)
	if title != "" {
		return "[" + text + "](" + converted + " \"" + title + "\")"
	}
	return "[" + text + "](" + converted + ")"
}

func (r rewriter) replaceReferenceLink(match string) string {
	groups := referenceLinkRe.FindStringSubmatch(match)
	indent, ref, dest, title := groups[1], groups[2], groups[3], groups[4]

	converted := r.rewriteTarget(dest)
	if title != "" {
		return indent + "[" + ref + "]: " + converted + " \"" + title + "\""
	}
	return indent + "[" + ref + "]: " + converted
}

// rewriteTarget resolves a single link destination. The query string and
// fragment, if any, are split off first and reattached verbatim.
func (r rewriter) rewriteTarget(dest string) string {
	if dest == "" || strings.HasPrefix(dest, "#") {
		return dest
	}

	pathPart, suffix := splitTarget(dest)
	if isAbsoluteURL(pathPart) || strings.HasPrefix(pathPart, docurl.Scheme) {
		return dest
	}
	// Site-absolute paths are not repository-relative; leave them alone.
	if strings.HasPrefix(pathPart, "/") {
		return dest
	}

	joined := pathPart
	if r.dir != "" {
		joined = r.dir + "/" + pathPart
	}
	normalized := docurl.Normalize(joined)

	return docurl.Scheme + r.owner + "/" + r.repo + "/" + r.branch + "/" + normalized + suffix
}

// splitTarget splits a destination at the first "?" or "#", whichever comes
// first.
func splitTarget(dest string) (pathPart, suffix string) {
	if idx := strings.IndexAny(dest, "?#"); idx >= 0 {
		return dest[:idx], dest[idx:]
	}
	return dest, ""
}

func isAbsoluteURL(p string) bool {
	return absoluteURLRe.MatchString(p) || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "mailto:")
}

// parentDir returns the directory of a repository-relative document path, or
// "" for root-level documents.
func parentDir(currentPath string) string {
	currentPath = strings.Trim(currentPath, "/")
	if currentPath == "" {
		return ""
	}
	dir := path.Dir(currentPath)
	if dir == "." {
		return ""
	}
	return dir
}
