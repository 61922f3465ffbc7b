package executor

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// Summary describes a finished documentation tree.
type Summary struct {
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
	HTMLPages int    `json:"html_pages"`
	IndexPage string `json:"index_page,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Summarize walks dir and reads the title of the package's index page. The
// index page is <dir>/<package>/index.html, with dashes in the package name
// also tried as underscores, or <dir>/index.html.
func Summarize(dir, pkg string) (*Summary, error) {
	s := &Summary{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.Files++
		s.Bytes += info.Size()
		if strings.HasSuffix(d.Name(), ".html") {
			s.HTMLPages++
		}
		return nil
	})
	if err != nil {
		return s, err
	}

	for _, candidate := range []string{
		filepath.Join(pkg, "index.html"),
		filepath.Join(strings.ReplaceAll(pkg, "-", "_"), "index.html"),
		"index.html",
	} {
		title, err := pageTitle(filepath.Join(dir, candidate))
		if err != nil {
			continue
		}
		s.IndexPage = filepath.ToSlash(candidate)
		s.Title = title
		break
	}
	return s, nil
}

func pageTitle(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	doc, err := html.Parse(f)
	if err != nil {
		return "", err
	}
	var title string
	var find func(*html.Node)
	find = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title = extractText(n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return title, nil
}

func extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}
	var text strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		text.WriteString(extractText(c))
	}
	return strings.TrimSpace(text.String())
}
