package tiktok

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	maxTitleRunes     = 50
	titleEllipsis     = "..."
	placeholderTitle  = "Untitled video"
	placeholderAuthor = "@unknown"
)

// Metadata describes the video shown in the detail view.
type Metadata struct {
	Title  string
	Author string
	URL    string
}

// readMetadata reads title and author from the page, falling back to what
// the video URL carries (/@author/video/<id>).
func (w *Workflow) readMetadata() Metadata {
	rawURL := w.acc.Document().URL()
	title := collapseSpace(w.acc.Text(KeyTitle, nil))
	author := strings.TrimSpace(w.acc.Text(KeyAuthor, nil))

	urlAuthor, videoID := parseVideoURL(rawURL)
	if author == "" {
		author = urlAuthor
	}
	if title == "" && videoID != "" {
		title = "Video " + videoID
	}
	return Metadata{
		Title:  truncateTitle(title),
		Author: normalizeAuthor(author),
		URL:    rawURL,
	}
}

// parseVideoURL extracts the author handle and the video id from
// https://www.tiktok.com/@author/video/123.
func parseVideoURL(rawURL string) (author, videoID string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "@") && len(p) > 1 {
			author = p
		}
		if p == "video" && i+1 < len(parts) {
			videoID = parts[i+1]
		}
	}
	return author, videoID
}

func truncateTitle(title string) string {
	if title == "" {
		return placeholderTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	return string([]rune(title)[:maxTitleRunes]) + titleEllipsis
}

func normalizeAuthor(author string) string {
	author = strings.TrimSpace(author)
	if author == "" || author == "@" {
		return placeholderAuthor
	}
	if !strings.HasPrefix(author, "@") {
		author = "@" + author
	}
	return author
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
