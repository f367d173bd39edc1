package watch

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// plainText drops any HTML/XML markup that ingestion left in titles and abstracts.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return doc.Text()
}

// searchText is the lower-cased, whitespace-collapsed text a keyword is matched against.
func searchText(title, abstract string) string {
	text := plainText(title) + " " + plainText(abstract)
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.Join(strings.Fields(kw), " "))
}
