package upstream

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

const (
	csrfField  = "csrf_token"
	csrfHeader = "X-CSRFToken"
)

// csrfFieldNames are the hidden-input names that carry the anti-forgery token.
var csrfFieldNames = map[string]bool{
	"csrf_token": true,
	"_token":     true,
}

// IsCSRFField reports whether a form field carries the anti-forgery token.
func IsCSRFField(name string) bool {
	return csrfFieldNames[name]
}

// ExtractCSRFToken returns the anti-forgery token found in an HTML page,
// either in a hidden form input or a csrf-token meta tag. It returns "" when
// the page has none.
func ExtractCSRFToken(r io.Reader) string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "input":
				if csrfFieldNames[attr(tok, "name")] {
					if v := attr(tok, "value"); v != "" {
						return v
					}
				}
			case "meta":
				name := strings.ToLower(attr(tok, "name"))
				if name == "csrf-token" || name == "csrf_token" {
					if v := attr(tok, "content"); v != "" {
						return v
					}
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
