package rssfilter

import (
	"encoding/xml"
	"fmt"
	"io"
)

// OPML document model. Only the attributes feed readers actually exchange
// are kept; unknown outline attributes are dropped on rewrite.
type opmlDoc struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    opmlHead `xml:"head"`
	Body    opmlBody `xml:"body"`
}

type opmlHead struct {
	Title string `xml:"title,omitempty"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	Text     string        `xml:"text,attr,omitempty"`
	Title    string        `xml:"title,attr,omitempty"`
	Type     string        `xml:"type,attr,omitempty"`
	XMLURL   string        `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string        `xml:"htmlUrl,attr,omitempty"`
	Outlines []opmlOutline `xml:"outline,omitempty"`
}

func parseOPML(r io.Reader) (*opmlDoc, error) {
	var doc opmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse opml: %w", err)
	}
	return &doc, nil
}

func renderOPML(doc *opmlDoc) ([]byte, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render opml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// rewriteOutlines replaces the xmlUrl of every rss outline, recursing into
// folders. The original URL is appended verbatim, not escaped, matching the
// form the feed endpoint accepts.
func rewriteOutlines(outlines []opmlOutline, prefix string) {
	for i := range outlines {
		o := &outlines[i]
		if o.Type == "rss" && o.XMLURL != "" {
			o.XMLURL = prefix + o.XMLURL
		}
		rewriteOutlines(o.Outlines, prefix)
	}
}
